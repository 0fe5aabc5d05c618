// Package redisstore persists records, saved fees and nonce state in Redis and
// grants record claims across processes.
//
// Layout, relative to the configured prefix:
//
//	record:<id>              JSON encoded record
//	records                  sorted set of every record id scored by time
//	records:chain:<chainId>  sorted set of the chain's record ids
//	savedfees                hash of chain id to JSON encoded saved fees
//	nonce:<chainId>:<wallet> hash with the pending nonce and update time
//	reserved:<chainId>:<wallet> set of reserved nonces
//	claim:<key>              owner token, expiring
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/tranvictor/txfinalizer"
	"github.com/tranvictor/txfinalizer/internal/claim"
)

const (
	fieldPending   = "pending"
	fieldUpdatedAt = "updatedAt"
)

// releaseScript deletes the claim only if it still holds the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements RecordStore, SavedFeesStore, NonceStore and claim.Store
type Store struct {
	client   redis.UniversalClient
	prefix   string
	claimTTL time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithPrefix namespaces every key
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClaimTTL sets how long an unreleased claim lives
func WithClaimTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.claimTTL = ttl
	}
}

// New creates a store on client
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:   client,
		prefix:   "txfinalizer:",
		claimTTL: txfinalizer.DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *Store) recordKey(id string) string {
	return s.key("record", id)
}

func (s *Store) chainIndexKey(chainID uint64) string {
	return s.key("records", "chain", strconv.FormatUint(chainID, 10))
}

// GetRecord returns ErrRecordNotFound when id is unknown
func (s *Store) GetRecord(ctx context.Context, id string) (*txfinalizer.Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, txfinalizer.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get record %s: %w", id, err)
	}
	rec := &txfinalizer.Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("couldn't decode record %s: %w", id, err)
	}
	return rec, nil
}

// UpdateRecord writes rec and its index entries in one transaction. The note
// is already part of the record history, Redis keeps no separate log.
func (s *Store) UpdateRecord(ctx context.Context, rec *txfinalizer.Record, _ string) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("couldn't encode record %s: %w", rec.ID, err)
	}
	member := redis.Z{Score: float64(rec.Time), Member: rec.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.ID), raw, 0)
		pipe.ZAdd(ctx, s.key("records"), member)
		pipe.ZAdd(ctx, s.chainIndexKey(rec.ChainID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update record %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecords returns the matching records ordered by time
func (s *Store) ListRecords(ctx context.Context, filter txfinalizer.RecordFilter) ([]*txfinalizer.Record, error) {
	index := s.key("records")
	if filter.ChainID != 0 {
		index = s.chainIndexKey(filter.ChainID)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list records: %w", err)
	}

	var out []*txfinalizer.Record
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// deleted between ZRANGE and MGET
			continue
		}
		rec := &txfinalizer.Record{}
		if err := json.Unmarshal([]byte(str), rec); err != nil {
			return nil, fmt.Errorf("couldn't decode record %s: %w", ids[i], err)
		}
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteRecord removes a record and its index entries
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	rec, err := s.GetRecord(ctx, id)
	if errors.Is(err, txfinalizer.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.key("records"), id)
		pipe.ZRem(ctx, s.chainIndexKey(rec.ChainID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete record %s: %w", id, err)
	}
	return nil
}

// SetSavedFees saves the fee preference of a chain
func (s *Store) SetSavedFees(ctx context.Context, chainID uint64, fees txfinalizer.SavedFees) error {
	raw, err := json.Marshal(fees)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key("savedfees"), strconv.FormatUint(chainID, 10), raw).Err(); err != nil {
		return fmt.Errorf("redis save fees: %w", err)
	}
	return nil
}

// GetSavedFees returns the saved preference of chainID, nil if none
func (s *Store) GetSavedFees(ctx context.Context, chainID uint64) (*txfinalizer.SavedFees, error) {
	raw, err := s.client.HGet(ctx, s.key("savedfees"), strconv.FormatUint(chainID, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get saved fees: %w", err)
	}
	fees := &txfinalizer.SavedFees{}
	if err := json.Unmarshal(raw, fees); err != nil {
		return nil, fmt.Errorf("couldn't decode saved fees: %w", err)
	}
	return fees, nil
}

func (s *Store) nonceKeys(wallet common.Address, chainID uint64) (state, reserved string) {
	chain := strconv.FormatUint(chainID, 10)
	addr := strings.ToLower(wallet.Hex())
	return s.key("nonce", chain, addr), s.key("reserved", chain, addr)
}

// Get returns the nonce state, nil if none
func (s *Store) Get(ctx context.Context, wallet common.Address, chainID uint64) (*txfinalizer.NonceState, error) {
	stateKey, reservedKey := s.nonceKeys(wallet, chainID)

	var fields *redis.MapStringStringCmd
	var members *redis.StringSliceCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, stateKey)
		members = pipe.SMembers(ctx, reservedKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis get nonce state: %w", err)
	}
	if len(fields.Val()) == 0 && len(members.Val()) == 0 {
		return nil, nil
	}

	state := &txfinalizer.NonceState{Wallet: wallet, ChainID: chainID}
	if v, ok := fields.Val()[fieldPending]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt pending nonce %q: %w", v, err)
		}
		state.LocalPendingNonce = &n
	}
	if v, ok := fields.Val()[fieldUpdatedAt]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			state.UpdatedAt = time.UnixMilli(ms)
		}
	}
	for _, m := range members.Val() {
		n, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt reserved nonce %q: %w", m, err)
		}
		state.ReservedNonces = append(state.ReservedNonces, n)
	}
	sort.Slice(state.ReservedNonces, func(i, j int) bool { return state.ReservedNonces[i] < state.ReservedNonces[j] })
	return state, nil
}

// SavePendingNonce sets the highest locally used nonce
func (s *Store) SavePendingNonce(ctx context.Context, wallet common.Address, chainID uint64, nonce uint64) error {
	stateKey, _ := s.nonceKeys(wallet, chainID)
	err := s.client.HSet(ctx, stateKey,
		fieldPending, strconv.FormatUint(nonce, 10),
		fieldUpdatedAt, strconv.FormatInt(time.Now().UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis save pending nonce: %w", err)
	}
	return nil
}

// ClearPendingNonce deletes the state hash, keeping the reserved set
func (s *Store) ClearPendingNonce(ctx context.Context, wallet common.Address, chainID uint64) error {
	stateKey, _ := s.nonceKeys(wallet, chainID)
	if err := s.client.Del(ctx, stateKey).Err(); err != nil {
		return fmt.Errorf("redis clear pending nonce: %w", err)
	}
	return nil
}

// AddReservedNonce adds nonce to the reserved set
func (s *Store) AddReservedNonce(ctx context.Context, wallet common.Address, chainID uint64, nonce uint64) error {
	_, reservedKey := s.nonceKeys(wallet, chainID)
	if err := s.client.SAdd(ctx, reservedKey, strconv.FormatUint(nonce, 10)).Err(); err != nil {
		return fmt.Errorf("redis add reserved nonce: %w", err)
	}
	return nil
}

// RemoveReservedNonce removes nonce from the reserved set
func (s *Store) RemoveReservedNonce(ctx context.Context, wallet common.Address, chainID uint64, nonce uint64) error {
	_, reservedKey := s.nonceKeys(wallet, chainID)
	if err := s.client.SRem(ctx, reservedKey, strconv.FormatUint(nonce, 10)).Err(); err != nil {
		return fmt.Errorf("redis remove reserved nonce: %w", err)
	}
	return nil
}

// Acquire claims key with SET NX, returning claim.ErrClaimed if someone holds it
func (s *Store) Acquire(ctx context.Context, key string) (*claim.Claim, error) {
	c := claim.NewClaim(key)
	ok, err := s.client.SetNX(ctx, s.key("claim", key), c.Token, s.claimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis claim %s: %w", key, err)
	}
	if !ok {
		return nil, claim.ErrClaimed
	}
	return c, nil
}

// Release deletes the claim if c still owns it
func (s *Store) Release(ctx context.Context, c *claim.Claim) error {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key("claim", c.Key)}, c.Token).Int()
	if err != nil {
		return fmt.Errorf("redis release claim %s: %w", c.Key, err)
	}
	if n == 0 {
		return claim.ErrNotOwner
	}
	return nil
}
