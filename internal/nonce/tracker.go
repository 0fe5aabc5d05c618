// Package nonce provides per-wallet nonce coordination for EVM chains.
// This is an internal package and should not be imported directly by external code.
package nonce

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Key identifies one nonce sequence
type Key struct {
	Wallet  common.Address
	ChainID uint64
}

// Tracker manages nonce reservation for multiple wallets across multiple networks.
// Every sequence has its own FIFO lock. State for a sequence is only read or
// written while that lock is held.
type Tracker struct {
	// reserved maps Key -> highest nonce handed out locally
	reserved sync.Map // map[Key]uint64

	// locks provides per-sequence locking
	locks sync.Map // map[Key]*queueLock
}

// NewTracker creates a new nonce tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) getLock(key Key) *queueLock {
	lock, _ := t.locks.LoadOrStore(key, &queueLock{})
	return lock.(*queueLock)
}

// Lock waits for the sequence lock of wallet on chainID. Waiters are served in
// call order. The returned unlock function is safe to call more than once.
func (t *Tracker) Lock(ctx context.Context, wallet common.Address, chainID uint64) (func(), error) {
	lock := t.getLock(Key{Wallet: wallet, ChainID: chainID})
	if err := lock.lock(ctx); err != nil {
		return nil, errors.Join(ErrLockAborted, err)
	}
	var once sync.Once
	return func() { once.Do(lock.unlock) }, nil
}

// Waiting returns how many callers are queued behind the current holder.
func (t *Tracker) Waiting(wallet common.Address, chainID uint64) int {
	return t.getLock(Key{Wallet: wallet, ChainID: chainID}).queued()
}

// SetPendingNonceUnlocked raises the reserved tip. MUST be called with the sequence lock held.
func (t *Tracker) SetPendingNonceUnlocked(wallet common.Address, chainID uint64, networkName string, nonce uint64) {
	key := Key{Wallet: wallet, ChainID: chainID}
	if old, ok := t.reserved.Load(key); ok && old.(uint64) >= nonce {
		logger.WithFields(logger.Fields{
			"wallet":    wallet.Hex(),
			"network":   networkName,
			"chain_id":  chainID,
			"new_nonce": nonce,
			"old_nonce": old.(uint64),
		}).Debug("setPendingNonce skipped: new nonce not higher than existing")
		return
	}
	t.reserved.Store(key, nonce)
}

// GetPendingNonceUnlocked returns the next nonce after the reserved tip.
// Returns nil if no local nonce is tracked. MUST be called with the sequence lock held.
func (t *Tracker) GetPendingNonceUnlocked(wallet common.Address, chainID uint64) *big.Int {
	tip, ok := t.reserved.Load(Key{Wallet: wallet, ChainID: chainID})
	if !ok {
		return nil
	}
	return new(big.Int).SetUint64(tip.(uint64) + 1)
}

// Remote is what the chain and the record store know about a sequence
type Remote struct {
	// MinedNonce is the nonce reported by the chain for the latest block
	MinedNonce uint64
	// PendingNext is one past the highest nonce among submitted records, zero if none
	PendingNext uint64
}

// AcquireResult contains the result of a nonce acquisition
type AcquireResult struct {
	Nonce          uint64
	DecisionReason string
}

// AcquireNonceUnlocked picks the highest of the mined nonce, the next nonce
// after pending records and the next nonce after the local tip, then reserves
// it. MUST be called with the sequence lock held.
func (t *Tracker) AcquireNonceUnlocked(wallet common.Address, chainID uint64, networkName string, remote Remote) *AcquireResult {
	nextNonce := remote.MinedNonce
	decisionReason := "using mined nonce"

	if remote.PendingNext > nextNonce {
		nextNonce = remote.PendingNext
		decisionReason = "using next after pending records (higher than mined)"
	}

	local := t.GetPendingNonceUnlocked(wallet, chainID)
	if local != nil && local.Uint64() > nextNonce {
		nextNonce = local.Uint64()
		decisionReason = "using next after local reservation (higher than remote)"
	}

	t.SetPendingNonceUnlocked(wallet, chainID, networkName, nextNonce)

	localStr := "nil"
	if local != nil {
		localStr = local.String()
	}
	logger.WithFields(logger.Fields{
		"wallet":         wallet.Hex(),
		"network":        networkName,
		"chain_id":       chainID,
		"acquired_nonce": nextNonce,
		"mined_nonce":    remote.MinedNonce,
		"pending_next":   remote.PendingNext,
		"local_next":     localStr,
		"decision":       decisionReason,
	}).Debug("acquireNonce: nonce acquired and reserved")

	return &AcquireResult{
		Nonce:          nextNonce,
		DecisionReason: decisionReason,
	}
}

// ReleaseNonceUnlocked gives back a reserved nonce that was never used.
// Only the tip of the sequence can be released. MUST be called with the
// sequence lock held.
func (t *Tracker) ReleaseNonceUnlocked(wallet common.Address, chainID uint64, networkName string, nonce uint64) {
	key := Key{Wallet: wallet, ChainID: chainID}
	current, ok := t.reserved.Load(key)
	if !ok {
		logger.WithFields(logger.Fields{
			"wallet":   wallet.Hex(),
			"network":  networkName,
			"chain_id": chainID,
			"nonce":    nonce,
		}).Debug("ReleaseNonce: nothing reserved, nothing to release")
		return
	}

	if current.(uint64) != nonce {
		logger.WithFields(logger.Fields{
			"wallet":          wallet.Hex(),
			"network":         networkName,
			"chain_id":        chainID,
			"requested_nonce": nonce,
			"current_nonce":   current.(uint64),
		}).Debug("ReleaseNonce: skipped - not the tip nonce")
		return
	}

	if nonce == 0 {
		t.reserved.Delete(key)
	} else {
		t.reserved.Store(key, nonce-1)
	}
	logger.WithFields(logger.Fields{
		"wallet":         wallet.Hex(),
		"network":        networkName,
		"chain_id":       chainID,
		"released_nonce": nonce,
	}).Debug("ReleaseNonce: nonce released successfully")
}
