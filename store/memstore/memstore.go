// Package memstore keeps records, saved fees and nonce state in memory.
// Every value is copied on the way in and out.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/txfinalizer"
)

// Store is an in-memory RecordStore, SavedFeesStore and NonceStore
type Store struct {
	mu sync.RWMutex

	records   map[string]*txfinalizer.Record
	notes     map[string][]string
	savedFees map[uint64]txfinalizer.SavedFees
	nonces    map[nonceKey]*txfinalizer.NonceState
}

type nonceKey struct {
	wallet  common.Address
	chainID uint64
}

// New creates an empty store
func New() *Store {
	return &Store{
		records:   make(map[string]*txfinalizer.Record),
		notes:     make(map[string][]string),
		savedFees: make(map[uint64]txfinalizer.SavedFees),
		nonces:    make(map[nonceKey]*txfinalizer.NonceState),
	}
}

// GetRecord returns a copy of the record
func (s *Store) GetRecord(_ context.Context, id string) (*txfinalizer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, txfinalizer.ErrRecordNotFound
	}
	return rec.Clone()
}

// UpdateRecord stores a copy of rec and remembers note
func (s *Store) UpdateRecord(_ context.Context, rec *txfinalizer.Record, note string) error {
	cp, err := rec.Clone()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cp
	s.notes[rec.ID] = append(s.notes[rec.ID], note)
	return nil
}

// ListRecords returns copies of the matching records ordered by time
func (s *Store) ListRecords(_ context.Context, filter txfinalizer.RecordFilter) ([]*txfinalizer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*txfinalizer.Record
	for _, rec := range s.records {
		if !filter.Match(rec) {
			continue
		}
		cp, err := rec.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteRecord removes a record
func (s *Store) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.notes, id)
	return nil
}

// Notes returns the notes passed to UpdateRecord for id, oldest first
func (s *Store) Notes(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.notes[id]...)
}

// SetSavedFees saves the fee preference of a chain
func (s *Store) SetSavedFees(chainID uint64, fees txfinalizer.SavedFees) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedFees[chainID] = fees
}

// GetSavedFees returns the saved preference of chainID, nil if none
func (s *Store) GetSavedFees(_ context.Context, chainID uint64) (*txfinalizer.SavedFees, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fees, ok := s.savedFees[chainID]
	if !ok {
		return nil, nil
	}
	return &fees, nil
}

// Get returns a copy of the nonce state, nil if none
func (s *Store) Get(_ context.Context, wallet common.Address, chainID uint64) (*txfinalizer.NonceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.nonces[nonceKey{wallet, chainID}]
	if !ok {
		return nil, nil
	}
	return copyState(state), nil
}

// SavePendingNonce sets the highest locally used nonce
func (s *Store) SavePendingNonce(_ context.Context, wallet common.Address, chainID uint64, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state(wallet, chainID)
	state.LocalPendingNonce = &nonce
	state.UpdatedAt = time.Now()
	return nil
}

// ClearPendingNonce drops the pending nonce, keeping the reserved set
func (s *Store) ClearPendingNonce(_ context.Context, wallet common.Address, chainID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nonceKey{wallet, chainID}
	state, ok := s.nonces[key]
	if !ok {
		return nil
	}
	if len(state.ReservedNonces) == 0 {
		delete(s.nonces, key)
		return nil
	}
	state.LocalPendingNonce = nil
	state.UpdatedAt = time.Now()
	return nil
}

// AddReservedNonce adds nonce to the reserved set
func (s *Store) AddReservedNonce(_ context.Context, wallet common.Address, chainID uint64, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state(wallet, chainID)
	for _, n := range state.ReservedNonces {
		if n == nonce {
			return nil
		}
	}
	state.ReservedNonces = append(state.ReservedNonces, nonce)
	sort.Slice(state.ReservedNonces, func(i, j int) bool { return state.ReservedNonces[i] < state.ReservedNonces[j] })
	state.UpdatedAt = time.Now()
	return nil
}

// RemoveReservedNonce removes nonce from the reserved set
func (s *Store) RemoveReservedNonce(_ context.Context, wallet common.Address, chainID uint64, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state(wallet, chainID)
	kept := state.ReservedNonces[:0]
	for _, n := range state.ReservedNonces {
		if n != nonce {
			kept = append(kept, n)
		}
	}
	state.ReservedNonces = kept
	state.UpdatedAt = time.Now()
	return nil
}

// state MUST be called with the lock held
func (s *Store) state(wallet common.Address, chainID uint64) *txfinalizer.NonceState {
	key := nonceKey{wallet, chainID}
	state, ok := s.nonces[key]
	if !ok {
		state = &txfinalizer.NonceState{Wallet: wallet, ChainID: chainID}
		s.nonces[key] = state
	}
	return state
}

func copyState(state *txfinalizer.NonceState) *txfinalizer.NonceState {
	cp := *state
	if state.LocalPendingNonce != nil {
		n := *state.LocalPendingNonce
		cp.LocalPendingNonce = &n
	}
	cp.ReservedNonces = append([]uint64(nil), state.ReservedNonces...)
	return &cp
}
