package txfinalizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/txfinalizer/internal/nonce"
)

// NonceLease holds the sequence lock of a wallet on a chain together with
// the nonce reserved under it. Release must be called exactly once the nonce
// is durably recorded (after Commit) or abandoned. Release is idempotent and
// safe to defer; a nil lease is a no-op.
type NonceLease struct {
	f           *Finalizer
	wallet      common.Address
	chainID     uint64
	networkName string
	nonce       uint64
	unlock      func()

	mu        sync.Mutex
	committed bool
	released  bool
}

// Nonce returns the leased nonce
func (l *NonceLease) Nonce() uint64 {
	return l.nonce
}

// Commit marks the nonce as used. Release will keep the reservation.
func (l *NonceLease) Commit() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || l.committed {
		return
	}
	l.committed = true
	l.f.persistNonceCommit(l.wallet, l.chainID, l.nonce)
}

// Release unlocks the sequence. Without a prior Commit the reservation is
// given back so the next caller reuses the nonce.
func (l *NonceLease) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	if !l.committed {
		l.f.nonces.ReleaseNonceUnlocked(l.wallet, l.chainID, l.networkName, l.nonce)
		l.f.persistNonceRelease(l.wallet, l.chainID, l.nonce)
	}
	l.unlock()
}

// ResolveNonce returns the nonce rec must use. A caller supplied custom nonce
// or an already set nonce is returned verbatim without a lease. Otherwise the
// wallet's sequence lock is taken and a lease is returned; the nonce is the
// highest of the chain nonce, the next nonce after pending records and the
// next nonce after the local reservation.
//
// Any failure to lock or to read chain or store state returns
// ErrAcquireNonceFailed.
func (f *Finalizer) ResolveNonce(ctx context.Context, rec *Record) (uint64, *NonceLease, error) {
	if rec.CustomNonceValue != nil {
		return uint64(*rec.CustomNonceValue), nil, nil
	}
	if rec.Params.Nonce != nil {
		return uint64(*rec.Params.Nonce), nil, nil
	}

	entry, err := f.chain(rec.ChainID)
	if err != nil {
		return 0, nil, errors.Join(ErrAcquireNonceFailed, err)
	}
	wallet := rec.Params.From
	networkName := entry.network.GetName()

	start := time.Now()
	unlock, err := f.nonces.Lock(ctx, wallet, rec.ChainID)
	f.metrics.nonceLockWait(rec.ChainID, time.Since(start))
	if err != nil {
		return 0, nil, errors.Join(ErrAcquireNonceFailed, err)
	}

	remote, err := f.remoteNonceState(ctx, entry, rec)
	if err != nil {
		unlock()
		return 0, nil, errors.Join(ErrAcquireNonceFailed, err)
	}

	result := f.nonces.AcquireNonceUnlocked(wallet, rec.ChainID, networkName, remote)
	f.persistNonceAcquisition(wallet, rec.ChainID, result.Nonce)

	logger.WithFields(logger.Fields{
		"record_id": rec.ID,
		"wallet":    wallet.Hex(),
		"chain_id":  rec.ChainID,
		"nonce":     result.Nonce,
		"decision":  result.DecisionReason,
	}).Debug("nonce leased")

	return result.Nonce, &NonceLease{
		f:           f,
		wallet:      wallet,
		chainID:     rec.ChainID,
		networkName: networkName,
		nonce:       result.Nonce,
		unlock:      unlock,
	}, nil
}

// remoteNonceState reads the chain nonce and the pending record nonces.
// MUST be called with the sequence lock held.
func (f *Finalizer) remoteNonceState(ctx context.Context, entry *chainEntry, rec *Record) (nonce.Remote, error) {
	wallet := rec.Params.From
	if err := f.recoverNonceState(ctx, entry, wallet, rec.ChainID); err != nil {
		return nonce.Remote{}, err
	}

	mined, err := entry.reader.NonceAt(ctx, wallet)
	if err != nil {
		return nonce.Remote{}, fmt.Errorf("couldn't get chain nonce: %w", err)
	}

	remote := nonce.Remote{MinedNonce: mined}
	if f.records == nil {
		return remote, nil
	}

	pending, err := f.records.ListRecords(ctx, RecordFilter{
		ChainID: rec.ChainID,
		From:    &wallet,
		Status:  StatusSubmitted,
	})
	if err != nil {
		return nonce.Remote{}, fmt.Errorf("couldn't list pending records: %w", err)
	}
	for _, p := range pending {
		if !p.Status.IsPending() || p.IsTransfer || p.IsUserOperation || p.Params.Nonce == nil {
			continue
		}
		if next := uint64(*p.Params.Nonce) + 1; next > remote.PendingNext {
			remote.PendingNext = next
		}
	}
	return remote, nil
}

// recoverNonceState seeds the tracker from the nonce store the first time a
// sequence is used in this process. MUST be called with the sequence lock held.
func (f *Finalizer) recoverNonceState(ctx context.Context, entry *chainEntry, wallet common.Address, chainID uint64) error {
	if f.nonceStore == nil {
		return nil
	}
	key := nonce.Key{Wallet: wallet, ChainID: chainID}
	if _, done := f.recovered.Load(key); done {
		return nil
	}

	state, err := f.nonceStore.Get(ctx, wallet, key.ChainID)
	if err != nil {
		return fmt.Errorf("couldn't load nonce state: %w", err)
	}
	if state != nil && state.LocalPendingNonce != nil {
		f.nonces.SetPendingNonceUnlocked(wallet, key.ChainID, entry.network.GetName(), *state.LocalPendingNonce)
		logger.WithFields(logger.Fields{
			"wallet":   wallet.Hex(),
			"chain_id": key.ChainID,
			"nonce":    *state.LocalPendingNonce,
			"reserved": state.ReservedNonces,
		}).Info("recovered local nonce state")
	}
	f.recovered.Store(key, true)
	return nil
}

func (f *Finalizer) persistNonceAcquisition(wallet common.Address, chainID uint64, n uint64) {
	if f.nonceStore == nil {
		return
	}
	ctx := context.Background()
	if err := f.nonceStore.AddReservedNonce(ctx, wallet, chainID, n); err != nil {
		logNonceStoreError(wallet, chainID, n, "add reserved nonce", err)
	}
	if err := f.nonceStore.SavePendingNonce(ctx, wallet, chainID, n); err != nil {
		logNonceStoreError(wallet, chainID, n, "save pending nonce", err)
	}
}

func (f *Finalizer) persistNonceCommit(wallet common.Address, chainID uint64, n uint64) {
	if f.nonceStore == nil {
		return
	}
	if err := f.nonceStore.RemoveReservedNonce(context.Background(), wallet, chainID, n); err != nil {
		logNonceStoreError(wallet, chainID, n, "remove committed nonce", err)
	}
}

func (f *Finalizer) persistNonceRelease(wallet common.Address, chainID uint64, n uint64) {
	if f.nonceStore == nil {
		return
	}
	ctx := context.Background()
	if err := f.nonceStore.RemoveReservedNonce(ctx, wallet, chainID, n); err != nil {
		logNonceStoreError(wallet, chainID, n, "remove released nonce", err)
	}
	tip := f.nonces.GetPendingNonceUnlocked(wallet, chainID)
	if tip == nil {
		// nothing is reserved any more, the next lease starts from the chain
		if err := f.nonceStore.ClearPendingNonce(ctx, wallet, chainID); err != nil {
			logNonceStoreError(wallet, chainID, n, "clear pending nonce", err)
		}
		return
	}
	if err := f.nonceStore.SavePendingNonce(ctx, wallet, chainID, tip.Uint64()-1); err != nil {
		logNonceStoreError(wallet, chainID, n, "save pending nonce", err)
	}
}

func logNonceStoreError(wallet common.Address, chainID uint64, n uint64, op string, err error) {
	logger.WithFields(logger.Fields{
		"wallet":   wallet.Hex(),
		"chain_id": chainID,
		"nonce":    n,
		"op":       op,
		"error":    err,
	}).Warn("nonce store write failed")
}
