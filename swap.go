package txfinalizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SwapResult is delivered by ReconcileSwapBalanceAsync
type SwapResult struct {
	Record   *Record
	Approval *Record
	Err      error
}

// ReconcileSwapBalance records the sender balance observed after a swap
// settled. It polls up to the configured attempt count with a fixed delay and
// stops early when the destination is not the chain's default token or the
// balance moved away from PreTxBalance. Exhausting the attempts is not an
// error: the last observed balance is persisted either way.
//
// The record is re-read on every attempt. If it disappeared the loop stops
// with ErrRecordNotFound. Cancelling ctx stops the loop without persisting.
func (f *Finalizer) ReconcileSwapBalance(ctx context.Context, id string) (*Record, *Record, error) {
	if f.records == nil {
		return nil, nil, ErrNoRecordStore
	}

	var (
		rec      *Record
		attempts int
	)
	for attempts < f.swapMaxAttempts {
		attempts++

		latest, err := f.records.GetRecord(ctx, id)
		if err != nil {
			f.metrics.swapAttempts(attempts)
			return nil, nil, err
		}
		rec = latest

		l := logger.WithFields(logger.Fields{
			"record_id": id,
			"wallet":    rec.Params.From.Hex(),
			"chain_id":  rec.ChainID,
			"attempt":   attempts,
		})

		changed := false
		balance, err := f.senderBalance(ctx, rec)
		if err != nil {
			l.WithFields(logger.Fields{"error": err}).Warn("couldn't read swap balance")
		} else {
			rec.PostTxBalance = (*hexutil.Big)(balance)
			changed = rec.PreTxBalance == nil || rec.PreTxBalance.ToInt().Cmp(balance) != 0
		}

		if tok, ok := f.defaultSwapToken(rec.ChainID); !ok || !tok.matches(rec) {
			l.Debug("destination is not the default token, no need to wait for the balance")
			break
		}
		if changed {
			l.WithFields(logger.Fields{"balance": balance.String()}).Debug("swap balance changed")
			break
		}
		if attempts == f.swapMaxAttempts {
			l.Info("swap balance unchanged after every attempt")
			break
		}

		if err := ctx.Err(); err != nil {
			f.metrics.swapAttempts(attempts)
			return nil, nil, err
		}
		select {
		case <-ctx.Done():
			f.metrics.swapAttempts(attempts)
			return nil, nil, ctx.Err()
		case <-time.After(f.swapRetryDelay):
		}
	}
	f.metrics.swapAttempts(attempts)

	if _, err := rec.RecordChange(NoteSwapBalanceReconciled); err != nil {
		return nil, nil, err
	}
	if err := f.persist(ctx, rec, NoteSwapBalanceReconciled); err != nil {
		return nil, nil, err
	}

	var approval *Record
	if rec.ApprovalTxID != "" {
		a, err := f.records.GetRecord(ctx, rec.ApprovalTxID)
		switch {
		case err == nil:
			approval = a
		case errors.Is(err, ErrRecordNotFound):
			logger.WithFields(logger.Fields{
				"record_id":   id,
				"approval_id": rec.ApprovalTxID,
			}).Warn("approval record not found")
		default:
			return rec, nil, fmt.Errorf("couldn't load approval record: %w", err)
		}
	}
	return rec, approval, nil
}

// ReconcileSwapBalanceAsync runs ReconcileSwapBalance in the background. The
// channel receives exactly one result and is then closed.
func (f *Finalizer) ReconcileSwapBalanceAsync(ctx context.Context, id string) <-chan SwapResult {
	out := make(chan SwapResult, 1)
	go func() {
		defer close(out)
		rec, approval, err := f.ReconcileSwapBalance(ctx, id)
		if err != nil {
			logger.WithFields(logger.Fields{
				"record_id": id,
				"error":     err,
			}).Warn("swap reconciliation failed")
		}
		out <- SwapResult{Record: rec, Approval: approval, Err: err}
	}()
	return out
}

func (f *Finalizer) senderBalance(ctx context.Context, rec *Record) (*big.Int, error) {
	entry, err := f.chain(rec.ChainID)
	if err != nil {
		return nil, err
	}
	return entry.reader.BalanceAt(ctx, rec.Params.From)
}
