package txfinalizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrNoRecordStore is returned by operations that load records by id without a store
var ErrNoRecordStore = fmt.Errorf("no record store configured")

// GasFeeUpdate is a user edit of the fee fields. Nil fields are left unchanged.
// Setting GasPrice switches the record to legacy fees and the other way round.
type GasFeeUpdate struct {
	Gas                  *hexutil.Uint64
	GasPrice             *hexutil.Big
	MaxFeePerGas         *hexutil.Big
	MaxPriorityFeePerGas *hexutil.Big
	UserFeeLevel         UserFeeLevel
}

// EditableParams is a user edit of the transaction body. Nil fields are left unchanged.
type EditableParams struct {
	From  *common.Address
	To    *common.Address
	Data  *hexutil.Bytes
	Value *hexutil.Big
	Gas   *hexutil.Uint64
}

// UpdateGasFees applies a fee edit to an unapproved record and persists it.
func (f *Finalizer) UpdateGasFees(ctx context.Context, id string, update GasFeeUpdate) (*Record, error) {
	if update.GasPrice != nil && (update.MaxFeePerGas != nil || update.MaxPriorityFeePerGas != nil) {
		return nil, newValidationError(ReasonMutuallyExclusiveFees, "gasPrice",
			"gasPrice cannot be combined with maxFeePerGas or maxPriorityFeePerGas")
	}

	var out *Record
	err := f.editRecord(ctx, id, NoteGasFeesUpdated, func(rec *Record) error {
		p := &rec.Params
		if update.GasPrice != nil {
			if p.Type != nil && uint64(*p.Type) == 2 {
				return newValidationError(ReasonEnvelopeMismatch, "gasPrice", "envelope type 2 cannot carry gasPrice")
			}
			p.GasPrice = update.GasPrice
			p.MaxFeePerGas = nil
			p.MaxPriorityFeePerGas = nil
		}
		if update.MaxFeePerGas != nil || update.MaxPriorityFeePerGas != nil {
			if p.Type != nil && uint64(*p.Type) < 2 {
				return newValidationError(ReasonEnvelopeMismatch, "maxFeePerGas",
					"envelope type %d cannot carry fee-market fields", uint64(*p.Type))
			}
			if err := applyFeeMarketEdit(p, update); err != nil {
				return err
			}
		}
		if update.Gas != nil {
			p.Gas = update.Gas
			rec.UserEditedGasLimit = true
		}
		if update.UserFeeLevel != "" {
			rec.UserFeeLevel = update.UserFeeLevel
		}
		out = rec
		return nil
	})
	return out, err
}

// applyFeeMarketEdit sets the fee-market fields of p. A missing half is
// filled the way ResolveFees fills it: the max fee from a previous gas price,
// the priority fee mirrored from the max fee.
func applyFeeMarketEdit(p *TxParams, update GasFeeUpdate) error {
	if update.MaxFeePerGas != nil {
		p.MaxFeePerGas = update.MaxFeePerGas
	}
	if update.MaxPriorityFeePerGas != nil {
		p.MaxPriorityFeePerGas = update.MaxPriorityFeePerGas
	}
	if p.MaxFeePerGas == nil {
		p.MaxFeePerGas = p.GasPrice
	}
	if p.MaxPriorityFeePerGas == nil {
		p.MaxPriorityFeePerGas = p.MaxFeePerGas
	}
	p.GasPrice = nil

	if p.MaxFeePerGas == nil {
		return newValidationError(ReasonMissingField, "maxFeePerGas", "maxPriorityFeePerGas needs a maxFeePerGas")
	}
	if p.MaxPriorityFeePerGas.ToInt().Cmp(p.MaxFeePerGas.ToInt()) > 0 {
		return newValidationError(ReasonInvalidParams, "maxPriorityFeePerGas", "maxPriorityFeePerGas exceeds maxFeePerGas")
	}
	return nil
}

// UpdateEditableParams applies a body edit to an unapproved record, classifies
// it again and persists it.
func (f *Finalizer) UpdateEditableParams(ctx context.Context, id string, edit EditableParams) (*Record, error) {
	var out *Record
	err := f.editRecord(ctx, id, NoteParamsUpdated, func(rec *Record) error {
		p := &rec.Params
		if edit.From != nil {
			p.From = *edit.From
		}
		if edit.To != nil {
			to := *edit.To
			p.To = &to
		}
		if edit.Data != nil {
			p.Data = *edit.Data
		}
		if edit.Value != nil {
			p.Value = edit.Value
		}
		if edit.Gas != nil {
			p.Gas = edit.Gas
			rec.UserEditedGasLimit = true
		}
		if err := ValidateParams(rec.ChainID, *p); err != nil {
			return err
		}

		if !rec.Type.IsSwap() {
			entry, err := f.chain(rec.ChainID)
			if err != nil {
				return err
			}
			rec.Type, _ = Classify(ctx, entry.reader, *p)
		}
		out = rec
		return nil
	})
	return out, err
}

// editRecord loads id, checks it is still unapproved, applies fn, records the
// change and persists it, all under the record claim.
func (f *Finalizer) editRecord(ctx context.Context, id, note string, fn func(rec *Record) error) error {
	if f.records == nil {
		return ErrNoRecordStore
	}
	return f.withClaim(ctx, id, func() error {
		rec, err := f.records.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusUnapproved {
			return errors.Join(ErrRecordNotUnapproved, fmt.Errorf("record %s is %s", id, rec.Status))
		}
		if err := fn(rec); err != nil {
			return err
		}
		appended, err := rec.RecordChange(note)
		if err != nil {
			return err
		}
		if !appended {
			logger.WithFields(logger.Fields{"record_id": id, "note": note}).Debug("edit changed nothing")
			return nil
		}
		return f.persist(ctx, rec, note)
	})
}
