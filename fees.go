package txfinalizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// FeeInputs are the per-call inputs of fee resolution
type FeeInputs struct {
	// EIP1559 selects the fee-market mode. When false only gasPrice is resolved.
	EIP1559 bool
	// Saved is the user's saved preference, nil if none
	Saved *SavedFees
}

type feeSource int

const (
	sourceNone feeSource = iota
	sourceSaved
	sourceRequest
	sourceNetwork
	sourceMirror
)

// networkFees is the first estimate tier that produced a usable value
type networkFees struct {
	Type        EstimateType
	MaxFee      *big.Int
	MaxPriority *big.Int
	GasPrice    *big.Int
}

type feeResult struct {
	GasPrice     *hexutil.Big
	MaxFee       *hexutil.Big
	MaxPriority  *hexutil.Big
	Level        UserFeeLevel
	EstimateType EstimateType
}

// ResolveFees fills the fee fields of rec.Params following the fee precedence
// chain and records the audit level and default estimates. It never fails:
// fields that no source could provide stay unset.
func (f *Finalizer) ResolveFees(ctx context.Context, rec *Record, in FeeInputs) {
	res := f.resolveFees(ctx, rec, in)
	applyFees(rec, res)
	rec.DefaultGasEstimates = defaultGasEstimates(rec, res.EstimateType)
}

// resolveFees reads rec but never mutates it, so it can run next to gas resolution.
func (f *Finalizer) resolveFees(ctx context.Context, rec *Record, in FeeInputs) feeResult {
	p := rec.Params
	l := logger.WithFields(logger.Fields{
		"record_id": rec.ID,
		"wallet":    p.From.Hex(),
		"chain_id":  rec.ChainID,
		"eip1559":   in.EIP1559,
	})

	var (
		network    *networkFees
		networkHit bool
	)
	estimate := func() *networkFees {
		if !networkHit {
			network = f.networkFees(ctx, rec, in.EIP1559)
			networkHit = true
		}
		return network
	}

	if !in.EIP1559 {
		res := feeResult{EstimateType: EstimateTypeNone}
		src := sourceNone
		switch {
		case p.GasPrice != nil:
			res.GasPrice, src = p.GasPrice, sourceRequest
		case estimate() != nil && network.GasPrice != nil:
			res.GasPrice, src = (*hexutil.Big)(network.GasPrice), sourceNetwork
			res.EstimateType = network.Type
		}
		res.Level = userFeeLevel(rec, src)
		l.WithFields(logger.Fields{
			"gas_price": bigString(res.GasPrice),
			"level":     res.Level,
		}).Debug("resolved legacy fees")
		return res
	}

	saved := parseSavedFees(rec, in.Saved)
	res := feeResult{EstimateType: EstimateTypeNone}

	var maxFeeSrc feeSource
	switch {
	case saved != nil && saved.maxFee != nil:
		res.MaxFee, maxFeeSrc = (*hexutil.Big)(saved.maxFee), sourceSaved
	case p.MaxFeePerGas != nil:
		res.MaxFee, maxFeeSrc = p.MaxFeePerGas, sourceRequest
	case p.GasPrice != nil && p.MaxPriorityFeePerGas == nil:
		res.MaxFee, maxFeeSrc = p.GasPrice, sourceRequest
	case estimate() != nil && network.MaxFee != nil:
		res.MaxFee, maxFeeSrc = (*hexutil.Big)(network.MaxFee), sourceNetwork
		res.EstimateType = network.Type
	case estimate() != nil && network.GasPrice != nil:
		res.MaxFee, maxFeeSrc = (*hexutil.Big)(network.GasPrice), sourceNetwork
		res.EstimateType = network.Type
	}

	var prioritySrc feeSource
	switch {
	case saved != nil && saved.priority != nil:
		res.MaxPriority, prioritySrc = (*hexutil.Big)(saved.priority), sourceSaved
	case p.MaxPriorityFeePerGas != nil:
		res.MaxPriority, prioritySrc = p.MaxPriorityFeePerGas, sourceRequest
	case estimate() != nil && network.MaxPriority != nil:
		res.MaxPriority, prioritySrc = (*hexutil.Big)(network.MaxPriority), sourceNetwork
		res.EstimateType = network.Type
	case res.MaxFee != nil:
		res.MaxPriority, prioritySrc = res.MaxFee, sourceMirror
	}

	// the priority fee never exceeds the max fee
	if res.MaxFee != nil && res.MaxPriority != nil && res.MaxPriority.ToInt().Cmp(res.MaxFee.ToInt()) > 0 {
		l.WithFields(logger.Fields{
			"max_fee":          bigString(res.MaxFee),
			"max_priority_fee": bigString(res.MaxPriority),
		}).Debug("capping priority fee at max fee")
		res.MaxPriority = res.MaxFee
	}

	res.Level = userFeeLevel(rec, maxFeeSrc, prioritySrc)
	l.WithFields(logger.Fields{
		"max_fee":          bigString(res.MaxFee),
		"max_priority_fee": bigString(res.MaxPriority),
		"level":            res.Level,
	}).Debug("resolved fee-market fees")
	return res
}

// CheckFeesResolved returns ErrFeesUnresolved when rec carries no fee field at all.
func CheckFeesResolved(rec *Record) error {
	if rec.Params.GasPrice == nil && !rec.Params.HasEIP1559Fees() {
		return errors.Join(ErrFeesUnresolved, fmt.Errorf("record %s", rec.ID))
	}
	return nil
}

// applyFees writes the resolved fees and enforces that legacy and fee-market
// fields are never both set.
func applyFees(rec *Record, res feeResult) {
	rec.Params.GasPrice = res.GasPrice
	rec.Params.MaxFeePerGas = res.MaxFee
	rec.Params.MaxPriorityFeePerGas = res.MaxPriority
	if rec.Params.HasEIP1559Fees() {
		rec.Params.GasPrice = nil
	}
	if rec.Params.GasPrice != nil {
		rec.Params.MaxFeePerGas = nil
		rec.Params.MaxPriorityFeePerGas = nil
	}
	rec.UserFeeLevel = res.Level
}

func defaultGasEstimates(rec *Record, estimateType EstimateType) *DefaultGasEstimates {
	return &DefaultGasEstimates{
		EstimateType:         estimateType,
		Gas:                  rec.Params.Gas,
		GasPrice:             rec.Params.GasPrice,
		MaxFeePerGas:         rec.Params.MaxFeePerGas,
		MaxPriorityFeePerGas: rec.Params.MaxPriorityFeePerGas,
	}
}

// userFeeLevel is audit data only, it never changes the chosen values.
func userFeeLevel(rec *Record, sources ...feeSource) UserFeeLevel {
	has := func(want feeSource) bool {
		for _, s := range sources {
			if s == want {
				return true
			}
		}
		return false
	}
	switch {
	case has(sourceSaved) && rec.IsWalletOrigin():
		return UserFeeLevelCustom
	case has(sourceRequest) && !rec.IsWalletOrigin():
		return UserFeeLevelDappSuggested
	default:
		return UserFeeLevelMedium
	}
}

type savedWei struct {
	maxFee   *big.Int
	priority *big.Int
}

func parseSavedFees(rec *Record, saved *SavedFees) *savedWei {
	if saved == nil {
		return nil
	}
	out := &savedWei{}
	l := logger.WithFields(logger.Fields{
		"record_id": rec.ID,
		"chain_id":  rec.ChainID,
	})
	if saved.MaxBaseFee != "" {
		wei, err := GweiToWei(saved.MaxBaseFee)
		if err != nil {
			l.WithFields(logger.Fields{"error": err}).Warn("ignoring saved max base fee")
		} else {
			out.maxFee = wei
		}
	}
	if saved.PriorityFee != "" {
		wei, err := GweiToWei(saved.PriorityFee)
		if err != nil {
			l.WithFields(logger.Fields{"error": err}).Warn("ignoring saved priority fee")
		} else {
			out.priority = wei
		}
	}
	return out
}

// networkFees walks the estimate tiers and returns the first usable one, or
// nil when every tier failed. Failures are logged and never returned.
func (f *Finalizer) networkFees(ctx context.Context, rec *Record, eip1559 bool) *networkFees {
	l := logger.WithFields(logger.Fields{
		"record_id": rec.ID,
		"chain_id":  rec.ChainID,
	})

	tiers := []struct {
		name string
		fn   func(context.Context, *GasFeeEstimates) (*networkFees, error)
	}{
		{"fee-market", func(_ context.Context, est *GasFeeEstimates) (*networkFees, error) {
			if !eip1559 {
				return nil, fmt.Errorf("not a fee-market transaction")
			}
			if est == nil || est.Type != EstimateTypeFeeMarket || est.Medium == nil {
				return nil, fmt.Errorf("no fee-market estimate")
			}
			maxFee, err := GweiToWei(est.Medium.SuggestedMaxFeePerGas)
			if err != nil {
				return nil, err
			}
			priority, err := GweiToWei(est.Medium.SuggestedMaxPriorityFeePerGas)
			if err != nil {
				return nil, err
			}
			return &networkFees{Type: EstimateTypeFeeMarket, MaxFee: maxFee, MaxPriority: priority}, nil
		}},
		{"legacy", func(_ context.Context, est *GasFeeEstimates) (*networkFees, error) {
			if est == nil || est.Type != EstimateTypeLegacy {
				return nil, fmt.Errorf("no legacy estimate")
			}
			price, err := GweiToWei(est.LegacyMedium)
			if err != nil {
				return nil, err
			}
			return &networkFees{Type: EstimateTypeLegacy, GasPrice: price}, nil
		}},
		{"eth_gasPrice", func(_ context.Context, est *GasFeeEstimates) (*networkFees, error) {
			if est == nil || est.Type != EstimateTypeGasPrice {
				return nil, fmt.Errorf("no gas price estimate")
			}
			price, err := GweiToWei(est.GasPrice)
			if err != nil {
				return nil, err
			}
			return &networkFees{Type: EstimateTypeGasPrice, GasPrice: price}, nil
		}},
		{"rpc", func(ctx context.Context, _ *GasFeeEstimates) (*networkFees, error) {
			entry, err := f.chain(rec.ChainID)
			if err != nil {
				return nil, err
			}
			price, err := entry.reader.SuggestGasPrice(ctx)
			if err != nil {
				return nil, err
			}
			return &networkFees{Type: EstimateTypeNone, GasPrice: price}, nil
		}},
	}

	var est *GasFeeEstimates
	if f.feeEstimator != nil {
		var err error
		est, err = f.feeEstimator.GasFeeEstimates(ctx, rec.ChainID)
		if err != nil {
			f.metrics.feeTier("estimator", false)
			l.WithFields(logger.Fields{"tier": "estimator", "error": err}).Warn("fee estimator failed, falling back")
			est = nil
		}
	}

	for _, tier := range tiers {
		fees, err := tier.fn(ctx, est)
		if err != nil {
			f.metrics.feeTier(tier.name, false)
			l.WithFields(logger.Fields{"tier": tier.name, "error": err}).Debug("fee tier unavailable, falling back")
			continue
		}
		f.metrics.feeTier(tier.name, true)
		l.WithFields(logger.Fields{"tier": tier.name}).Debug("resolved network fees")
		return fees
	}

	l.Warn("every fee tier failed")
	return nil
}

// GweiToWei converts a decimal gwei string such as "1.5" into wei.
func GweiToWei(gwei string) (*big.Int, error) {
	d, err := decimal.NewFromString(gwei)
	if err != nil {
		return nil, fmt.Errorf("invalid gwei amount %q: %w", gwei, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative gwei amount %q", gwei)
	}
	return d.Shift(9).BigInt(), nil
}

// WeiToGwei renders wei as a decimal gwei string.
func WeiToGwei(wei *big.Int) string {
	if wei == nil {
		return ""
	}
	return decimal.NewFromBigInt(wei, -9).String()
}

func bigString(v *hexutil.Big) string {
	if v == nil {
		return "nil"
	}
	return v.String()
}
