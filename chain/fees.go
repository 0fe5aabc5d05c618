package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/shopspring/decimal"

	"github.com/tranvictor/txfinalizer"
)

// tier scales the latest base fee and the node's tip suggestion
type tier struct {
	baseFee decimal.Decimal
	tip     decimal.Decimal
}

var (
	lowTier    = tier{baseFee: decimal.RequireFromString("1.1"), tip: decimal.RequireFromString("1")}
	mediumTier = tier{baseFee: decimal.RequireFromString("1.25"), tip: decimal.RequireFromString("1.5")}
	highTier   = tier{baseFee: decimal.RequireFromString("1.5"), tip: decimal.RequireFromString("2")}

	legacyLow  = decimal.RequireFromString("0.9")
	legacyHigh = decimal.RequireFromString("1.2")
)

// FeeEstimator derives low, medium and high fee suggestions from each chain's
// latest block. Chains without a base fee get legacy gas price tiers.
// Reads go through the chain's Reader and share its circuit breaker.
type FeeEstimator struct {
	readers sync.Map // map[uint64]*Reader
}

// NewFeeEstimator creates an estimator with no chains
func NewFeeEstimator() *FeeEstimator {
	return &FeeEstimator{}
}

// Add registers the reader used for chainID
func (e *FeeEstimator) Add(chainID uint64, reader *Reader) {
	e.readers.Store(chainID, reader)
}

// GasFeeEstimates implements txfinalizer.GasFeeEstimator
func (e *FeeEstimator) GasFeeEstimates(ctx context.Context, chainID uint64) (*txfinalizer.GasFeeEstimates, error) {
	v, ok := e.readers.Load(chainID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", txfinalizer.ErrChainNotRegistered, chainID)
	}
	reader := v.(*Reader)

	block, err := reader.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't read latest header: %w", err)
	}
	if block.BaseFee == nil {
		return legacyEstimates(ctx, reader)
	}

	tip, err := reader.SuggestGasTipCap(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
			"error":    err,
		}).Debug("tip cap suggestion failed, falling back to legacy estimates")
		return legacyEstimates(ctx, reader)
	}

	baseFee := decimal.NewFromBigInt(block.BaseFee, 0)
	tipDec := decimal.NewFromBigInt(tip, 0)
	return &txfinalizer.GasFeeEstimates{
		Type:   txfinalizer.EstimateTypeFeeMarket,
		Low:    feeMarketTier(baseFee, tipDec, lowTier),
		Medium: feeMarketTier(baseFee, tipDec, mediumTier),
		High:   feeMarketTier(baseFee, tipDec, highTier),
	}, nil
}

func feeMarketTier(baseFee, tip decimal.Decimal, t tier) *txfinalizer.FeeMarketTier {
	priority := tip.Mul(t.tip).Floor()
	maxFee := baseFee.Mul(t.baseFee).Floor().Add(priority)
	return &txfinalizer.FeeMarketTier{
		SuggestedMaxFeePerGas:         txfinalizer.WeiToGwei(maxFee.BigInt()),
		SuggestedMaxPriorityFeePerGas: txfinalizer.WeiToGwei(priority.BigInt()),
	}
}

func legacyEstimates(ctx context.Context, reader *Reader) (*txfinalizer.GasFeeEstimates, error) {
	price, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't suggest gas price: %w", err)
	}
	medium := decimal.NewFromBigInt(price, 0)
	return &txfinalizer.GasFeeEstimates{
		Type:         txfinalizer.EstimateTypeLegacy,
		LegacyLow:    txfinalizer.WeiToGwei(scale(medium, legacyLow)),
		LegacyMedium: txfinalizer.WeiToGwei(price),
		LegacyHigh:   txfinalizer.WeiToGwei(scale(medium, legacyHigh)),
	}, nil
}

func scale(v, factor decimal.Decimal) *big.Int {
	return v.Mul(factor).Floor().BigInt()
}
