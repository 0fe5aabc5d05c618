package txfinalizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Simulation error keys
const (
	ErrorKeyExecutionReverted = "executionReverted"
	ErrorKeyInsufficientFunds = "insufficientFunds"
	ErrorKeyGasEstimateFailed = "gasEstimateFailed"
)

// ChainOptions describe how a chain is treated by gas estimation
type ChainOptions struct {
	// Custom marks a user-added RPC endpoint. Estimates on custom networks are never buffered
	// and the plain transfer fast path is skipped.
	Custom bool
	// Multiplier overrides the gas buffer multiplier for the chain. Zero means the default.
	Multiplier float64
}

type gasResult struct {
	Gas      uint64
	Original *hexutil.Uint64
	Failure  *SimulationFailure
}

// AddGasBuffer pads estimate by multiplier while keeping the result under 90%
// of blockGasLimit. An estimate that is already above that ceiling is returned
// as is.
func AddGasBuffer(estimate, blockGasLimit uint64, multiplier float64) uint64 {
	ceiling := uint64(float64(blockGasLimit) * BlockGasLimitBufferRatio)
	if estimate > ceiling {
		return estimate
	}
	padded := uint64(float64(estimate) * multiplier)
	if padded > ceiling {
		return ceiling
	}
	return padded
}

// ResolveGasLimit sets rec.Params.Gas. A failed simulation is recorded in
// rec.SimulationFails and the gas falls back to the simulation cap.
func (f *Finalizer) ResolveGasLimit(ctx context.Context, rec *Record, opts ChainOptions) error {
	res, err := f.resolveGasLimit(ctx, rec, opts)
	if err != nil {
		return err
	}
	applyGas(rec, res)
	f.fireSimulationFailed(rec)
	return nil
}

func applyGas(rec *Record, res gasResult) {
	gas := hexutil.Uint64(res.Gas)
	rec.Params.Gas = &gas
	if res.Original != nil {
		rec.OriginalGasEstimate = res.Original
	}
	rec.SimulationFails = res.Failure
}

// resolveGasLimit reads rec but never mutates it.
func (f *Finalizer) resolveGasLimit(ctx context.Context, rec *Record, opts ChainOptions) (gasResult, error) {
	p := rec.Params
	l := logger.WithFields(logger.Fields{
		"record_id": rec.ID,
		"wallet":    p.From.Hex(),
		"chain_id":  rec.ChainID,
	})

	if p.Gas != nil {
		original := *p.Gas
		l.WithFields(logger.Fields{"gas": uint64(original)}).Debug("using caller supplied gas limit")
		return gasResult{Gas: uint64(original), Original: &original}, nil
	}

	entry, err := f.chain(rec.ChainID)
	if err != nil {
		return gasResult{}, err
	}
	reader := entry.reader

	if p.To != nil && len(p.Data) == 0 && !opts.Custom {
		code, err := reader.CodeAt(ctx, *p.To)
		if err != nil {
			// an unreadable recipient is treated as an account without code
			l.WithFields(logger.Fields{"to": p.To.Hex(), "error": err}).Warn("code probe failed")
		}
		if len(code) == 0 {
			l.Debug("plain value transfer, using fixed gas")
			return gasResult{Gas: SimpleSendGas}, nil
		}
	}

	block, err := reader.LatestBlock(ctx)
	if err != nil {
		return gasResult{}, errors.Join(ErrGasLimitUnresolved, fmt.Errorf("couldn't read latest block: %w", err))
	}
	simulationCap := uint64(float64(block.GasLimit) * BlockGasLimitCapRatio)

	value := big.NewInt(0)
	if p.Value != nil {
		value = p.Value.ToInt()
	}
	var data []byte
	if len(p.Data) > 0 {
		data = p.Data
	}

	estimate, err := reader.EstimateGas(ctx, CallRequest{
		From:  p.From,
		To:    p.To,
		Data:  data,
		Value: value,
		Gas:   simulationCap,
	})
	if err != nil {
		f.metrics.simulationFailed(rec.ChainID)
		failure := simulationFailure(err, block)
		l.WithFields(logger.Fields{
			"error":     err,
			"error_key": failure.ErrorKey,
			"fallback":  simulationCap,
		}).Warn("gas estimation failed, using simulation cap")
		return gasResult{Gas: simulationCap, Failure: failure}, nil
	}

	if opts.Custom {
		l.WithFields(logger.Fields{"estimate": estimate}).Debug("custom network, gas estimate not buffered")
		return gasResult{Gas: estimate}, nil
	}

	multiplier := f.multiplierFor(rec.ChainID, opts)
	gas := AddGasBuffer(estimate, block.GasLimit, multiplier)
	l.WithFields(logger.Fields{
		"estimate":        estimate,
		"block_gas_limit": block.GasLimit,
		"multiplier":      multiplier,
		"gas":             gas,
	}).Debug("buffered gas estimate")
	return gasResult{Gas: gas}, nil
}

func (f *Finalizer) multiplierFor(chainID uint64, opts ChainOptions) float64 {
	if opts.Multiplier > 0 {
		return opts.Multiplier
	}
	if m, ok := f.gasMultipliers[chainID]; ok && m > 0 {
		return m
	}
	return f.defaultGasMultiplier
}

type rpcDataError interface {
	ErrorData() interface{}
}

func simulationFailure(err error, block BlockInfo) *SimulationFailure {
	msg := err.Error()
	key := ErrorKeyGasEstimateFailed
	switch lower := strings.ToLower(msg); {
	case strings.Contains(lower, "execution reverted"):
		key = ErrorKeyExecutionReverted
	case strings.Contains(lower, "insufficient funds"):
		key = ErrorKeyInsufficientFunds
	}

	var dataErr rpcDataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && data != "" {
			msg = fmt.Sprintf("%s (%s)", msg, data)
		}
	}

	failure := &SimulationFailure{
		Reason:   msg,
		ErrorKey: key,
	}
	if block.Number != nil {
		failure.Debug.BlockNumber = (*hexutil.Big)(new(big.Int).Set(block.Number))
	}
	limit := hexutil.Uint64(block.GasLimit)
	failure.Debug.BlockGasLimit = &limit
	return failure
}
