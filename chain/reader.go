// Package chain reads an EVM chain through go-ethereum's ethclient. Every call
// passes through a circuit breaker so a dead endpoint fails fast instead of
// stalling every pipeline run that touches it.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tranvictor/jarvis/networks"

	"github.com/tranvictor/txfinalizer"
	"github.com/tranvictor/txfinalizer/internal/circuitbreaker"
)

// Backend is the subset of *ethclient.Client the reader uses
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Reader implements txfinalizer.ChainReader
type Reader struct {
	backend Backend
	breaker *circuitbreaker.Breaker
	network string
}

// ReaderOption configures a Reader
type ReaderOption func(*Reader)

// WithBreakerConfig replaces the default circuit breaker configuration
func WithBreakerConfig(config circuitbreaker.Config) ReaderOption {
	return func(r *Reader) {
		r.breaker = circuitbreaker.New(r.network, config)
	}
}

// NewReader wraps backend for network
func NewReader(network networks.Network, backend Backend, opts ...ReaderOption) *Reader {
	name := network.GetName()
	r := &Reader{
		backend: backend,
		network: name,
	}
	config := circuitbreaker.DefaultConfig()
	config.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.WithFields(logger.Fields{
			"network": name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("rpc circuit breaker changed state")
	}
	r.breaker = circuitbreaker.New(name, config)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial connects to rpcURL and returns a reader together with the client so
// the caller can close it.
func Dial(ctx context.Context, network networks.Network, rpcURL string, opts ...ReaderOption) (*Reader, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't dial %s: %w", network.GetName(), err)
	}
	return NewReader(network, client, opts...), client, nil
}

// Breaker exposes the circuit breaker guarding the endpoint
func (r *Reader) Breaker() *circuitbreaker.Breaker {
	return r.breaker
}

// CodeAt returns the deployed code at addr
func (r *Reader) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return circuitbreaker.Call(ctx, r.breaker, func(ctx context.Context) ([]byte, error) {
		return r.backend.CodeAt(ctx, addr, nil)
	})
}

// BalanceAt returns the native balance of addr
func (r *Reader) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return circuitbreaker.Call(ctx, r.breaker, func(ctx context.Context) (*big.Int, error) {
		return r.backend.BalanceAt(ctx, addr, nil)
	})
}

// LatestBlock returns the latest header's number, gas limit and base fee
func (r *Reader) LatestBlock(ctx context.Context) (txfinalizer.BlockInfo, error) {
	header, err := circuitbreaker.Call(ctx, r.breaker, func(ctx context.Context) (*types.Header, error) {
		return r.backend.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return txfinalizer.BlockInfo{}, err
	}
	return txfinalizer.BlockInfo{
		Number:   header.Number,
		GasLimit: header.GasLimit,
		BaseFee:  header.BaseFee,
	}, nil
}

// EstimateGas simulates req. A node that answers with an error, such as a
// revert, is healthy and does not count against the breaker.
func (r *Reader) EstimateGas(ctx context.Context, req txfinalizer.CallRequest) (uint64, error) {
	msg := ethereum.CallMsg{
		From:  req.From,
		To:    req.To,
		Data:  req.Data,
		Value: req.Value,
		Gas:   req.Gas,
	}
	var gas uint64
	var callErr error
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		gas, callErr = r.backend.EstimateGas(ctx, msg)
		if callErr != nil && isNodeAnswer(callErr) {
			return nil
		}
		return callErr
	})
	if err != nil {
		return 0, err
	}
	return gas, callErr
}

// SuggestGasPrice returns the node's legacy gas price
func (r *Reader) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return circuitbreaker.Call(ctx, r.breaker, r.backend.SuggestGasPrice)
}

// SuggestGasTipCap returns the node's priority fee suggestion
func (r *Reader) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return circuitbreaker.Call(ctx, r.breaker, r.backend.SuggestGasTipCap)
}

// NonceAt returns the mined nonce of addr
func (r *Reader) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return circuitbreaker.Call(ctx, r.breaker, func(ctx context.Context) (uint64, error) {
		return r.backend.NonceAt(ctx, addr, nil)
	})
}

// isNodeAnswer reports whether err is a JSON-RPC error returned by the node
// rather than a transport failure.
func isNodeAnswer(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	var dataErr rpc.DataError
	return errors.As(err, &dataErr)
}
