package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrFakeRPC is the error a FakeBackend returns for a failing method
var ErrFakeRPC = fmt.Errorf("fake rpc failure")

// FakeBackend is an in-memory stand-in for *ethclient.Client. It answers the
// read methods the chain package uses from preset values.
type FakeBackend struct {
	mu sync.Mutex

	Code     map[common.Address][]byte
	Balances map[common.Address]*big.Int
	Nonces   map[common.Address]uint64
	Header   *types.Header
	GasPrice *big.Int
	TipCap   *big.Int

	// EstimateGasFn answers EstimateGas. If nil the estimate is 21000.
	EstimateGasFn func(msg ethereum.CallMsg) (uint64, error)

	// Fail makes the named method return ErrFakeRPC
	Fail map[string]bool

	calls map[string]int
}

// NewFakeBackend creates a backend on a London block with a 30M gas limit
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Code:     make(map[common.Address][]byte),
		Balances: make(map[common.Address]*big.Int),
		Nonces:   make(map[common.Address]uint64),
		Header: &types.Header{
			Number:   big.NewInt(19000000),
			GasLimit: 30000000,
			BaseFee:  new(big.Int).Set(TwentyGwei),
		},
		GasPrice: new(big.Int).Set(TwentyGwei),
		TipCap:   new(big.Int).Set(TwoGwei),
		Fail:     make(map[string]bool),
		calls:    make(map[string]int),
	}
}

// SetCode deploys code at addr
func (b *FakeBackend) SetCode(addr common.Address, code []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Code[addr] = code
}

// SetBalance sets the balance of addr
func (b *FakeBackend) SetBalance(addr common.Address, balance *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Balances[addr] = balance
}

// SetFail toggles failure of method
func (b *FakeBackend) SetFail(method string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Fail[method] = fail
}

// Calls returns how many times method was invoked
func (b *FakeBackend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func (b *FakeBackend) enter(method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[method]++
	if b.Fail[method] {
		return ErrFakeRPC
	}
	return nil
}

func (b *FakeBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if err := b.enter("CodeAt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Code[account], nil
}

func (b *FakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if err := b.enter("BalanceAt"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.Balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (b *FakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	if err := b.enter("HeaderByNumber"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.CopyHeader(b.Header), nil
}

func (b *FakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := b.enter("EstimateGas"); err != nil {
		return 0, err
	}
	if b.EstimateGasFn != nil {
		return b.EstimateGasFn(msg)
	}
	return 21000, nil
}

func (b *FakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if err := b.enter("SuggestGasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.GasPrice), nil
}

func (b *FakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	if err := b.enter("SuggestGasTipCap"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.TipCap), nil
}

func (b *FakeBackend) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	if err := b.enter("NonceAt"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Nonces[account], nil
}
