// deps.go defines minimal interfaces for external dependencies.
// The pipeline only talks to the chain, the record store and the event bus
// through these, so tests can substitute them freely.
package txfinalizer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CallRequest is the simulation request passed to EstimateGas
type CallRequest struct {
	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int
	// Gas caps the simulation. Zero means no cap.
	Gas uint64
}

// ChainReader defines the minimal interface for reading blockchain state.
type ChainReader interface {
	// CodeAt returns the deployed code at addr on the latest block
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)

	// BalanceAt returns the native balance of addr on the latest block
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)

	// LatestBlock returns number, gas limit and base fee of the latest block
	LatestBlock(ctx context.Context) (BlockInfo, error)

	// EstimateGas simulates req and returns the gas it used
	EstimateGas(ctx context.Context, req CallRequest) (uint64, error)

	// SuggestGasPrice returns the node's gas price suggestion in wei
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// NonceAt returns the mined nonce of addr on the latest block
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
}

// GasFeeEstimator provides tiered fee suggestions for a chain.
type GasFeeEstimator interface {
	GasFeeEstimates(ctx context.Context, chainID uint64) (*GasFeeEstimates, error)
}

// RecordFilter selects records returned by RecordStore.ListRecords.
// Zero fields match everything.
type RecordFilter struct {
	ChainID uint64
	From    *common.Address
	Status  Status
}

// Match reports whether rec satisfies the filter.
func (f RecordFilter) Match(rec *Record) bool {
	if f.ChainID != 0 && rec.ChainID != f.ChainID {
		return false
	}
	if f.From != nil && rec.Params.From != *f.From {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// RecordStore persists transaction records.
// GetRecord returns ErrRecordNotFound when id is unknown.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*Record, error)
	UpdateRecord(ctx context.Context, rec *Record, note string) error
	ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error)
}

// SavedFeesStore returns the user's saved fee preference for a chain.
// A nil result with nil error means nothing is saved.
type SavedFeesStore interface {
	GetSavedFees(ctx context.Context, chainID uint64) (*SavedFees, error)
}

// Publisher receives fire-and-forget notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}
