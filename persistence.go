package txfinalizer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceState is what a NonceStore remembers about one nonce sequence
type NonceState struct {
	Wallet  common.Address
	ChainID uint64

	// LocalPendingNonce is the reservation tip, nil when nothing was leased
	LocalPendingNonce *uint64
	// ReservedNonces are leased nonces whose lease has not ended yet.
	// After a crash they point at records that may need a look.
	ReservedNonces []uint64
	UpdatedAt      time.Time
}

// NonceStore keeps the local reservation tip of every sequence so a
// restarted process does not hand out a nonce twice. The finalizer reads a
// sequence once, the first time it is used, and writes on every lease,
// commit and release. Write failures are logged and never fail a lease.
//
// Implementations must be safe for concurrent use.
type NonceStore interface {
	// Get returns nil, nil for a sequence with no state
	Get(ctx context.Context, wallet common.Address, chainID uint64) (*NonceState, error)

	SavePendingNonce(ctx context.Context, wallet common.Address, chainID uint64, nonce uint64) error
	// ClearPendingNonce forgets the reservation tip, leaving reserved nonces alone
	ClearPendingNonce(ctx context.Context, wallet common.Address, chainID uint64) error
	AddReservedNonce(ctx context.Context, wallet common.Address, chainID uint64, nonce uint64) error
	RemoveReservedNonce(ctx context.Context, wallet common.Address, chainID uint64, nonce uint64) error
}
