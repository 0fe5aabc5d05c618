package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txfinalizer"
	"github.com/tranvictor/txfinalizer/internal/claim"
)

var wallet = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func newStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), mr
}

func newRecord(t *testing.T, chainID uint64, ts int64) *txfinalizer.Record {
	t.Helper()
	rec, err := txfinalizer.NewRecord(chainID, "", txfinalizer.TxParams{From: wallet})
	require.NoError(t, err)
	rec.Time = ts
	return rec
}

func TestStore_RecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t, WithPrefix("test:"))

	_, err := s.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, txfinalizer.ErrRecordNotFound)

	rec := newRecord(t, 1, 100)
	require.NoError(t, s.UpdateRecord(ctx, rec, "created"))
	assert.True(t, mr.Exists("test:record:"+rec.ID))

	got, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Params.From, got.Params.From)
	assert.Len(t, got.History, 1)

	require.NoError(t, s.DeleteRecord(ctx, rec.ID))
	_, err = s.GetRecord(ctx, rec.ID)
	assert.ErrorIs(t, err, txfinalizer.ErrRecordNotFound)
	require.NoError(t, s.DeleteRecord(ctx, rec.ID))
}

func TestStore_ListRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	late := newRecord(t, 1, 300)
	late.Status = txfinalizer.StatusSubmitted
	early := newRecord(t, 1, 100)
	early.Status = txfinalizer.StatusSubmitted
	other := newRecord(t, 137, 200)
	other.Status = txfinalizer.StatusSubmitted
	approved := newRecord(t, 1, 150)
	for _, rec := range []*txfinalizer.Record{late, early, other, approved} {
		require.NoError(t, s.UpdateRecord(ctx, rec, ""))
	}

	got, err := s.ListRecords(ctx, txfinalizer.RecordFilter{ChainID: 1, Status: txfinalizer.StatusSubmitted})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)

	all, err := s.ListRecords(ctx, txfinalizer.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := s.ListRecords(ctx, txfinalizer.RecordFilter{ChainID: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_SavedFees(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	fees, err := s.GetSavedFees(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, fees)

	require.NoError(t, s.SetSavedFees(ctx, 1, txfinalizer.SavedFees{MaxBaseFee: "30", PriorityFee: "2"}))
	fees, err = s.GetSavedFees(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, fees)
	assert.Equal(t, "30", fees.MaxBaseFee)
	assert.Equal(t, "2", fees.PriorityFee)
}

func TestStore_NonceState(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	state, err := s.Get(ctx, wallet, 1)
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, s.AddReservedNonce(ctx, wallet, 1, 8))
	require.NoError(t, s.AddReservedNonce(ctx, wallet, 1, 7))
	require.NoError(t, s.SavePendingNonce(ctx, wallet, 1, 8))
	require.NoError(t, s.RemoveReservedNonce(ctx, wallet, 1, 8))

	state, err = s.Get(ctx, wallet, 1)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.LocalPendingNonce)
	assert.Equal(t, uint64(8), *state.LocalPendingNonce)
	assert.Equal(t, []uint64{7}, state.ReservedNonces)
	assert.False(t, state.UpdatedAt.IsZero())

	other, err := s.Get(ctx, wallet, 137)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestStore_ClearPendingNonce(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.AddReservedNonce(ctx, wallet, 1, 3))
	require.NoError(t, s.SavePendingNonce(ctx, wallet, 1, 3))
	require.NoError(t, s.ClearPendingNonce(ctx, wallet, 1))

	state, err := s.Get(ctx, wallet, 1)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Nil(t, state.LocalPendingNonce)
	assert.Equal(t, []uint64{3}, state.ReservedNonces)

	require.NoError(t, s.RemoveReservedNonce(ctx, wallet, 1, 3))
	state, err = s.Get(ctx, wallet, 1)
	require.NoError(t, err)
	assert.Nil(t, state)

	// clearing a sequence that was never used is fine
	assert.NoError(t, s.ClearPendingNonce(ctx, wallet, 137))
}

func TestStore_Claims(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t, WithClaimTTL(time.Minute))

	c, err := s.Acquire(ctx, "rec-1")
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "rec-1")
	assert.ErrorIs(t, err, claim.ErrClaimed)

	stranger := &claim.Claim{Key: "rec-1", Token: "someone-else"}
	assert.ErrorIs(t, s.Release(ctx, stranger), claim.ErrNotOwner)

	require.NoError(t, s.Release(ctx, c))
	assert.ErrorIs(t, s.Release(ctx, c), claim.ErrNotOwner)

	// an abandoned claim expires
	_, err = s.Acquire(ctx, "rec-2")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = s.Acquire(ctx, "rec-2")
	assert.NoError(t, err)
}
