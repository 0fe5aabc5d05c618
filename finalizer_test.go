package txfinalizer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txfinalizer/events"
	"github.com/tranvictor/txfinalizer/history"
	"github.com/tranvictor/txfinalizer/internal/claim"
	"github.com/tranvictor/txfinalizer/testutil"
)

func tokenTransferRecord() *Record {
	return newTestRecord(TxParams{
		To:   addrPtr(testutil.TestToken),
		Data: testutil.ERC20TransferData(testutil.TestAddr2, testutil.OneEth),
	})
}

func newContractReader() *mockReader {
	reader := newMockReader()
	reader.setCode(testutil.TestToken, testutil.ContractCode)
	return reader
}

func TestFinalize_TokenTransfer(t *testing.T) {
	ctx := context.Background()
	store := newMockRecordStore()
	estimator := &mockFeeEstimator{estimates: feeMarketEstimates("30", "2")}
	f := newTestFinalizer(newContractReader(), WithRecordStore(store), WithFeeEstimator(estimator))

	rec := tokenTransferRecord()
	require.NoError(t, f.Finalize(ctx, rec))

	assert.Equal(t, StatusApproved, rec.Status)
	assert.Equal(t, TxTypeTokenTransfer, rec.Type)
	require.NotNil(t, rec.Params.Nonce)
	assert.Equal(t, uint64(0), uint64(*rec.Params.Nonce))
	require.NotNil(t, rec.Params.Gas)
	assert.Equal(t, uint64(75000), uint64(*rec.Params.Gas))
	assert.Nil(t, rec.Params.GasPrice)
	assertWei(t, gwei(30), rec.Params.MaxFeePerGas, "maxFeePerGas")
	assertWei(t, gwei(2), rec.Params.MaxPriorityFeePerGas, "maxPriorityFeePerGas")
	assert.Equal(t, UserFeeLevelMedium, rec.UserFeeLevel)

	require.NotNil(t, rec.DefaultGasEstimates)
	assert.Equal(t, EstimateTypeFeeMarket, rec.DefaultGasEstimates.EstimateType)
	assert.Equal(t, uint64(75000), uint64(*rec.DefaultGasEstimates.Gas))

	t.Run("history notes every stage", func(t *testing.T) {
		require.Len(t, rec.History, 5)
		assert.True(t, rec.History[0].IsSnapshot())
		var notes []string
		for _, e := range rec.History[1:] {
			notes = append(notes, e.Note())
		}
		assert.Equal(t, []string{NoteClassified, NoteGasLimitResolved, NoteFeesResolved, NoteNonceAssigned}, notes)
	})

	t.Run("history replays earlier states", func(t *testing.T) {
		var base Record
		require.NoError(t, replayRecord(rec, 1, &base))
		assert.Equal(t, StatusUnapproved, base.Status)
		assert.Empty(t, base.Type)
		assert.Nil(t, base.Params.Gas)

		var gasOnly Record
		require.NoError(t, replayRecord(rec, 3, &gasOnly))
		assert.Equal(t, TxTypeTokenTransfer, gasOnly.Type)
		require.NotNil(t, gasOnly.Params.Gas)
		assert.Equal(t, uint64(75000), uint64(*gasOnly.Params.Gas))
		assert.Nil(t, gasOnly.Params.MaxFeePerGas)
		assert.Nil(t, gasOnly.Params.Nonce)

		var last Record
		require.NoError(t, replayRecord(rec, len(rec.History), &last))
		assert.Equal(t, StatusApproved, last.Status)
		assert.Equal(t, uint64(0), uint64(*last.Params.Nonce))
	})

	t.Run("record is persisted once", func(t *testing.T) {
		assert.Equal(t, []string{NoteFinalized}, store.notes)
		stored, err := store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, stored.Status)
		assert.Len(t, stored.History, 5)
	})

	t.Run("next record gets the next nonce", func(t *testing.T) {
		next := tokenTransferRecord()
		require.NoError(t, f.Finalize(ctx, next))
		assert.Equal(t, uint64(1), uint64(*next.Params.Nonce))
	})
}

func replayRecord(rec *Record, n int, target *Record) error {
	return history.ReplayInto(rec.History, n, target)
}

func TestFinalize_PlainSendThroughRequest(t *testing.T) {
	ctx := context.Background()
	reader := newMockReader()
	f := newTestFinalizer(reader)

	rec, err := f.R().
		SetChainID(testutil.ChainIDMainnet).
		SetFrom(testutil.TestAddr1).
		SetTo(testutil.TestAddr2).
		SetValue(testutil.OneEth).
		Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, TxTypeSimpleSend, rec.Type)
	assert.Equal(t, uint64(SimpleSendGas), uint64(*rec.Params.Gas))
	assert.Equal(t, 0, reader.Calls("EstimateGas"))
	// without an estimator the node gas price backs both fee-market fields
	assertWei(t, testutil.TwentyGwei, rec.Params.MaxFeePerGas, "maxFeePerGas")
	assertWei(t, testutil.TwentyGwei, rec.Params.MaxPriorityFeePerGas, "maxPriorityFeePerGas")
}

func TestFinalize_LegacyEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newTestFinalizer(newMockReader())
	rec := newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2), Type: hexutilUint64(0)})

	require.NoError(t, f.Finalize(ctx, rec))
	assertWei(t, testutil.TwentyGwei, rec.Params.GasPrice, "gasPrice")
	assert.Nil(t, rec.Params.MaxFeePerGas)
	assert.Nil(t, rec.Params.MaxPriorityFeePerGas)
	assert.Equal(t, EstimateTypeNone, rec.DefaultGasEstimates.EstimateType)
}

func TestFinalize_SavedFees(t *testing.T) {
	store := newMockRecordStore()
	store.saved[testutil.ChainIDMainnet] = &SavedFees{MaxBaseFee: "50", PriorityFee: "3"}
	f := newTestFinalizer(newMockReader(), WithSavedFees(store))

	rec := newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2)})
	require.NoError(t, f.Finalize(context.Background(), rec))
	assertWei(t, gwei(50), rec.Params.MaxFeePerGas, "maxFeePerGas")
	assertWei(t, gwei(3), rec.Params.MaxPriorityFeePerGas, "maxPriorityFeePerGas")
	assert.Equal(t, UserFeeLevelCustom, rec.UserFeeLevel)
}

func TestFinalize_UnresolvedFeesAreNotFatal(t *testing.T) {
	reader := newMockReader()
	reader.gasPriceErr = errors.New("method not found")
	f := newTestFinalizer(reader)

	rec := newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2), Type: hexutilUint64(0)})
	require.NoError(t, f.Finalize(context.Background(), rec))
	assert.Nil(t, rec.Params.GasPrice)
	assert.ErrorIs(t, CheckFeesResolved(rec), ErrFeesUnresolved)
	assert.Equal(t, StatusApproved, rec.Status)
}

func TestFinalize_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("record claimed elsewhere", func(t *testing.T) {
		claims := claim.NewInMemoryStore(time.Minute)
		defer claims.Stop()
		f := newTestFinalizer(newMockReader(), WithClaimStore(claims))
		rec := newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2)})

		held, err := claims.Acquire(ctx, rec.ID)
		require.NoError(t, err)

		assert.ErrorIs(t, f.Finalize(ctx, rec), ErrRecordBusy)
		assert.Equal(t, StatusUnapproved, rec.Status)

		require.NoError(t, claims.Release(ctx, held))
		assert.NoError(t, f.Finalize(ctx, rec))
	})

	t.Run("record no longer unapproved", func(t *testing.T) {
		f := newTestFinalizer(newMockReader())
		rec := newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2)})
		rec.Status = StatusSubmitted
		assert.ErrorIs(t, f.Finalize(ctx, rec), ErrRecordNotUnapproved)
	})

	t.Run("approve twice", func(t *testing.T) {
		f := newTestFinalizer(newMockReader())
		rec := newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2)})
		require.NoError(t, f.Finalize(ctx, rec))
		assert.ErrorIs(t, f.Approve(ctx, rec), ErrNonceAlreadyAssigned)
	})

	t.Run("invalid params", func(t *testing.T) {
		f := newTestFinalizer(newMockReader())
		rec := newTestRecord(TxParams{
			To:           addrPtr(testutil.TestAddr2),
			GasPrice:     hexBig(testutil.TwentyGwei),
			MaxFeePerGas: hexBig(testutil.TwentyGwei),
		})
		err := f.Finalize(ctx, rec)
		assert.ErrorIs(t, err, ErrInvalidParams)
		reason, ok := ValidationReason(err)
		assert.True(t, ok)
		assert.Equal(t, ReasonMutuallyExclusiveFees, reason)
	})

	t.Run("unknown chain", func(t *testing.T) {
		f := NewFinalizer()
		assert.ErrorIs(t, f.Finalize(ctx, newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2)})), ErrChainNotRegistered)
	})

	t.Run("unreadable block aborts", func(t *testing.T) {
		reader := newContractReader()
		reader.blockErr = errors.New("rpc down")
		f := newTestFinalizer(reader)
		err := f.Finalize(ctx, tokenTransferRecord())
		assert.ErrorIs(t, err, ErrGasLimitUnresolved)
	})
}

func TestFinalize_PersistFailureRestoresRecord(t *testing.T) {
	ctx := context.Background()
	store := newMockRecordStore()
	store.updateErr = errors.New("disk full")
	f := newTestFinalizer(newMockReader(), WithRecordStore(store))

	rec := newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2)})
	err := f.Finalize(ctx, rec)
	assert.ErrorIs(t, err, ErrPersistRecordFailed)
	assert.Equal(t, StatusUnapproved, rec.Status)
	assert.Nil(t, rec.Params.Nonce)

	// the leased nonce went back to the sequence
	store.updateErr = nil
	require.NoError(t, f.Finalize(ctx, rec))
	assert.Equal(t, uint64(0), uint64(*rec.Params.Nonce))
}

func TestFinalize_Hooks(t *testing.T) {
	ctx := context.Background()
	reader := newContractReader()
	reader.estimate = func(CallRequest) (uint64, error) {
		return 0, errors.New("execution reverted")
	}

	var simulated, finalized []string
	f := newTestFinalizer(reader,
		WithSimulationFailedHook(func(rec *Record) { simulated = append(simulated, rec.ID) }),
		WithFinalizedHook(func(rec *Record) error {
			finalized = append(finalized, rec.ID)
			return errors.New("downstream unavailable")
		}),
	)

	rec := tokenTransferRecord()
	require.NoError(t, f.Finalize(ctx, rec))
	assert.Equal(t, []string{rec.ID}, simulated)
	assert.Equal(t, []string{rec.ID}, finalized)

	limit := reader.block.GasLimit
	assert.Equal(t, uint64(float64(limit)*BlockGasLimitCapRatio), uint64(*rec.Params.Gas))
	require.NotNil(t, rec.SimulationFails)
	assert.Equal(t, ErrorKeyExecutionReverted, rec.SimulationFails.ErrorKey)
}

func TestFinalize_PublishesSwaps(t *testing.T) {
	bus := events.NewBus()
	swaps, cancel := bus.Subscribe(TopicSwapNew, 1)
	defer cancel()
	approvals, cancelApprovals := bus.Subscribe(TopicSwapApprovalNew, 1)
	defer cancelApprovals()

	f := newTestFinalizer(newContractReader(), WithPublisher(bus))
	rec := tokenTransferRecord()
	rec.Type = TxTypeSwap
	rec.SourceTokenSymbol = "ETH"
	rec.DestinationTokenSymbol = "DAI"

	require.NoError(t, f.Finalize(context.Background(), rec))
	// swap types are never reclassified
	assert.Equal(t, TxTypeSwap, rec.Type)

	select {
	case msg := <-swaps:
		var got swapEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "DAI", got.Dest)
	case <-time.After(2 * time.Second):
		t.Fatal("swap event not published")
	}

	select {
	case <-approvals:
		t.Fatal("unexpected approval event")
	default:
	}
}

func TestPrepare_PublishesSwapOnce(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	swaps, cancel := bus.Subscribe(TopicSwapNew, 4)
	defer cancel()

	f := newTestFinalizer(newContractReader(), WithPublisher(bus))
	rec := tokenTransferRecord()
	rec.Type = TxTypeSwap

	require.NoError(t, f.Prepare(ctx, rec))
	require.NoError(t, f.Prepare(ctx, rec))
	require.NoError(t, f.Approve(ctx, rec))
	assert.True(t, rec.SwapPublished)

	select {
	case <-swaps:
	case <-time.After(2 * time.Second):
		t.Fatal("swap event not published")
	}
	select {
	case <-swaps:
		t.Fatal("swap event published twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFinalize_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	reader := newContractReader()
	reader.estimate = func(CallRequest) (uint64, error) { return 0, errors.New("execution reverted") }
	estimator := &mockFeeEstimator{estimates: feeMarketEstimates("30", "2")}
	f := newTestFinalizer(reader, WithMetrics(metrics), WithFeeEstimator(estimator))

	require.NoError(t, f.Finalize(context.Background(), tokenTransferRecord()))

	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.FeeTiers.WithLabelValues("fee-market", "hit")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.SimulationFails.WithLabelValues("1")))
	assert.Equal(t, 1, promtestutil.CollectAndCount(metrics.FinalizeDuration))
	assert.Equal(t, 1, promtestutil.CollectAndCount(metrics.NonceLockWait))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestPrepareThenApprove(t *testing.T) {
	ctx := context.Background()
	store := newMockRecordStore()
	f := newTestFinalizer(newMockReader(), WithRecordStore(store))

	rec := newTestRecord(TxParams{To: addrPtr(testutil.TestAddr2)})
	require.NoError(t, f.Prepare(ctx, rec))
	assert.Equal(t, StatusUnapproved, rec.Status)
	assert.Nil(t, rec.Params.Nonce)
	assert.Equal(t, []string{NotePrepared}, store.notes)

	require.NoError(t, f.Approve(ctx, rec))
	assert.Equal(t, StatusApproved, rec.Status)
	assert.Equal(t, uint64(0), uint64(*rec.Params.Nonce))
	assert.Equal(t, []string{NotePrepared, NoteFinalized}, store.notes)
}
