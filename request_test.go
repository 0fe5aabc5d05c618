package txfinalizer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txfinalizer/testutil"
)

func TestRequest_ParamsValidation(t *testing.T) {
	f := NewFinalizer()
	from := testutil.TestAddr1.Hex()

	tests := []struct {
		name   string
		req    *Request
		reason string
		field  string
	}{
		{
			name:   "zero chain id",
			req:    &Request{From: from},
			reason: ReasonInvalidChainID,
			field:  "chainId",
		},
		{
			name:   "missing from",
			req:    &Request{ChainID: 1},
			reason: ReasonMissingField,
			field:  "from",
		},
		{
			name:   "bad from",
			req:    &Request{ChainID: 1, From: "0x1234"},
			reason: ReasonInvalidAddress,
			field:  "from",
		},
		{
			name:   "zero from",
			req:    &Request{ChainID: 1, From: "0x0000000000000000000000000000000000000000"},
			reason: ReasonInvalidAddress,
			field:  "from",
		},
		{
			name:   "bad to",
			req:    &Request{ChainID: 1, From: from, To: "bob"},
			reason: ReasonInvalidAddress,
			field:  "to",
		},
		{
			name:   "bad value hex",
			req:    &Request{ChainID: 1, From: from, Value: "0xzz"},
			reason: ReasonInvalidHex,
			field:  "value",
		},
		{
			name:   "gasPrice with maxFeePerGas",
			req:    &Request{ChainID: 1, From: from, GasPrice: "0x1", MaxFeePerGas: "0x2"},
			reason: ReasonMutuallyExclusiveFees,
			field:  "gasPrice",
		},
		{
			name:   "gasPrice with maxPriorityFeePerGas",
			req:    &Request{ChainID: 1, From: from, GasPrice: "0x1", MaxPriorityFeePerGas: "0x2"},
			reason: ReasonMutuallyExclusiveFees,
			field:  "gasPrice",
		},
		{
			name:   "legacy envelope with fee-market fields",
			req:    &Request{ChainID: 1, From: from, Type: "0x0", MaxFeePerGas: "0x2"},
			reason: ReasonEnvelopeMismatch,
			field:  "type",
		},
		{
			name:   "fee-market envelope with gasPrice",
			req:    &Request{ChainID: 1, From: from, Type: "0x2", GasPrice: "0x2"},
			reason: ReasonEnvelopeMismatch,
			field:  "type",
		},
		{
			name:   "unknown envelope",
			req:    &Request{ChainID: 1, From: from, Type: "0x5"},
			reason: ReasonEnvelopeMismatch,
			field:  "type",
		},
		{
			name:   "non swap transaction type",
			req:    &Request{ChainID: 1, From: from, TxType: TxTypeTokenTransfer},
			reason: ReasonInvalidParams,
			field:  "transactionType",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.f = f
			_, err := tt.req.Params()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParams))

			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.reason, vErr.Reason)
			assert.Equal(t, tt.field, vErr.Field)

			reason, ok := ValidationReason(err)
			assert.True(t, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestRequest_ParamsConversion(t *testing.T) {
	f := NewFinalizer()
	rec, err := f.R().
		SetChainID(testutil.ChainIDMainnet).
		SetFrom(testutil.TestAddr1).
		SetTo(testutil.TestAddr2).
		SetValue(testutil.OneEth).
		SetGasLimit(60000).
		SetFeeMarket(testutil.TwentyGwei, testutil.TwoGwei).
		SetCustomNonce(9).
		Record()
	require.NoError(t, err)

	p := rec.Params
	assert.Equal(t, testutil.TestAddr1, p.From)
	require.NotNil(t, p.To)
	assert.Equal(t, testutil.TestAddr2, *p.To)
	assert.Equal(t, 0, p.Value.ToInt().Cmp(testutil.OneEth))
	assert.Equal(t, uint64(60000), uint64(*p.Gas))
	assert.Equal(t, 0, p.MaxFeePerGas.ToInt().Cmp(testutil.TwentyGwei))
	assert.Equal(t, 0, p.MaxPriorityFeePerGas.ToInt().Cmp(testutil.TwoGwei))
	assert.Nil(t, p.GasPrice)
	require.NotNil(t, rec.CustomNonceValue)
	assert.Equal(t, uint64(9), uint64(*rec.CustomNonceValue))

	assert.Equal(t, StatusUnapproved, rec.Status)
	assert.True(t, rec.IsWalletOrigin())
	require.Len(t, rec.History, 1)
	assert.True(t, rec.History[0].IsSnapshot())
}

func TestRequest_EmptyDataAndLenientHex(t *testing.T) {
	req := &Request{
		ChainID: 1,
		From:    testutil.TestAddr1.Hex(),
		Data:    "0x",
		Value:   "de0b6b3a7640000",
	}
	p, err := req.Params()
	require.NoError(t, err)
	assert.Empty(t, p.Data)
	assert.Equal(t, 0, p.Value.ToInt().Cmp(big.NewInt(1000000000000000000)))
}

func TestRequest_SwapRecord(t *testing.T) {
	f := NewFinalizer()
	rec, err := f.R().
		SetChainID(1).
		SetOrigin("https://dapp.example").
		SetFrom(testutil.TestAddr1).
		SetTo(testutil.TestAddr2).
		SetSwap(TxTypeSwap, SwapDetails{
			SourceTokenSymbol:       "USDC",
			DestinationTokenSymbol:  "ETH",
			DestinationTokenAddress: "0x0000000000000000000000000000000000000000",
			ApprovalTxID:            "approval-1",
		}).
		Record()
	require.NoError(t, err)
	assert.Equal(t, TxTypeSwap, rec.Type)
	assert.False(t, rec.IsWalletOrigin())
	assert.Equal(t, "USDC", rec.SourceTokenSymbol)
	assert.Equal(t, "approval-1", rec.ApprovalTxID)
	require.NotNil(t, rec.DestinationTokenAddress)
}

func TestRequest_ExecuteUnbound(t *testing.T) {
	req := &Request{ChainID: 1, From: testutil.TestAddr1.Hex()}
	_, err := req.Execute(context.Background())
	assert.Error(t, err)
}
