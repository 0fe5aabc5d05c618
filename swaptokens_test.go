package txfinalizer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txfinalizer/testutil"
)

func TestSwapTokenTableFromNetworks(t *testing.T) {
	polygon := testutil.NewNetwork(testutil.ChainIDPolygon, "mock-polygon")
	polygon.Symbol = "POL"
	override := SwapToken{Symbol: "WETH", Address: testutil.TestToken, Decimals: 18}

	table := SwapTokenTableFromNetworks(map[uint64]SwapToken{testutil.ChainIDMainnet: override}, mainnet, polygon)

	tok, ok := table.Default(testutil.ChainIDMainnet)
	require.True(t, ok)
	assert.Equal(t, override, tok)

	tok, ok = table.Default(testutil.ChainIDPolygon)
	require.True(t, ok)
	assert.Equal(t, SwapToken{Symbol: "POL", Decimals: 18}, tok)

	_, ok = table.Default(56)
	assert.False(t, ok)
}

func TestSwapToken_Matches(t *testing.T) {
	native := NativeSwapToken(mainnet)
	rec := newTestRecord(TxParams{})

	rec.DestinationTokenSymbol = "eth"
	assert.True(t, native.matches(rec))

	// an address beats the symbol
	rec.DestinationTokenAddress = &testutil.TestToken
	assert.False(t, native.matches(rec))
	zero := common.Address{}
	rec.DestinationTokenAddress = &zero
	rec.DestinationTokenSymbol = "WETH"
	assert.True(t, native.matches(rec))
}

func TestDefaultSwapToken(t *testing.T) {
	f := newTestFinalizer(newMockReader())

	tok, ok := f.defaultSwapToken(testutil.ChainIDMainnet)
	require.True(t, ok)
	assert.Equal(t, "ETH", tok.Symbol)

	_, ok = f.defaultSwapToken(testutil.ChainIDPolygon)
	assert.False(t, ok)
}
