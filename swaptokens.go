package txfinalizer

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tranvictor/jarvis/networks"
)

// SwapToken describes the default (native) token of a chain
type SwapToken struct {
	Symbol   string         `mapstructure:"symbol" json:"symbol"`
	Address  common.Address `mapstructure:"address" json:"address"`
	Decimals uint8          `mapstructure:"decimals" json:"decimals"`
}

// SwapTokenTable is a read-only map of chain id to default token. Build it
// once at startup and share it.
type SwapTokenTable struct {
	tokens map[uint64]SwapToken
}

// NewSwapTokenTable copies tokens into a new table
func NewSwapTokenTable(tokens map[uint64]SwapToken) *SwapTokenTable {
	t := &SwapTokenTable{tokens: make(map[uint64]SwapToken, len(tokens))}
	for chainID, tok := range tokens {
		t.tokens[chainID] = tok
	}
	return t
}

// NativeSwapToken is the native asset of network, at the zero address
func NativeSwapToken(network networks.Network) SwapToken {
	decimals := network.GetNativeTokenDecimal()
	if decimals == 0 || decimals > 255 {
		decimals = 18
	}
	return SwapToken{
		Symbol:   network.GetNativeTokenSymbol(),
		Decimals: uint8(decimals),
	}
}

// SwapTokenTableFromNetworks builds a table whose default tokens are the
// native assets of nets. Entries in overrides win.
func SwapTokenTableFromNetworks(overrides map[uint64]SwapToken, nets ...networks.Network) *SwapTokenTable {
	tokens := make(map[uint64]SwapToken, len(nets)+len(overrides))
	for _, n := range nets {
		tokens[n.GetChainID()] = NativeSwapToken(n)
	}
	for chainID, tok := range overrides {
		tokens[chainID] = tok
	}
	return NewSwapTokenTable(tokens)
}

// Default returns the default token of chainID
func (t *SwapTokenTable) Default(chainID uint64) (SwapToken, bool) {
	tok, ok := t.tokens[chainID]
	return tok, ok
}

// matches compares the destination of rec by address, or by symbol when the
// record carries no destination address.
func (tok SwapToken) matches(rec *Record) bool {
	if rec.DestinationTokenAddress != nil {
		return *rec.DestinationTokenAddress == tok.Address
	}
	return strings.EqualFold(rec.DestinationTokenSymbol, tok.Symbol)
}
