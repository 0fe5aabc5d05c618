package testutil

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Accounts shared by the tests. From-side code uses TestAddr1 unless a test
// needs a second wallet.
var (
	TestAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	TestAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	TestAddr3 = common.HexToAddress("0x3333333333333333333333333333333333333333")
	// TestToken stands in for an ERC-20 contract
	TestToken = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// Amounts in wei
var (
	OneEth     = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	TwentyGwei = big.NewInt(20_000_000_000)
	TwoGwei    = big.NewInt(2_000_000_000)
)

// ContractCode is non-empty code for accounts that should look like contracts
var ContractCode = []byte{0x60, 0x80, 0x60, 0x40, 0x52}

const (
	ChainIDMainnet uint64 = 1
	ChainIDPolygon uint64 = 137
)

// Network is a jarvis networks.Network backed by plain fields. Everything
// the finalizer never reads returns a zero value.
type Network struct {
	ChainID  uint64
	Name     string
	Symbol   string
	Decimals uint64
}

// NewNetwork returns a 12s block time chain whose native token is ETH
func NewNetwork(chainID uint64, name string) *Network {
	return &Network{ChainID: chainID, Name: name, Symbol: "ETH", Decimals: 18}
}

func (n *Network) GetName() string                    { return n.Name }
func (n *Network) GetChainID() uint64                 { return n.ChainID }
func (n *Network) GetNativeTokenSymbol() string       { return n.Symbol }
func (n *Network) GetNativeTokenDecimal() uint64      { return n.Decimals }
func (n *Network) GetBlockTime() time.Duration        { return 12 * time.Second }
func (n *Network) GetAlternativeNames() []string      { return nil }
func (n *Network) GetNodeVariableName() string        { return "" }
func (n *Network) GetDefaultNodes() map[string]string { return nil }

func (n *Network) GetBlockExplorerAPIKeyVariableName() string { return "" }
func (n *Network) GetBlockExplorerAPIURL() string             { return "" }

func (n *Network) RecommendedGasPrice() (float64, error) { return 0, nil }
func (n *Network) GetABIString(string) (string, error)   { return "", nil }
func (n *Network) IsSyncTxSupported() bool               { return false }
func (n *Network) MultiCallContract() string             { return "" }
func (n *Network) UnmarshalJSON([]byte) error            { return nil }

func (n *Network) MarshalJSON() ([]byte, error) {
	return []byte(`{"name":` + strconv.Quote(n.Name) + `,"chainID":` + strconv.FormatUint(n.ChainID, 10) + `}`), nil
}
