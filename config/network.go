package config

import (
	"encoding/json"
	"time"

	"github.com/tranvictor/jarvis/networks"
)

// Network adapts a configured chain to jarvis' networks.Network
type Network struct {
	chain ChainConfig
}

var _ networks.Network = (*Network)(nil)

// Networks returns one network per configured chain
func (c *Config) Networks() []*Network {
	out := make([]*Network, len(c.Chains))
	for i, ch := range c.Chains {
		out[i] = &Network{chain: ch}
	}
	return out
}

// Chain returns the configuration the network was built from
func (n *Network) Chain() ChainConfig { return n.chain }

func (n *Network) GetName() string               { return n.chain.Name }
func (n *Network) GetChainID() uint64            { return n.chain.ChainID }
func (n *Network) GetAlternativeNames() []string { return nil }
func (n *Network) GetNativeTokenSymbol() string {
	if n.chain.NativeToken != nil {
		return n.chain.NativeToken.Symbol
	}
	return "ETH"
}
func (n *Network) GetNativeTokenDecimal() uint64 {
	if n.chain.NativeToken != nil && n.chain.NativeToken.Decimals > 0 {
		return uint64(n.chain.NativeToken.Decimals)
	}
	return 18
}
func (n *Network) GetBlockTime() time.Duration        { return 12 * time.Second }
func (n *Network) GetNodeVariableName() string        { return "" }
func (n *Network) GetDefaultNodes() map[string]string { return map[string]string{n.chain.Name: n.chain.RPCURL} }
func (n *Network) GetBlockExplorerAPIKeyVariableName() string {
	return ""
}
func (n *Network) GetBlockExplorerAPIURL() string        { return "" }
func (n *Network) RecommendedGasPrice() (float64, error) { return 0, nil }
func (n *Network) GetABIString(string) (string, error)   { return "", nil }
func (n *Network) IsSyncTxSupported() bool               { return false }
func (n *Network) MultiCallContract() string             { return "" }
func (n *Network) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"name": n.chain.Name, "chainID": n.chain.ChainID})
}
func (n *Network) UnmarshalJSON(raw []byte) error {
	var v struct {
		Name    string `json:"name"`
		ChainID uint64 `json:"chainID"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	n.chain.Name = v.Name
	n.chain.ChainID = v.ChainID
	return nil
}
