package config

import (
	"fmt"
	"sort"
	"strings"
)

// NetworkConfig defines a supported EVM network
type NetworkConfig struct {
	Name     string `yaml:"name" json:"name"`
	ChainID  uint64 `yaml:"chain_id" json:"chain_id"`
	RPCEnv   string `yaml:"rpc_env" json:"rpc_env"` // environment key holding the RPC endpoint
	RPCURL   string `yaml:"rpc_url" json:"rpc_url"`
	Explorer string `yaml:"explorer" json:"explorer"`
	Currency string `yaml:"currency" json:"currency"`
	MEV      bool   `yaml:"mev" json:"mev"` // covered by the MEV detection service
}

// Enabled reports whether the network has an RPC endpoint configured
func (n NetworkConfig) Enabled() bool {
	return n.RPCURL != ""
}

// NetworkRegistry manages all supported networks and their configurations
type NetworkRegistry struct {
	Networks map[string]NetworkConfig `yaml:"networks" json:"networks"`
}

// GetDefaultNetworkRegistry returns the supported networks without RPC
// endpoints
func GetDefaultNetworkRegistry() *NetworkRegistry {
	nr := &NetworkRegistry{}
	for _, n := range []NetworkConfig{
		{Name: "ethereum", ChainID: 1, RPCEnv: "ETH_RPC_ENDPOINT", Explorer: "https://etherscan.io", Currency: "ETH", MEV: true},
		{Name: "arbitrum", ChainID: 42161, RPCEnv: "ARB_RPC_ENDPOINT", Explorer: "https://arbiscan.io", Currency: "ETH"},
		{Name: "optimism", ChainID: 10, RPCEnv: "OP_RPC_ENDPOINT", Explorer: "https://optimistic.etherscan.io", Currency: "ETH"},
		{Name: "avalanche", ChainID: 43114, RPCEnv: "AVAX_RPC_ENDPOINT", Explorer: "https://snowtrace.io", Currency: "AVAX"},
		{Name: "base", ChainID: 8453, RPCEnv: "BASE_RPC_ENDPOINT", Explorer: "https://basescan.org", Currency: "ETH"},
		{Name: "blast", ChainID: 81467, RPCEnv: "BLAST_RPC_ENDPOINT", Explorer: "https://blastscan.io", Currency: "ETH"},
		{Name: "mantle", ChainID: 5000, RPCEnv: "MANTLE_RPC_ENDPOINT", Explorer: "https://mantlescan.xyz", Currency: "MNT"},
	} {
		nr.AddNetwork(n)
	}
	return nr
}

// Get returns a network by name. Names are case-insensitive.
func (nr *NetworkRegistry) Get(name string) (NetworkConfig, error) {
	n, ok := nr.Networks[strings.ToLower(name)]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("network %s not supported", name)
	}
	return n, nil
}

// AddNetwork adds or replaces a network
func (nr *NetworkRegistry) AddNetwork(network NetworkConfig) {
	if nr.Networks == nil {
		nr.Networks = make(map[string]NetworkConfig)
	}
	network.Name = strings.ToLower(network.Name)
	nr.Networks[network.Name] = network
}

// SetRPC sets the endpoint of a network
func (nr *NetworkRegistry) SetRPC(name, url string) error {
	n, err := nr.Get(name)
	if err != nil {
		return err
	}
	n.RPCURL = url
	nr.Networks[n.Name] = n
	return nil
}

// GetEnabledNetworks returns the networks with an RPC endpoint, by name
func (nr *NetworkRegistry) GetEnabledNetworks() []NetworkConfig {
	var enabled []NetworkConfig
	for _, n := range nr.Networks {
		if n.Enabled() {
			enabled = append(enabled, n)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Name < enabled[j].Name })
	return enabled
}

// Endpoints maps each enabled network to its RPC endpoint
func (nr *NetworkRegistry) Endpoints() map[string]string {
	out := make(map[string]string)
	for _, n := range nr.GetEnabledNetworks() {
		out[n.Name] = n.RPCURL
	}
	return out
}

// ChainIDs maps every network name to its chain id
func (nr *NetworkRegistry) ChainIDs() map[string]uint64 {
	out := make(map[string]uint64, len(nr.Networks))
	for name, n := range nr.Networks {
		out[name] = n.ChainID
	}
	return out
}

// MEVNetworks lists the networks covered by MEV detection
func (nr *NetworkRegistry) MEVNetworks() []string {
	var out []string
	for name, n := range nr.Networks {
		if n.MEV {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
