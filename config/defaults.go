package config

import (
	"time"

	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8555,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Vault: VaultConfig{
			AutoLock:      10 * time.Minute,
			KDFMemory:     64 * 1024,
			KDFIterations: 3,
			KDFThreads:    4,
		},
		Discovery: DiscoveryConfig{
			Batch: 10,
		},
		Chains: ChainsConfig{
			Default:   1,
			Endpoints: map[types.ChainID]string{},
		},
		RateLimit: RateLimitConfig{
			PerSecond: 10,
			PerMinute: 90,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Port = 8655
	cfg.Chains.Default = 11155111
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
