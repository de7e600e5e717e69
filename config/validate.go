package config

import (
	"fmt"
	"net/url"
)

// Validate checks config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.Approval.Timeout < 0 {
		return fmt.Errorf("approval.timeout must not be negative")
	}
	if cfg.Vault.AutoLock < 0 {
		return fmt.Errorf("vault.autolock must not be negative")
	}
	if cfg.Vault.KDFMemory < 8*uint32(max(cfg.Vault.KDFThreads, 1)) {
		return fmt.Errorf("vault.kdf.memory must be at least 8 KiB per thread")
	}
	if cfg.Vault.KDFIterations == 0 || cfg.Vault.KDFThreads == 0 {
		return fmt.Errorf("vault.kdf.iterations and vault.kdf.threads must be positive")
	}
	if cfg.Discovery.Batch <= 0 {
		return fmt.Errorf("discovery.batch must be positive")
	}
	if cfg.Discovery.OracleURL != "" {
		if err := validateURL(cfg.Discovery.OracleURL); err != nil {
			return fmt.Errorf("discovery.oracle: %w", err)
		}
	}
	if cfg.Chains.Default == 0 {
		return fmt.Errorf("chains.default must be non-zero")
	}
	for id, u := range cfg.Chains.Endpoints {
		if id == 0 {
			return fmt.Errorf("chains.rpc: chain id 0 is invalid")
		}
		if err := validateURL(u); err != nil {
			return fmt.Errorf("chains.rpc[%d]: %w", uint64(id), err)
		}
	}
	if cfg.RateLimit.PerSecond < 0 || cfg.RateLimit.PerMinute < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http(s) URL", s)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", s)
	}
	return nil
}
