// Package config handles application configuration.
//
// Settings come from three layers, later ones winning:
//   - Defaults per network
//   - The key = value config file in the data directory
//   - Command-line flags
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds vault daemon configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Caller-facing JSON-RPC server
	RPC RPCConfig

	// Approval UI endpoint
	Approval ApprovalConfig

	// Key custody
	Vault VaultConfig

	// HD account discovery
	Discovery DiscoveryConfig

	// Chains the wallet signs for and their nodes
	Chains ChainsConfig

	// Per-host request limits
	RateLimit RateLimitConfig

	// Logging
	Log LogConfig
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// ApprovalConfig holds approval UI settings.
type ApprovalConfig struct {
	// Token must be presented by approval clients. Empty disables the check,
	// which is only safe when rpc.allowed is loopback.
	Token   string        `conf:"approval.token"`
	Timeout time.Duration `conf:"approval.timeout"` // 0 = wait for the user
}

// VaultConfig holds key custody settings.
type VaultConfig struct {
	AutoLock      time.Duration `conf:"vault.autolock"` // 0 = never
	KDFMemory     uint32        `conf:"vault.kdf.memory"`
	KDFIterations uint32        `conf:"vault.kdf.iterations"`
	KDFThreads    uint8         `conf:"vault.kdf.threads"`
}

// DiscoveryConfig holds HD auto-discovery settings.
type DiscoveryConfig struct {
	Batch     int    `conf:"discovery.batch"`
	OracleURL string `conf:"discovery.oracle"` // Empty = use the default chain's node.
}

// ChainsConfig lists supported chains.
type ChainsConfig struct {
	Default types.ChainID `conf:"chains.default"`
	// Endpoints maps chain IDs to node URLs ("1=https://...,137=https://...").
	// A chain is supported iff it has an endpoint or is the default.
	Endpoints map[types.ChainID]string `conf:"chains.rpc"`
}

// RateLimitConfig holds per-host limits for non-interactive requests.
type RateLimitConfig struct {
	PerSecond int `conf:"ratelimit.second"`
	PerMinute int `conf:"ratelimit.minute"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingvault
//	macOS:   ~/Library/Application Support/Klingvault
//	Windows: %APPDATA%\Klingvault
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingvault"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingvault")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingvault")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingvault")
	default:
		return filepath.Join(home, ".klingvault")
	}
}

// NetworkDir returns the network-specific data directory.
func (c *Config) NetworkDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// VaultDir returns the database directory holding the vault, nonces and
// sessions.
func (c *Config) VaultDir() string {
	return filepath.Join(c.NetworkDir(), "vault")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingvault.conf")
}

// ChainIDs returns the default chain followed by every chain with an
// endpoint.
func (c *Config) ChainIDs() []types.ChainID {
	ids := []types.ChainID{c.Chains.Default}
	for id := range c.Chains.Endpoints {
		if id != c.Chains.Default {
			ids = append(ids, id)
		}
	}
	return ids
}
