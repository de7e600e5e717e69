package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Approval
	case "approval.token":
		cfg.Approval.Token = value
	case "approval.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Approval.Timeout = d

	// Vault
	case "vault.autolock":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Vault.AutoLock = d
	case "vault.kdf.memory":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Vault.KDFMemory = uint32(n)
	case "vault.kdf.iterations":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Vault.KDFIterations = uint32(n)
	case "vault.kdf.threads":
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		cfg.Vault.KDFThreads = uint8(n)

	// Discovery
	case "discovery.batch":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Discovery.Batch = n
	case "discovery.oracle":
		cfg.Discovery.OracleURL = value

	// Chains
	case "chains.default":
		id, err := types.ParseChainID(value)
		if err != nil {
			return err
		}
		cfg.Chains.Default = id
	case "chains.rpc":
		endpoints, err := parseEndpoints(value)
		if err != nil {
			return err
		}
		cfg.Chains.Endpoints = endpoints

	// Rate limiting
	case "ratelimit.second":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RateLimit.PerSecond = n
	case "ratelimit.minute":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RateLimit.PerMinute = n

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseEndpoints parses "chain=url" pairs separated by commas. Chain IDs
// may be decimal or 0x-hex.
func parseEndpoints(s string) (map[types.ChainID]string, error) {
	out := make(map[types.ChainID]string)
	for _, pair := range parseStringList(s) {
		id, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("endpoint %q: expected chain=url", pair)
		}
		chain, err := types.ParseChainID(strings.TrimSpace(id))
		if err != nil {
			return nil, err
		}
		out[chain] = strings.TrimSpace(url)
	}
	return out, nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet Vault Configuration

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingvault)
# datadir = ~/.klingvault

# ============================================================================
# RPC Server (dapp-facing provider endpoint)
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + defaultRPCPort(network) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000

# ============================================================================
# Approval UI
# ============================================================================

# Shared secret approval clients must present (recommended)
# approval.token =

# Reject requests not decided within this long (0 = wait)
# approval.timeout = 5m

# ============================================================================
# Vault
# ============================================================================

# Lock after no approval UI has been open this long (0 = never)
vault.autolock = 10m

# Argon2id parameters for new vaults
# vault.kdf.memory = 65536
# vault.kdf.iterations = 3
# vault.kdf.threads = 4

# ============================================================================
# Chains
# ============================================================================

chains.default = ` + defaultChain(network) + `
# Node per chain (comma-separated chain=url)
# chains.rpc = 1=http://127.0.0.1:8545

# ============================================================================
# Account discovery
# ============================================================================

# discovery.batch = 10
# Activity oracle URL (default: the default chain's node)
# discovery.oracle =

# ============================================================================
# Rate limiting (non-interactive methods, per host)
# ============================================================================

ratelimit.second = 10
ratelimit.minute = 90

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0600)
}

func defaultRPCPort(network NetworkType) string {
	if network == Testnet {
		return "8655"
	}
	return "8555"
}

func defaultChain(network NetworkType) string {
	if network == Testnet {
		return "11155111"
	}
	return "1"
}
