package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	flags, err := parseFlags([]string{"--datadir", dir, "--chain-rpc", "1=http://127.0.0.1:8545,0x89=http://127.0.0.1:9545", "--autolock", "0"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}

	// First start writes the default config file.
	cfg, err := load(flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "klingvault.conf")); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.Chains.Default != 1 || cfg.Vault.AutoLock != 0 {
		t.Errorf("default chain = %d, autolock = %v", cfg.Chains.Default, cfg.Vault.AutoLock)
	}
	if cfg.Chains.Endpoints[137] != "http://127.0.0.1:9545" || len(cfg.Chains.Endpoints) != 2 {
		t.Errorf("endpoints = %v", cfg.Chains.Endpoints)
	}
	if cfg.RateLimit.PerSecond != 10 || cfg.RateLimit.PerMinute != 90 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if len(cfg.ChainIDs()) != 2 || cfg.ChainIDs()[0] != 1 {
		t.Errorf("ChainIDs = %v", cfg.ChainIDs())
	}
}

func TestApplyFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.conf")
	content := `# comment
approval.token = "s3cret"
approval.timeout = 2m
vault.autolock = 30s
vault.kdf.memory = 1024
discovery.batch = 20
chains.default = 0x89
ratelimit.minute = 120
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.Approval.Token != "s3cret" || cfg.Approval.Timeout != 2*time.Minute {
		t.Errorf("approval = %+v", cfg.Approval)
	}
	if cfg.Vault.AutoLock != 30*time.Second || cfg.Vault.KDFMemory != 1024 {
		t.Errorf("vault = %+v", cfg.Vault)
	}
	if cfg.Discovery.Batch != 20 || cfg.Chains.Default != 137 || cfg.RateLimit.PerMinute != 120 {
		t.Errorf("cfg = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyFileConfig_BadValues(t *testing.T) {
	for key, value := range map[string]string{
		"rpc.port":          "http",
		"vault.autolock":    "soon",
		"chains.rpc":        "1",
		"chains.default":    "0xzz",
		"vault.kdf.threads": "300",
	} {
		if err := ApplyFileConfig(DefaultMainnet(), map[string]string{key: value}); err == nil {
			t.Errorf("%s = %q accepted", key, value)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"network", func(c *Config) { c.Network = "regtest" }},
		{"port", func(c *Config) { c.RPC.Port = 70000 }},
		{"autolock", func(c *Config) { c.Vault.AutoLock = -time.Second }},
		{"kdf", func(c *Config) { c.Vault.KDFIterations = 0 }},
		{"batch", func(c *Config) { c.Discovery.Batch = 0 }},
		{"oracle", func(c *Config) { c.Discovery.OracleURL = "ftp://x" }},
		{"default chain", func(c *Config) { c.Chains.Default = 0 }},
		{"endpoint", func(c *Config) { c.Chains.Endpoints[5] = "not a url" }},
	}
	if err := Validate(DefaultMainnet()); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	for _, tt := range tests {
		cfg := DefaultMainnet()
		tt.mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: invalid config accepted", tt.name)
		}
	}
}

func TestParseFlags_PositionalStopsParsing(t *testing.T) {
	if _, err := parseFlags([]string{"extra", "--rpc-port", "1"}); err == nil {
		t.Fatal("expected error for flag after positional argument")
	}
}
