package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default file to be written: %v", err)
	}
	if cfg.RPCAddress != ":8080" {
		t.Fatalf("RPCAddress = %q, want :8080", cfg.RPCAddress)
	}
	if cfg.Storage.Backend != "leveldb" {
		t.Fatalf("Backend = %q, want leveldb", cfg.Storage.Backend)
	}
	if cfg.Governance.QuorumBps != 2000 {
		t.Fatalf("QuorumBps = %d, want 2000", cfg.Governance.QuorumBps)
	}

	// A second load reads the file it just wrote.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Storage.Backend != cfg.Storage.Backend {
		t.Fatalf("reload backend = %q, want %q", again.Storage.Backend, cfg.Storage.Backend)
	}
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `RPCAddress = "0.0.0.0:9000"
DataDir = "/var/lib/reliefd"
NetworkName = "odisha-pilot"

[storage]
Backend = "bolt"
Path = "relief.db"

[policy]
LockWaitMillis = 500

[governance]
VotingPeriodHours = 48
QuorumBps = 3000

[risk]
BurstThreshold = 6
FlagHigh = true

[rpc]
RatePerSecond = 20.0
RateBurst = 40
JWTSecretEnv = "RELIEFD_JWT_SECRET"

[telemetry]
LogLevel = "debug"
LogFormat = "text"
MetricsAddress = ":9100"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != "bolt" {
		t.Fatalf("Backend = %q, want bolt", cfg.Storage.Backend)
	}
	if got := cfg.StoragePath(); got != filepath.Join("/var/lib/reliefd", "relief.db") {
		t.Fatalf("StoragePath = %q", got)
	}
	if cfg.Policy.LockWaitMillis != 500 {
		t.Fatalf("LockWaitMillis = %d, want 500", cfg.Policy.LockWaitMillis)
	}
	if cfg.Governance.VotingPeriodHours != 48 || cfg.Governance.QuorumBps != 3000 {
		t.Fatalf("governance = %+v", cfg.Governance)
	}
	if !cfg.Risk.FlagHigh || cfg.Risk.BurstThreshold != 6 {
		t.Fatalf("risk = %+v", cfg.Risk)
	}
	// Defaults backfill the omitted knobs.
	if cfg.Risk.MinSampleCount != 5 {
		t.Fatalf("MinSampleCount = %d, want default 5", cfg.Risk.MinSampleCount)
	}
	if cfg.RPC.RatePerSecond != 20 || cfg.RPC.RateBurst != 40 {
		t.Fatalf("rpc = %+v", cfg.RPC)
	}
	if cfg.Telemetry.LogLevel != "debug" || cfg.Telemetry.LogFormat != "text" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestJWTSecretValueResolvesEnv(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.RPC.JWTSecretEnv = "RELIEFD_TEST_SECRET"
	t.Setenv("RELIEFD_TEST_SECRET", "hunter2")

	if got := cfg.JWTSecretValue(); got != "hunter2" {
		t.Fatalf("secret = %q, want hunter2", got)
	}

	cfg.RPC.JWTSecret = "literal-wins"
	if got := cfg.JWTSecretValue(); got != "literal-wins" {
		t.Fatalf("secret = %q, want literal-wins", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"quorum above 100%", func(c *Config) { c.Governance.QuorumBps = 10_001 }},
		{"unknown log level", func(c *Config) { c.Telemetry.LogLevel = "verbose" }},
		{"unknown log format", func(c *Config) { c.Telemetry.LogFormat = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
