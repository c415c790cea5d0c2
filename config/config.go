package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the reliefd node configuration. A missing file is not an error:
// Load writes the defaults to the requested path so operators always have a
// concrete file to edit.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	GenesisFile string `toml:"GenesisFile"`
	NetworkName string `toml:"NetworkName"`

	Storage    Storage    `toml:"storage"`
	Policy     Policy     `toml:"policy"`
	Governance Governance `toml:"governance"`
	Risk       Risk       `toml:"risk"`
	RPC        RPC        `toml:"rpc"`
	Telemetry  Telemetry  `toml:"telemetry"`
}

// Storage selects the key-value backend the state manager runs on.
type Storage struct {
	// Backend is one of "memory", "leveldb", or "bolt".
	Backend string `toml:"Backend"`
	// Path is the database location for file-backed backends, relative paths
	// resolve under DataDir.
	Path string `toml:"Path"`
}

// Policy tunes the spending-policy engine.
type Policy struct {
	// LockWaitMillis bounds how long an operation waits for a contended
	// entity before failing busy.
	LockWaitMillis int `toml:"LockWaitMillis"`
	// PowerRatio is the voting power granted per donated token unit.
	PowerRatio int64 `toml:"PowerRatio"`
}

// Governance tunes proposal admission and tallying.
type Governance struct {
	VotingPeriodHours int      `toml:"VotingPeriodHours"`
	QuorumBps         uint64   `toml:"QuorumBps"`
	TallySweepSeconds int      `toml:"TallySweepSeconds"`
	AllowedFields     []string `toml:"AllowedFields"`
}

// Risk tunes the merchant fraud heuristics.
type Risk struct {
	ShortWindowMinutes int  `toml:"ShortWindowMinutes"`
	LongWindowHours    int  `toml:"LongWindowHours"`
	BurstThreshold     int  `toml:"BurstThreshold"`
	MinSampleCount     int  `toml:"MinSampleCount"`
	MinHistoryCount    int  `toml:"MinHistoryCount"`
	FlagHigh           bool `toml:"FlagHigh"`
	SweepSeconds       int  `toml:"SweepSeconds"`
}

// RPC configures the HTTP API server.
type RPC struct {
	ReadTimeoutSeconds  int     `toml:"ReadTimeoutSeconds"`
	WriteTimeoutSeconds int     `toml:"WriteTimeoutSeconds"`
	IdleTimeoutSeconds  int     `toml:"IdleTimeoutSeconds"`
	RatePerSecond       float64 `toml:"RatePerSecond"`
	RateBurst           int     `toml:"RateBurst"`
	// JWTSecret is the HMAC secret for bearer tokens. JWTSecretEnv names an
	// environment variable consulted when the literal is empty; when both
	// are empty authentication is disabled.
	JWTSecret    string `toml:"JWTSecret"`
	JWTSecretEnv string `toml:"JWTSecretEnv"`
}

// Telemetry configures logging, metrics, and tracing.
type Telemetry struct {
	LogLevel   string `toml:"LogLevel"`
	LogFormat  string `toml:"LogFormat"`
	LogFile    string `toml:"LogFile"`
	LogMaxSize int    `toml:"LogMaxSizeMB"`
	LogMaxAge  int    `toml:"LogMaxAgeDays"`
	LogBackups int    `toml:"LogBackups"`

	MetricsAddress string `toml:"MetricsAddress"`

	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
}

// Load reads the configuration at path, creating it with defaults when it
// does not exist yet. Loaded values are normalised and validated.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// JWTSecretValue resolves the effective bearer-token secret.
func (c *Config) JWTSecretValue() string {
	if c == nil {
		return ""
	}
	if secret := strings.TrimSpace(c.RPC.JWTSecret); secret != "" {
		return secret
	}
	if env := strings.TrimSpace(c.RPC.JWTSecretEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// StoragePath resolves the backend path under DataDir for relative values.
func (c *Config) StoragePath() string {
	path := c.Storage.Path
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./relief-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "relief-local"
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = "leveldb"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "state"
	}
	if c.Policy.LockWaitMillis <= 0 {
		c.Policy.LockWaitMillis = 250
	}
	if c.Policy.PowerRatio <= 0 {
		c.Policy.PowerRatio = 1
	}
	if c.Governance.VotingPeriodHours <= 0 {
		c.Governance.VotingPeriodHours = 72
	}
	if c.Governance.QuorumBps == 0 {
		c.Governance.QuorumBps = 2000
	}
	if c.Governance.TallySweepSeconds <= 0 {
		c.Governance.TallySweepSeconds = 60
	}
	if c.Risk.ShortWindowMinutes <= 0 {
		c.Risk.ShortWindowMinutes = 10
	}
	if c.Risk.LongWindowHours <= 0 {
		c.Risk.LongWindowHours = 24
	}
	if c.Risk.BurstThreshold <= 0 {
		c.Risk.BurstThreshold = 10
	}
	if c.Risk.MinSampleCount <= 0 {
		c.Risk.MinSampleCount = 5
	}
	if c.Risk.MinHistoryCount <= 0 {
		c.Risk.MinHistoryCount = 10
	}
	if c.Risk.SweepSeconds <= 0 {
		c.Risk.SweepSeconds = 300
	}
	if c.RPC.ReadTimeoutSeconds <= 0 {
		c.RPC.ReadTimeoutSeconds = 15
	}
	if c.RPC.WriteTimeoutSeconds <= 0 {
		c.RPC.WriteTimeoutSeconds = 15
	}
	if c.RPC.IdleTimeoutSeconds <= 0 {
		c.RPC.IdleTimeoutSeconds = 60
	}
	if c.RPC.RatePerSecond <= 0 {
		c.RPC.RatePerSecond = 50
	}
	if c.RPC.RateBurst <= 0 {
		c.RPC.RateBurst = 100
	}
	if strings.TrimSpace(c.Telemetry.LogLevel) == "" {
		c.Telemetry.LogLevel = "info"
	}
	if strings.TrimSpace(c.Telemetry.LogFormat) == "" {
		c.Telemetry.LogFormat = "json"
	}
	if c.Telemetry.LogMaxSize <= 0 {
		c.Telemetry.LogMaxSize = 100
	}
	if c.Telemetry.LogMaxAge <= 0 {
		c.Telemetry.LogMaxAge = 28
	}
	if c.Telemetry.LogBackups <= 0 {
		c.Telemetry.LogBackups = 7
	}
	if strings.TrimSpace(c.Telemetry.MetricsAddress) == "" {
		c.Telemetry.MetricsAddress = ":9091"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
