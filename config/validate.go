package config

import (
	"fmt"
	"strings"
)

var validBackends = map[string]struct{}{
	"memory":  {},
	"leveldb": {},
	"bolt":    {},
}

var validLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// Validate rejects configurations that cannot produce a working node.
func (c *Config) Validate() error {
	backend := strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if _, ok := validBackends[backend]; !ok {
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if backend != "memory" && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("config: storage backend %q requires a path", backend)
	}
	if c.Governance.QuorumBps > 10_000 {
		return fmt.Errorf("config: QuorumBps %d exceeds 10000", c.Governance.QuorumBps)
	}
	level := strings.ToLower(strings.TrimSpace(c.Telemetry.LogLevel))
	if _, ok := validLogLevels[level]; !ok {
		return fmt.Errorf("config: unknown log level %q", c.Telemetry.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(c.Telemetry.LogFormat)) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Telemetry.LogFormat)
	}
	return nil
}
