// Package config loads cellsd's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is cellsd's full set of environment-tunable knobs.
type Config struct {
	// ListenAddr is the agent's own single RPC listen address. For a
	// Unix-domain listener this is a filesystem path.
	ListenAddr string

	CgroupRoot string

	// NestedDialTimeout bounds a single dial attempt to a nested
	// agent's socket; NestedCallTimeout bounds a single RPC call.
	NestedDialTimeout time.Duration
	NestedCallTimeout time.Duration

	// FreeGracePeriod is how long Cell.Free waits for a nested agent
	// to exit on its own before escalating to SIGKILL.
	FreeGracePeriod time.Duration

	// DebugListenAddr serves the chi-based introspection/health mux.
	// Empty disables it.
	DebugListenAddr string

	// NestedAgentBinary is the path to re-exec for a nested agent's
	// `-nested` invocation; empty means "self" (os.Executable()).
	NestedAgentBinary string
}

// Load reads Config from the environment, applying an envOr/durationOr
// fallback discipline, and resolves ListenAddr/CgroupRoot/
// NestedAgentBinary to absolute paths where they denote filesystem
// locations.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:        envOr("CELLSD_LISTEN_ADDR", "/run/cellsd/agent.sock"),
		CgroupRoot:        envOr("CELLSD_CGROUP_ROOT", "/sys/fs/cgroup/cellsd"),
		NestedDialTimeout: durationOr("CELLSD_NESTED_DIAL_TIMEOUT", 2*time.Second),
		NestedCallTimeout: durationOr("CELLSD_NESTED_CALL_TIMEOUT", 20*time.Second),
		FreeGracePeriod:   durationOr("CELLSD_FREE_GRACE_PERIOD", 5*time.Second),
		DebugListenAddr:   envOr("CELLSD_DEBUG_LISTEN_ADDR", "127.0.0.1:9090"),
		NestedAgentBinary: envOr("CELLSD_NESTED_AGENT_BINARY", ""),
	}

	for _, p := range []*string{&cfg.ListenAddr, &cfg.CgroupRoot} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return cfg, fmt.Errorf("resolve path %q: %w", *p, err)
		}
		*p = abs
	}
	if cfg.NestedAgentBinary != "" {
		abs, err := filepath.Abs(cfg.NestedAgentBinary)
		if err != nil {
			return cfg, fmt.Errorf("resolve nested agent binary %q: %w", cfg.NestedAgentBinary, err)
		}
		cfg.NestedAgentBinary = abs
	}

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func durationOr(name string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		parsed, err := time.ParseDuration(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
