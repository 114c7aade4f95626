package main

import (
	"github.com/hashicorp/go-hclog"

	"cellsd/internal/config"
)

// logStartup reports the resolved configuration once at boot, before
// accepting connections.
func logStartup(cfg config.Config, log hclog.Logger) {
	log.Info("starting",
		"listen_addr", cfg.ListenAddr,
		"cgroup_root", cfg.CgroupRoot,
		"debug_listen_addr", cfg.DebugListenAddr,
		"nested_dial_timeout", cfg.NestedDialTimeout,
		"nested_call_timeout", cfg.NestedCallTimeout,
		"free_grace_period", cfg.FreeGracePeriod,
	)
}
