// Command celld is the node-local cell-service agent: it owns a tree
// of cgroups and the nested agents running inside them, and serves the
// cell-service RPC contract (Allocate/Free/Start/Stop) over a Unix
// domain socket. The same binary also runs inside each cell as that
// cell's own agent, reached via the -nested flag instead of a second
// entrypoint.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"cellsd/internal/cell"
	"cellsd/internal/cellpath"
	"cellsd/internal/cellrpc"
	"cellsd/internal/cgroupfs"
	"cellsd/internal/config"
	"cellsd/internal/executable"
	"cellsd/internal/metrics"
	"cellsd/internal/registry"
	"cellsd/internal/router"
)

func main() {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "celld",
		Level: hclog.Info,
	})

	nested := flag.Bool("nested", false, "run as a cell's nested agent instead of the root agent")
	// The nested role's own flags are parsed by runNested, so the global
	// flag set only parses the arguments when -nested does not lead them.
	if len(os.Args) > 1 && os.Args[1] == "-nested" {
		*nested = true
	} else {
		flag.Parse()
	}

	var err error
	if *nested {
		err = runNested(os.Args[2:], log)
	} else {
		err = runRoot(log)
	}
	if err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func runRoot(log hclog.Logger) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("celld must run as root (cgroup and namespace setup require CAP_SYS_ADMIN)")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logStartup(cfg, log)

	cgroups := cgroupfs.New(cfg.CgroupRoot)
	if err := cgroups.EnsureRoot(); err != nil {
		return fmt.Errorf("ensure cgroup root: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	nestedBinary := cfg.NestedAgentBinary
	if nestedBinary == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve self path for nested re-exec: %w", err)
		}
		nestedBinary = self
	}
	spawner := newReexecSpawner(nestedBinary, log)

	newCell := func(name cellpath.CellName, spec cell.Spec) *cell.Cell {
		return cell.New(name, spec, cgroups, spawner, log)
	}
	reg := registry.New(cgroups, newCell, cfg.FreeGracePeriod, log, m)

	execs := executable.New(nil, log)

	dial := router.SocketDialer{DialTimeout: cfg.NestedDialTimeout, CallTimeout: cfg.NestedCallTimeout}
	rt := router.New(reg, execs, dial, log, m)

	cellrpc.SetErrorMapper(mapError)

	if err := os.MkdirAll(filepath.Dir(cfg.ListenAddr), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	_ = os.Remove(cfg.ListenAddr)
	ln, err := net.Listen("unix", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()

	go func() {
		log.Info("cell-service listening", "addr", cfg.ListenAddr)
		if err := cellrpc.Serve(ln, nil, rt, log); err != nil {
			log.Error("rpc server error", "error", err)
		}
	}()

	if cfg.DebugListenAddr != "" {
		go serveDebugMux(cfg.DebugListenAddr, reg, execs, promReg, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, freeing all cells")
	reg.BroadcastFree()
	reg.BroadcastKill()
	execs.StopAll()
	return nil
}
