package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"cellsd/internal/cell"
	"cellsd/internal/cellpath"
	"cellsd/internal/cellrpc"
	"cellsd/internal/cgroupfs"
	"cellsd/internal/executable"
	"cellsd/internal/isolation"
	"cellsd/internal/metrics"
	"cellsd/internal/registry"
	"cellsd/internal/router"
)

// runNested is the entry point for a cell's nested agent: the process
// cmd/celld re-execs itself into via -nested, inside the namespaces
// chosen by its parent's Cloneflags. A nested agent is a full
// cell-service agent in its own right, with its own sub-tree of
// cgroups rooted under -cgroup-root, so cell paths with more than one
// segment keep working no matter how deep they nest.
func runNested(args []string, log hclog.Logger) error {
	fs := flag.NewFlagSet("nested", flag.ExitOnError)
	cellName := fs.String("cell-name", "", "name of this cell")
	socketPath := fs.String("socket", "", "unix socket path to listen on")
	isolateProcess := fs.Bool("isolate-process", false, "finish mount/proc/hostname isolation")
	isolateNetwork := fs.Bool("isolate-network", false, "bring up loopback in the fresh netns")
	cgroupRoot := fs.String("cgroup-root", "", "cgroup directory this agent is attached under, and the root for any of its own children's cgroups")
	debugListenAddr := fs.String("debug-listen-addr", "", "optional debug mux listen address")
	nestedCallTimeout := fs.Duration("nested-call-timeout", 20*time.Second, "deadline for a single RPC call to this agent's own nested children")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cellName == "" || *socketPath == "" {
		return fmt.Errorf("nested agent requires -cell-name and -socket")
	}

	controls := isolation.Controls{IsolateProcess: *isolateProcess, IsolateNetwork: *isolateNetwork}
	log = log.Named("nested").With("cell", *cellName)

	waitForCgroupAttach(*cellName, log)

	if err := isolation.Setup(controls); err != nil {
		return fmt.Errorf("isolation setup: %w", err)
	}

	if err := isolation.IsolateProcess(controls, *cellName); err != nil {
		return fmt.Errorf("finish process isolation: %w", err)
	}
	if err := isolation.IsolateNetwork(controls); err != nil {
		return fmt.Errorf("finish network isolation: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self path for nested re-exec: %w", err)
	}
	spawner := newReexecSpawner(self, log)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	childRoot := *cgroupRoot
	if childRoot == "" {
		childRoot = "/sys/fs/cgroup/cellsd-" + *cellName
	}
	cgroups := cgroupfs.New(childRoot)
	if err := cgroups.EnsureRoot(); err != nil {
		return fmt.Errorf("ensure nested cgroup root: %w", err)
	}

	newCell := func(name cellpath.CellName, spec cell.Spec) *cell.Cell {
		return cell.New(name, spec, cgroups, spawner, log)
	}
	reg := registry.New(cgroups, newCell, 5*time.Second, log, m)
	execs := executable.New(nil, log)
	dial := router.SocketDialer{DialTimeout: 2 * time.Second, CallTimeout: *nestedCallTimeout}
	rt := router.New(reg, execs, dial, log, m)

	cellrpc.SetErrorMapper(mapError)

	if err := os.MkdirAll(filepath.Dir(*socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	_ = os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", *socketPath, err)
	}
	defer ln.Close()

	if *debugListenAddr != "" {
		go serveDebugMux(*debugListenAddr, reg, execs, promReg, log)
	}

	log.Info("nested agent ready", "socket", *socketPath)
	return cellrpc.Serve(ln, nil, rt, log)
}

// waitForCgroupAttach polls /proc/self/cgroup until this process's
// line mentions name, or a short deadline elapses. The nested agent
// must be attached to its cgroup before any user-visible work; the
// parent attaches the pid asynchronously right after spawn
// (Cell.Allocate's MovePid call), so this is the child-side half of
// that ordering guarantee.
func waitForCgroupAttach(name string, log hclog.Logger) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cgroupLineContains(name) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	log.Warn("cgroup attach not observed before deadline, proceeding anyway", "cgroup", name)
}

func cgroupLineContains(name string) bool {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), name) {
			return true
		}
	}
	return false
}
