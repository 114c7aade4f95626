package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"cellsd/internal/cell"
	"cellsd/internal/cellpath"
)

// reexecSpawner implements cell.NestedAgentSpawner by re-executing the
// running binary with -nested, entering new namespaces via Cloneflags
// on exec.Cmd.SysProcAttr.
type reexecSpawner struct {
	binary string
	log    hclog.Logger
}

func newReexecSpawner(binary string, log hclog.Logger) *reexecSpawner {
	return &reexecSpawner{binary: binary, log: log.Named("spawner")}
}

func (s *reexecSpawner) Spawn(name cellpath.CellName, spec cell.Spec, socketPath, cgroupRoot string) (*os.Process, error) {
	cmd := exec.Command(s.binary, "-nested",
		"-cell-name", string(name),
		"-socket", socketPath,
		"-cgroup-root", cgroupRoot,
		"-isolate-process="+boolFlag(spec.Isolation.IsolateProcess),
		"-isolate-network="+boolFlag(spec.Isolation.IsolateNetwork),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: spec.Isolation.CloneFlags(),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn nested agent for %q: %w", name, err)
	}
	s.log.Info("nested agent spawned", "cell", string(name), "pid", cmd.Process.Pid)
	return cmd.Process, nil
}

func boolFlag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
