// Package cell implements the Cell type: the pairing of one cgroup
// with one nested-agent process, and its Unallocated/Allocated/Freed
// state machine. Allocate creates the cgroup and spawns the process in
// sequence; waitReady dials and pings the nested agent's socket in a
// context-bounded loop until it answers.
package cell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"cellsd/internal/cellerr"
	"cellsd/internal/cellpath"
	"cellsd/internal/cellrpc"
	"cellsd/internal/cgroupfs"
	"cellsd/internal/isolation"
)

// State is the Cell lifecycle state.
type State int

const (
	Unallocated State = iota
	Allocated
	Freed
)

func (s State) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Allocated:
		return "allocated"
	case Freed:
		return "freed"
	default:
		return "unknown"
	}
}

// Spec is the immutable CellSpec: CgroupSpec + IsolationControls.
type Spec struct {
	Cgroup    cgroupfs.Spec
	Isolation isolation.Controls
}

// CgroupBackend is the subset of *cgroupfs.Backend a Cell needs. It is
// an interface so tests can substitute a fake kernel-backed cgroupfs
// (the real one auto-populates cgroup.procs/cgroup.kill at mkdir time,
// which a plain tmp directory cannot replicate).
type CgroupBackend interface {
	Create(name cellpath.CellName, spec cgroupfs.Spec) (cgroupfs.Handle, error)
	MovePid(h cgroupfs.Handle, pid int) error
	Destroy(h cgroupfs.Handle) error
}

// NestedAgentSpawner starts the nested agent process for a cell. It is
// told the socket path to listen on and the cgroup directory it is
// about to be attached to (so it can host its own children's cgroups
// as subdirectories of its own, keeping the whole tree under one
// cgroup root). Implemented by cmd/celld (it knows the binary path and
// how to re-exec itself in nested mode); injected here so this package
// has no dependency on the entrypoint.
type NestedAgentSpawner interface {
	Spawn(name cellpath.CellName, spec Spec, socketPath, cgroupRoot string) (*os.Process, error)
}

// Cell owns one cgroup plus one optional nested-agent process. The
// registry's mutex guards only its map and is released before any Cell
// method runs; Cell's own mutex serializes its state transitions and
// accessors, and is held for the whole of Allocate, Free and Kill.
type Cell struct {
	Name cellpath.CellName
	Spec Spec

	cgroups CgroupBackend
	spawner NestedAgentSpawner
	log     hclog.Logger

	mu         sync.Mutex
	state      State
	handle     cgroupfs.Handle
	socketPath string
	process    *os.Process
	client     *cellrpc.Client
}

// New constructs a Cell in the Unallocated state. It does not touch
// the filesystem; call Allocate to do that.
func New(name cellpath.CellName, spec Spec, cgroups CgroupBackend, spawner NestedAgentSpawner, log hclog.Logger) *Cell {
	return &Cell{
		Name:    name,
		Spec:    spec,
		cgroups: cgroups,
		spawner: spawner,
		log:     log.Named("cell").With("cell", string(name)),
	}
}

// socketPathFor derives the nested agent's Unix domain socket path
// from the cell's cgroup directory, so it is naturally scoped and
// cleaned up alongside the cgroup.
func socketPathFor(cgroupPath string) string {
	return filepath.Join(cgroupPath, "agent.sock")
}

// Allocate runs the Unallocated -> Allocated transition: create the
// cgroup and apply controllers, spawn the nested agent
// under the isolation controls, attach it to the cgroup, wait for it
// to become reachable, and record its client_config.
func (c *Cell) Allocate(ctx context.Context) (cgroupfs.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Unallocated {
		return cgroupfs.Handle{}, fmt.Errorf("cell %q: allocate called in state %s", c.Name, c.state)
	}

	handle, err := c.cgroups.Create(c.Name, c.Spec.Cgroup)
	if err != nil {
		return cgroupfs.Handle{}, err
	}

	sockPath := socketPathFor(handle.Path)
	proc, err := c.spawner.Spawn(c.Name, c.Spec, sockPath, handle.Path)
	if err != nil {
		_ = c.cgroups.Destroy(handle)
		return cgroupfs.Handle{}, &cellerr.ExecutableSpawnFailed{Name: string(c.Name), Reason: err}
	}

	if err := c.cgroups.MovePid(handle, proc.Pid); err != nil {
		_ = proc.Kill()
		_ = c.cgroups.Destroy(handle)
		return cgroupfs.Handle{}, &cellerr.IsolationFailed{Step: "attach-cgroup", Reason: err}
	}

	if err := c.waitReady(ctx, sockPath); err != nil {
		_ = proc.Kill()
		_ = c.cgroups.Destroy(handle)
		return cgroupfs.Handle{}, &cellerr.IsolationFailed{Step: "nested-agent-ready", Reason: err}
	}

	c.handle = handle
	c.socketPath = sockPath
	c.process = proc
	c.state = Allocated
	c.log.Info("cell allocated", "cgroup", handle.Path, "pid", proc.Pid)
	return handle, nil
}

// waitReady dials the nested agent's socket and pings it, retrying
// briefly.
func (c *Cell) waitReady(ctx context.Context, sockPath string) error {
	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		client, err := cellrpc.NewClient(sockPath, nil, 250*time.Millisecond, 2*time.Second)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			perr := client.Ping(pingCtx)
			cancel()
			if perr == nil {
				c.client = client
				return nil
			}
			lastErr = perr
			_ = client.Close()
		} else {
			lastErr = err
		}
		time.Sleep(10 * time.Millisecond)
	}
	if lastErr != nil {
		return fmt.Errorf("nested agent not ready: %w", lastErr)
	}
	return fmt.Errorf("nested agent not ready")
}

// Free runs the Allocated -> Freed transition: signal the nested agent
// for graceful shutdown, wait a bounded time, then destroy the cgroup.
// Idempotent from Freed.
func (c *Cell) Free(gracePeriod time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Freed {
		return nil
	}
	if c.state != Allocated {
		return &cellerr.CellNotAllocated{Name: string(c.Name)}
	}

	if c.process != nil {
		_ = c.process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_, _ = c.process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(gracePeriod):
			_ = c.process.Kill()
			<-done
		}
	}
	if c.client != nil {
		_ = c.client.Close()
	}

	err := c.cgroups.Destroy(c.handle)
	c.state = Freed
	c.log.Info("cell freed")
	return err
}

// Kill immediately SIGKILLs the nested agent and destroys the cgroup
// unconditionally. Errors are swallowed to a log.
func (c *Cell) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Freed {
		return
	}
	if c.process != nil {
		if err := c.process.Kill(); err != nil {
			c.log.Warn("kill nested agent", "error", err)
		}
		_, _ = c.process.Wait()
	}
	if c.client != nil {
		_ = c.client.Close()
	}
	if err := c.cgroups.Destroy(c.handle); err != nil {
		c.log.Warn("destroy cgroup on kill", "error", err)
	}
	c.state = Freed
}

// ClientConfig returns the nested agent's connection endpoint for
// proxying. Fails with CellNotAllocated outside the Allocated state.
func (c *Cell) ClientConfig() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Allocated {
		return "", &cellerr.CellNotAllocated{Name: string(c.Name)}
	}
	return c.socketPath, nil
}

// State reports the current lifecycle state.
func (c *Cell) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CgroupPath returns the cgroup directory backing this cell, for the
// wire response's cgroup_v2_id field. Fails with CellNotAllocated
// outside the Allocated state.
func (c *Cell) CgroupPath() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Allocated {
		return "", &cellerr.CellNotAllocated{Name: string(c.Name)}
	}
	return c.handle.Path, nil
}

