// Package executable implements the Executables supervisor:
// start/stop of shell commands scoped to the local agent, with
// Setpgid-based process-group kill and bounded stdout/stderr capture.
package executable

import (
	"bytes"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"cellsd/internal/cellerr"
)

// maxCapturedOutput bounds per-stream stdout/stderr retained in memory
// to a 1 MiB default per-stream cap.
const maxCapturedOutput = 1 << 20

// Spec describes a shell command to run, minus the pid field the
// supervisor itself assigns.
type Spec struct {
	Name        string
	Command     string
	Description string
}

// LogSink receives an executable's output as it is produced. The
// source spec signals an intent to hand this off to a separate
// observability service without specifying a channel shape; cellsd
// exposes this interface as that hook. A nil LogSink means output is
// only retained in the bounded in-memory buffer returned by Stop.
type LogSink interface {
	Write(executableName string, stream string, p []byte)
}

// Status is a point-in-time view of a running or finished executable,
// for the debug/introspection endpoint.
type Status struct {
	Name        string
	Command     string
	Description string
	Pid         int
	Running     bool
}

type entry struct {
	spec Spec
	cmd  *exec.Cmd
	pid  int

	mu      sync.Mutex
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	exited  bool
	waitErr error
}

// Supervisor is the single-writer Executables table. The router never
// calls into Supervisor while holding the registry's mutex, so the two
// locks are never held at once.
type Supervisor struct {
	log  hclog.Logger
	sink LogSink

	mu      sync.Mutex
	entries map[string]*entry
}

func New(sink LogSink, log hclog.Logger) *Supervisor {
	return &Supervisor{
		log:     log.Named("executable"),
		sink:    sink,
		entries: make(map[string]*entry),
	}
}

// Start spawns spec.Command under `sh -c`, attaches it to its own
// process group so the whole tree can be SIGKILLed, and returns its
// pid. Duplicate names fail with ExecutableExists.
func (s *Supervisor) Start(spec Spec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[spec.Name]; ok {
		return 0, &cellerr.ExecutableExists{Name: spec.Name}
	}

	cmd := exec.Command("/bin/sh", "-c", spec.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	e := &entry{spec: spec, cmd: cmd}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return 0, &cellerr.ExecutableSpawnFailed{Name: spec.Name, Reason: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return 0, &cellerr.ExecutableSpawnFailed{Name: spec.Name, Reason: err}
	}

	if err := cmd.Start(); err != nil {
		return 0, &cellerr.ExecutableSpawnFailed{Name: spec.Name, Reason: err}
	}

	e.pid = cmd.Process.Pid
	go e.drain(s.sink, "stdout", stdoutPipe, &e.stdout)
	go e.drain(s.sink, "stderr", stderrPipe, &e.stderr)
	go e.reap()

	s.entries[spec.Name] = e
	s.log.Info("executable started", "name", spec.Name, "pid", e.pid)
	return e.pid, nil
}

func (e *entry) drain(sink LogSink, stream string, r io.Reader, buf *bytes.Buffer) {
	lr := io.LimitReader(r, maxCapturedOutput)
	chunk := make([]byte, 4096)
	for {
		n, err := lr.Read(chunk)
		if n > 0 {
			e.mu.Lock()
			buf.Write(chunk[:n])
			e.mu.Unlock()
			if sink != nil {
				sink.Write(e.spec.Name, stream, append([]byte(nil), chunk[:n]...))
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *entry) reap() {
	err := e.cmd.Wait()
	e.mu.Lock()
	e.exited = true
	e.waitErr = err
	e.mu.Unlock()
}

// Result is Stop's return value: a finished executable's exit status
// and captured output.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Stop terminates and reaps the named child. Unknown name ->
// ExecutableNotFound.
func (s *Supervisor) Stop(name string) (Result, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()

	if !ok {
		return Result{}, &cellerr.ExecutableNotFound{Name: name}
	}

	killProcessGroup(e.cmd)

	// reap() may already be racing to completion from the process
	// exiting on its own; wait for it to publish the final state.
	for {
		e.mu.Lock()
		exited := e.exited
		e.mu.Unlock()
		if exited {
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	exitCode := 0
	if e.waitErr != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(e.waitErr, &exitErr); ok {
			exitCode = exitErr.ProcessState.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return Result{
		ExitCode: exitCode,
		Stdout:   e.stdout.String(),
		Stderr:   e.stderr.String(),
	}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// killProcessGroup signals the whole process group: with Setpgid=true
// the child's pgid equals its pid, so a negative pid targets the whole
// group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	_ = cmd.Process.Kill()
}

// Snapshot lists every executable currently tracked, for the debug
// endpoint.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		running := !e.exited
		e.mu.Unlock()
		out = append(out, Status{
			Name:        e.spec.Name,
			Command:     e.spec.Command,
			Description: e.spec.Description,
			Pid:         e.pid,
			Running:     running,
		})
	}
	return out
}

// StopAll terminates every tracked executable, used during shutdown
// before the cgroup housing them is destroyed.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if _, err := s.Stop(name); err != nil {
			s.log.Warn("stop executable during shutdown", "name", name, "error", err)
		}
	}
}
