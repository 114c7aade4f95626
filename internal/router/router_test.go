package router

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"cellsd/internal/cell"
	"cellsd/internal/cellerr"
	"cellsd/internal/cellpath"
	"cellsd/internal/cellrpc"
	"cellsd/internal/cgroupfs"
	"cellsd/internal/executable"
)

type fakeRegistry struct {
	allocateFn func(ctx context.Context, name cellpath.CellName, spec cell.Spec) (*cell.Cell, error)
	freeFn     func(name cellpath.CellName) error
	getFn      func(name cellpath.CellName, f func(*cell.Cell) error) error
}

func (f *fakeRegistry) Allocate(ctx context.Context, name cellpath.CellName, spec cell.Spec) (*cell.Cell, error) {
	return f.allocateFn(ctx, name, spec)
}
func (f *fakeRegistry) Free(name cellpath.CellName) error { return f.freeFn(name) }
func (f *fakeRegistry) Get(name cellpath.CellName, fn func(*cell.Cell) error) error {
	return f.getFn(name, fn)
}

type fakeExecutables struct {
	startFn func(spec executable.Spec) (int, error)
	stopFn  func(name string) (executable.Result, error)
}

func (f *fakeExecutables) Start(spec executable.Spec) (int, error) { return f.startFn(spec) }
func (f *fakeExecutables) Stop(name string) (executable.Result, error) {
	return f.stopFn(name)
}

// fakeHandler is what a fakeDialer hands back, recording the request
// it was asked to forward.
type fakeHandler struct {
	lastAllocate cellrpc.AllocateRequest
	lastFree     cellrpc.FreeRequest
	lastStart    cellrpc.StartRequest
	lastStop     cellrpc.StopRequest

	// allocateErrs is popped front-to-back on each Allocate call; once
	// empty, Allocate succeeds. Lets a test script a transient failure
	// followed by success.
	allocateErrs []error
}

func (h *fakeHandler) Allocate(ctx context.Context, req cellrpc.AllocateRequest) (cellrpc.AllocateResponse, error) {
	h.lastAllocate = req
	if len(h.allocateErrs) > 0 {
		err := h.allocateErrs[0]
		h.allocateErrs = h.allocateErrs[1:]
		return cellrpc.AllocateResponse{}, err
	}
	return cellrpc.AllocateResponse{CellName: req.CellPath}, nil
}
func (h *fakeHandler) Free(ctx context.Context, req cellrpc.FreeRequest) (cellrpc.FreeResponse, error) {
	h.lastFree = req
	return cellrpc.FreeResponse{}, nil
}
func (h *fakeHandler) Start(ctx context.Context, req cellrpc.StartRequest) (cellrpc.StartResponse, error) {
	h.lastStart = req
	return cellrpc.StartResponse{Pid: 42}, nil
}
func (h *fakeHandler) Stop(ctx context.Context, req cellrpc.StopRequest) (cellrpc.StopResponse, error) {
	h.lastStop = req
	return cellrpc.StopResponse{}, nil
}

type fakeDialer struct {
	handler  *fakeHandler
	dialErr  error
	attempts int
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (cellrpc.Handler, error) {
	d.attempts++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.handler, nil
}

func newTestRouter(reg Registry, execs Executables, dial Dialer) *Router {
	r := New(reg, execs, dial, hclog.NewNullLogger(), nil)
	r.maxElapsed = 500 * time.Millisecond
	return r
}

func TestAllocateDispatchesLocallyForSingleSegment(t *testing.T) {
	var allocated cellpath.CellName
	stubErr := errors.New("router test stub never spawns")
	reg := &fakeRegistry{
		allocateFn: func(ctx context.Context, name cellpath.CellName, spec cell.Spec) (*cell.Cell, error) {
			allocated = name
			return nil, stubErr
		},
	}
	r := newTestRouter(reg, &fakeExecutables{}, &fakeDialer{})
	_, err := r.Allocate(context.Background(), cellrpc.AllocateRequest{CellPath: "alpha"})
	require.ErrorIs(t, err, stubErr) // registry called directly, no dial attempted
	require.Equal(t, cellpath.CellName("alpha"), allocated)
}

func TestAllocateDispatchesNestedAndRewritesPath(t *testing.T) {
	handler := &fakeHandler{}
	dialer := &fakeDialer{handler: handler}
	reg := &fakeRegistry{
		getFn: func(name cellpath.CellName, f func(*cell.Cell) error) error {
			require.Equal(t, cellpath.CellName("alpha"), name)
			return f(dummyAllocatedCell(t, name))
		},
	}
	r := newTestRouter(reg, &fakeExecutables{}, dialer)

	resp, err := r.Allocate(context.Background(), cellrpc.AllocateRequest{CellPath: "alpha/beta"})
	require.NoError(t, err)
	require.Equal(t, "beta", handler.lastAllocate.CellPath)
	require.Equal(t, "beta", resp.CellName)
}

func TestFreeLocalSingleSegment(t *testing.T) {
	var freed cellpath.CellName
	reg := &fakeRegistry{freeFn: func(name cellpath.CellName) error {
		freed = name
		return nil
	}}
	r := newTestRouter(reg, &fakeExecutables{}, &fakeDialer{})
	_, err := r.Free(context.Background(), cellrpc.FreeRequest{CellPath: "alpha"})
	require.NoError(t, err)
	require.Equal(t, cellpath.CellName("alpha"), freed)
}

func TestStartLocalWhenPathEmpty(t *testing.T) {
	var started executable.Spec
	execs := &fakeExecutables{startFn: func(spec executable.Spec) (int, error) {
		started = spec
		return 7, nil
	}}
	r := newTestRouter(&fakeRegistry{}, execs, &fakeDialer{})
	resp, err := r.Start(context.Background(), cellrpc.StartRequest{
		CellPath: "", ExecutableName: "job", Command: "echo hi",
	})
	require.NoError(t, err)
	require.Equal(t, 7, resp.Pid)
	require.Equal(t, "job", started.Name)
}

func TestStopNestedRewritesPath(t *testing.T) {
	handler := &fakeHandler{}
	dialer := &fakeDialer{handler: handler}
	reg := &fakeRegistry{
		getFn: func(name cellpath.CellName, f func(*cell.Cell) error) error {
			return f(dummyAllocatedCell(t, name))
		},
	}
	r := newTestRouter(reg, &fakeExecutables{}, dialer)

	_, err := r.Stop(context.Background(), cellrpc.StopRequest{CellPath: "alpha/beta", ExecutableName: "job"})
	require.NoError(t, err)
	require.Equal(t, "beta", handler.lastStop.CellPath)
}

func TestAllocateInvalidPathNeverReachesRegistry(t *testing.T) {
	reg := &fakeRegistry{allocateFn: func(ctx context.Context, name cellpath.CellName, spec cell.Spec) (*cell.Cell, error) {
		t.Fatal("registry should not be called for an invalid path")
		return nil, nil
	}}
	r := newTestRouter(reg, &fakeExecutables{}, &fakeDialer{})
	_, err := r.Allocate(context.Background(), cellrpc.AllocateRequest{CellPath: ""})
	var invalid *cellerr.InvalidArgument
	require.ErrorAs(t, err, &invalid)
}

func TestDialNestedSurfacesPermanentErrorWithoutRetry(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("permission denied")}
	reg := &fakeRegistry{
		getFn: func(name cellpath.CellName, f func(*cell.Cell) error) error {
			return f(dummyAllocatedCell(t, name))
		},
	}
	r := newTestRouter(reg, &fakeExecutables{}, dialer)

	_, err := r.Free(context.Background(), cellrpc.FreeRequest{CellPath: "alpha/beta"})
	require.Error(t, err)
	require.Equal(t, 1, dialer.attempts)
}

// TestRetryingHandlerRetriesTransientThenSucceeds covers the "Unknown"/
// transport-error response: the nested agent answers transiently twice
// before succeeding, and retryingHandler.retry must retry through both
// without surfacing an error to the caller.
func TestRetryingHandlerRetriesTransientThenSucceeds(t *testing.T) {
	transient := &cellrpc.Error{Code: cellrpc.CodeUnknownTransportError, Message: cellrpc.TransientTransportMessage}
	handler := &fakeHandler{allocateErrs: []error{transient, transient}}
	dialer := &fakeDialer{handler: handler}
	reg := &fakeRegistry{
		getFn: func(name cellpath.CellName, f func(*cell.Cell) error) error {
			return f(dummyAllocatedCell(t, name))
		},
	}
	r := newTestRouter(reg, &fakeExecutables{}, dialer)
	// The two retries back off ~50ms then ~500ms (±50% each), which can
	// run past newTestRouter's 500ms budget; give this test room for both.
	r.maxElapsed = 5 * time.Second

	resp, err := r.Allocate(context.Background(), cellrpc.AllocateRequest{CellPath: "alpha/beta"})
	require.NoError(t, err)
	require.Equal(t, "beta", resp.CellName)
	require.Empty(t, handler.allocateErrs) // both transient responses were consumed by retries
}

// TestRetryingHandlerSurfacesNonTransientErrorWithoutRetry covers the
// inverse: a non-transient wire error (e.g. NotFound) must fail the
// call on the first attempt, never retried.
func TestRetryingHandlerSurfacesNonTransientErrorWithoutRetry(t *testing.T) {
	permanent := &cellrpc.Error{Code: "NotFound", Message: "no such executable"}
	handler := &fakeHandler{allocateErrs: []error{permanent}}
	dialer := &fakeDialer{handler: handler}
	reg := &fakeRegistry{
		getFn: func(name cellpath.CellName, f func(*cell.Cell) error) error {
			return f(dummyAllocatedCell(t, name))
		},
	}
	r := newTestRouter(reg, &fakeExecutables{}, dialer)

	_, err := r.Allocate(context.Background(), cellrpc.AllocateRequest{CellPath: "alpha/beta"})
	require.ErrorIs(t, err, permanent)
	require.Empty(t, handler.allocateErrs)
}

// TestDialNestedExhaustsRetriesReturnsNestedUnreachable covers P5: a
// connection-level dial failure (ECONNREFUSED, as if the nested agent's
// socket never comes up) is retried under the backoff policy until
// maxElapsed is exhausted, then surfaces as NestedUnreachable rather
// than the raw dial error.
func TestDialNestedExhaustsRetriesReturnsNestedUnreachable(t *testing.T) {
	dialer := &fakeDialer{dialErr: syscall.ECONNREFUSED}
	reg := &fakeRegistry{
		getFn: func(name cellpath.CellName, f func(*cell.Cell) error) error {
			return f(dummyAllocatedCell(t, name))
		},
	}
	r := newTestRouter(reg, &fakeExecutables{}, dialer)

	_, err := r.Free(context.Background(), cellrpc.FreeRequest{CellPath: "alpha/beta"})
	var unreachable *cellerr.NestedUnreachable
	require.ErrorAs(t, err, &unreachable)
	require.Greater(t, dialer.attempts, 1) // retried at least once before giving up
}

// --- test helpers: a minimal in-memory CgroupBackend + spawner, in
// the same spirit as internal/cell's own test doubles, so router
// tests can build a real Allocated *cell.Cell without a kernel
// cgroupfs or an actual nested-agent process. ---

type routerTestBackend struct{ root string }

func (b routerTestBackend) Create(name cellpath.CellName, spec cgroupfs.Spec) (cgroupfs.Handle, error) {
	path := filepath.Join(b.root, string(name))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return cgroupfs.Handle{}, err
	}
	return cgroupfs.Handle{Path: path, Name: name}, nil
}
func (routerTestBackend) MovePid(h cgroupfs.Handle, pid int) error { return nil }
func (routerTestBackend) Destroy(h cgroupfs.Handle) error          { return os.RemoveAll(h.Path) }

type routerTestSpawner struct{}

func (routerTestSpawner) Spawn(name cellpath.CellName, spec cell.Spec, socketPath, cgroupRoot string) (*os.Process, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		var req cellrpc.Request
		if err := cellrpc.ReadMessage(br, &req); err != nil {
			return
		}
		_ = cellrpc.WriteMessage(conn, cellrpc.Response{Code: cellrpc.CodeOK})
	}()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Process, nil
}

// dummyAllocatedCell builds a Cell already in the Allocated state with
// a reachable socket path, so router tests can focus purely on
// dispatch/rewriting behavior rather than real process spawning.
func dummyAllocatedCell(t *testing.T, name cellpath.CellName) *cell.Cell {
	t.Helper()
	c := cell.New(name, cell.Spec{}, routerTestBackend{root: t.TempDir()}, routerTestSpawner{}, hclog.NewNullLogger())
	_, err := c.Allocate(context.Background())
	require.NoError(t, err)
	return c
}
