// Package router implements the path router / proxy: for each inbound
// request it decides local-vs-nested from the validated cell path, and
// either dispatches to the local registry/executables or re-issues the
// request to the nested agent owning the head segment.
package router

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"cellsd/internal/cell"
	"cellsd/internal/cellerr"
	"cellsd/internal/cellpath"
	"cellsd/internal/cellrpc"
	"cellsd/internal/executable"
	"cellsd/internal/metrics"
	"cellsd/internal/validate"
)

// Registry is the subset of *registry.Registry the router needs.
type Registry interface {
	Allocate(ctx context.Context, name cellpath.CellName, spec cell.Spec) (*cell.Cell, error)
	Free(name cellpath.CellName) error
	Get(name cellpath.CellName, f func(*cell.Cell) error) error
}

// Executables is the subset of *executable.Supervisor the router needs.
type Executables interface {
	Start(spec executable.Spec) (int, error)
	Stop(name string) (executable.Result, error)
}

// Dialer opens a Handler to the nested agent reachable at endpoint
// (a Unix domain socket path, from Cell.ClientConfig). Implemented by
// a thin wrapper around cellrpc.NewClient; an interface here so tests
// never need a real spawned nested agent.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (cellrpc.Handler, error)
}

// Router implements cellrpc.Handler, dispatching each method either
// locally or to a nested agent based on how many segments remain in
// the cell path.
type Router struct {
	registry    Registry
	executables Executables
	dial        Dialer
	log         hclog.Logger
	metrics     *metrics.Registry

	// maxElapsed bounds dial+retry for a nested hop; overridable in
	// tests to avoid real-time waits.
	maxElapsed time.Duration
}

func New(reg Registry, execs Executables, dial Dialer, log hclog.Logger, m *metrics.Registry) *Router {
	return &Router{
		registry:    reg,
		executables: execs,
		dial:        dial,
		log:         log.Named("router"),
		metrics:     m,
		maxElapsed:  20 * time.Second,
	}
}

// newBackOff builds the dial/call retry policy: 50ms initial, 10x
// multiplier, ±50% randomization, 3s max interval, bounded total
// elapsed time.
func (r *Router) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 10
	b.RandomizationFactor = 0.5
	b.MaxInterval = 3 * time.Second
	b.MaxElapsedTime = r.maxElapsed
	return b
}

func (r *Router) Allocate(ctx context.Context, req cellrpc.AllocateRequest) (resp cellrpc.AllocateResponse, err error) {
	defer func() { r.observe("allocate", err) }()

	path, spec, err := validate.Allocate(req)
	if err != nil {
		return cellrpc.AllocateResponse{}, err
	}

	if path.Len() == 1 {
		head, _ := path.IntoChild()
		c, err := r.registry.Allocate(ctx, head, spec)
		if err != nil {
			return cellrpc.AllocateResponse{}, err
		}
		cgroupPath, err := c.CgroupPath()
		if err != nil {
			return cellrpc.AllocateResponse{}, err
		}
		return cellrpc.AllocateResponse{CellName: string(head), CgroupV2ID: cgroupPath}, nil
	}

	nested := req
	head, tail := path.IntoChild()
	nested.CellPath = tail.String()
	handler, err := r.dialNested(ctx, head)
	if err != nil {
		return cellrpc.AllocateResponse{}, err
	}
	return handler.Allocate(ctx, nested)
}

func (r *Router) Free(ctx context.Context, req cellrpc.FreeRequest) (resp cellrpc.FreeResponse, err error) {
	defer func() { r.observe("free", err) }()

	path, err := validate.Free(req)
	if err != nil {
		return cellrpc.FreeResponse{}, err
	}

	if path.Len() == 1 {
		head, _ := path.IntoChild()
		if err := r.registry.Free(head); err != nil {
			return cellrpc.FreeResponse{}, err
		}
		return cellrpc.FreeResponse{}, nil
	}

	nested := req
	head, tail := path.IntoChild()
	nested.CellPath = tail.String()
	handler, err := r.dialNested(ctx, head)
	if err != nil {
		return cellrpc.FreeResponse{}, err
	}
	return handler.Free(ctx, nested)
}

func (r *Router) Start(ctx context.Context, req cellrpc.StartRequest) (resp cellrpc.StartResponse, err error) {
	defer func() { r.observe("start", err) }()

	path, spec, err := validate.Start(req)
	if err != nil {
		return cellrpc.StartResponse{}, err
	}

	if path.IsEmpty() {
		pid, err := r.executables.Start(spec)
		if err != nil {
			return cellrpc.StartResponse{}, err
		}
		return cellrpc.StartResponse{Pid: pid}, nil
	}

	nested := req
	head, tail := path.IntoChild()
	nested.CellPath = tail.String()
	handler, err := r.dialNested(ctx, head)
	if err != nil {
		return cellrpc.StartResponse{}, err
	}
	return handler.Start(ctx, nested)
}

func (r *Router) Stop(ctx context.Context, req cellrpc.StopRequest) (resp cellrpc.StopResponse, err error) {
	defer func() { r.observe("stop", err) }()

	path, name, err := validate.Stop(req)
	if err != nil {
		return cellrpc.StopResponse{}, err
	}

	if path.IsEmpty() {
		if _, err := r.executables.Stop(name); err != nil {
			return cellrpc.StopResponse{}, err
		}
		return cellrpc.StopResponse{}, nil
	}

	nested := req
	head, tail := path.IntoChild()
	nested.CellPath = tail.String()
	handler, err := r.dialNested(ctx, head)
	if err != nil {
		return cellrpc.StopResponse{}, err
	}
	return handler.Stop(ctx, nested)
}

// observe records an RPC outcome against the metrics registry. A nil
// err reports "ok"; otherwise the dynamic type name of err's most
// specific cellerr/cellrpc wrapper would be ideal, but method-level
// granularity is all callers need today, so outcome is just ok/error.
func (r *Router) observe(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.metrics.ObserveOperation(method, outcome)
}

// dialNested resolves head's client_config through Registry.Get, which
// reconciles under the registry's mutex and releases it before the
// endpoint is read, then dials outside the lock so unrelated cells stay
// manipulable.
func (r *Router) dialNested(ctx context.Context, head cellpath.CellName) (cellrpc.Handler, error) {
	var endpoint string
	err := r.registry.Get(head, func(c *cell.Cell) error {
		ep, err := c.ClientConfig()
		if err != nil {
			return err
		}
		endpoint = ep
		return nil
	})
	if err != nil {
		return nil, err
	}

	// One maxElapsed budget covers the dial retries and the transient
	// call retries made later through the returned handler.
	deadline := time.Now().Add(r.maxElapsed)

	var handler cellrpc.Handler
	op := func() error {
		h, dialErr := r.dial.Dial(ctx, endpoint)
		if dialErr == nil {
			handler = h
			return nil
		}
		if cellrpc.IsConnectionError(dialErr) {
			return dialErr
		}
		return backoff.Permanent(dialErr)
	}

	notify := func(err error, d time.Duration) {
		r.metrics.IncNestedRetry()
		r.log.Debug("nested dial retry", "cell", string(head), "backoff", d, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, &cellerr.NestedUnreachable{Head: string(head), Reason: perm.Err}
		}
		return nil, &cellerr.NestedUnreachable{Head: string(head), Reason: err}
	}
	callBackOff := func() backoff.BackOff {
		b := r.newBackOff().(*backoff.ExponentialBackOff)
		b.MaxElapsedTime = time.Until(deadline)
		if b.MaxElapsedTime <= 0 {
			// Zero would mean "no limit" to the backoff package.
			b.MaxElapsedTime = time.Nanosecond
		}
		return b
	}
	return &retryingHandler{inner: handler, backOff: callBackOff, log: r.log, head: head, metrics: r.metrics}, nil
}

// retryingHandler wraps a dialed nested Handler so that a transient
// ("Unknown"/"transport error") RPC response is retried under the same
// backoff budget while every other error surfaces unchanged.
type retryingHandler struct {
	inner   cellrpc.Handler
	backOff func() backoff.BackOff
	log     hclog.Logger
	head    cellpath.CellName
	metrics *metrics.Registry
}

func (h *retryingHandler) Allocate(ctx context.Context, req cellrpc.AllocateRequest) (cellrpc.AllocateResponse, error) {
	var out cellrpc.AllocateResponse
	err := h.retry(ctx, func() error {
		var err error
		out, err = h.inner.Allocate(ctx, req)
		return err
	})
	return out, err
}

func (h *retryingHandler) Free(ctx context.Context, req cellrpc.FreeRequest) (cellrpc.FreeResponse, error) {
	var out cellrpc.FreeResponse
	err := h.retry(ctx, func() error {
		var err error
		out, err = h.inner.Free(ctx, req)
		return err
	})
	return out, err
}

func (h *retryingHandler) Start(ctx context.Context, req cellrpc.StartRequest) (cellrpc.StartResponse, error) {
	var out cellrpc.StartResponse
	err := h.retry(ctx, func() error {
		var err error
		out, err = h.inner.Start(ctx, req)
		return err
	})
	return out, err
}

func (h *retryingHandler) Stop(ctx context.Context, req cellrpc.StopRequest) (cellrpc.StopResponse, error) {
	var out cellrpc.StopResponse
	err := h.retry(ctx, func() error {
		var err error
		out, err = h.inner.Stop(ctx, req)
		return err
	})
	return out, err
}

func (h *retryingHandler) retry(ctx context.Context, op func() error) error {
	var permanent error
	wrapped := func() error {
		err := op()
		if err != nil && cellrpc.IsTransientTransport(err) {
			return err
		}
		if err != nil {
			permanent = err
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		h.metrics.IncNestedRetry()
		h.log.Debug("nested call retry", "cell", string(h.head), "backoff", d, "error", err)
	}
	if err := backoff.RetryNotify(wrapped, backoff.WithContext(h.backOff(), ctx), notify); err != nil {
		if permanent != nil {
			return permanent
		}
		return &cellerr.NestedUnreachable{Head: string(h.head), Reason: err}
	}
	return nil
}
