// Package registry implements the Cells registry: an in-memory map
// from CellName to Cell, reconciled against the live cgroup filesystem
// on every read so a cell that vanished or was never ours is always
// caught before it's acted on.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"cellsd/internal/cell"
	"cellsd/internal/cellerr"
	"cellsd/internal/cellpath"
	"cellsd/internal/metrics"
)

// CgroupExistence is the subset of *cgroupfs.Backend the registry
// needs for its reconciliation discipline.
type CgroupExistence interface {
	Exists(name cellpath.CellName) bool
}

// CellFactory constructs a new, Unallocated Cell for name/spec. Bound
// at Registry construction time so the registry doesn't need to know
// how to build a NestedAgentSpawner.
type CellFactory func(name cellpath.CellName, spec cell.Spec) *cell.Cell

// Registry is the single-writer Cells registry. Its mutex guards only
// the map of tracked cells; Allocate/Free/Get take it briefly to
// resolve or reserve an entry and release it before any slow
// per-cell operation (spawn, graceful exit, nested dial), so unrelated
// cells never block on each other.
type Registry struct {
	cgroups     CgroupExistence
	newCell     CellFactory
	freeGrace   time.Duration
	log         hclog.Logger
	metrics     *metrics.Registry

	mu    sync.Mutex
	cells map[cellpath.CellName]*cell.Cell
}

func New(cgroups CgroupExistence, newCell CellFactory, freeGracePeriod time.Duration, log hclog.Logger, m *metrics.Registry) *Registry {
	return &Registry{
		cgroups:   cgroups,
		newCell:   newCell,
		freeGrace: freeGracePeriod,
		log:       log.Named("registry"),
		metrics:   m,
		cells:     make(map[cellpath.CellName]*cell.Cell),
	}
}

// reportSizeLocked refreshes the cells-allocated gauge. Caller must
// hold r.mu.
func (r *Registry) reportSizeLocked() {
	r.metrics.SetCellsAllocated(len(r.cells))
}

// Allocate does foreign-cgroup/already-exists detection and
// stale-entry eviction under r.mu, reserves the name with a fresh
// Unallocated cell, then releases the lock before calling into
// Cell.Allocate — which runs the slow spawn/attach/ready-wait sequence
// under the cell's own mutex (cell.go), not the registry's. The lock
// is retaken only to finalize: drop the reservation on failure, or
// leave it in place (already recorded) on success. This keeps
// operations on distinct cells from blocking each other; only the
// brief map lookups/mutations are serialized.
func (r *Registry) Allocate(ctx context.Context, name cellpath.CellName, spec cell.Spec) (*cell.Cell, error) {
	r.mu.Lock()
	if existing, ok := r.cells[name]; ok {
		if existing.State() == cell.Unallocated {
			// Another Allocate for this name is already in flight.
			r.mu.Unlock()
			return nil, &cellerr.CellExists{Name: string(name)}
		}
		if r.cgroups.Exists(name) {
			r.mu.Unlock()
			return nil, &cellerr.CellExists{Name: string(name)}
		}
		r.log.Warn("evicting stale registry entry with no backing cgroup", "cell", string(name))
		delete(r.cells, name)
	} else if r.cgroups.Exists(name) {
		r.mu.Unlock()
		return nil, &cellerr.CgroupIsNotACell{Name: string(name)}
	}

	c := r.newCell(name, spec)
	r.cells[name] = c
	r.reportSizeLocked()
	r.mu.Unlock()

	if _, err := c.Allocate(ctx); err != nil {
		r.mu.Lock()
		delete(r.cells, name)
		r.reportSizeLocked()
		r.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Free reconciles and resolves the target cell under r.mu, then
// releases the lock before calling Cell.Free — which can block for up
// to FreeGracePeriod waiting on the nested agent to exit, and must not
// hold the registry-wide mutex while doing so. The lock is retaken
// only to remove the entry once Free reports success or
// CellNotAllocated.
func (r *Registry) Free(name cellpath.CellName) error {
	r.mu.Lock()
	c, err := r.reconcileLocked(name)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	ferr := c.Free(r.freeGrace)

	var notAllocated *cellerr.CellNotAllocated
	if ferr == nil || asCellNotAllocated(ferr, &notAllocated) {
		r.mu.Lock()
		delete(r.cells, name)
		r.reportSizeLocked()
		r.mu.Unlock()
	}
	return ferr
}

// Get resolves the cell named name under r.mu, then releases the lock
// before calling f, so a caller proxying into a nested agent (the
// router) never holds the registry mutex across a dial or RPC call.
// The lock is retaken only to evict the entry if f reports
// CellNotAllocated.
func (r *Registry) Get(name cellpath.CellName, f func(*cell.Cell) error) error {
	r.mu.Lock()
	c, err := r.reconcileLocked(name)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	ferr := f(c)

	var notAllocated *cellerr.CellNotAllocated
	if asCellNotAllocated(ferr, &notAllocated) {
		r.mu.Lock()
		delete(r.cells, name)
		r.reportSizeLocked()
		r.mu.Unlock()
	}
	return ferr
}

// reconcileLocked implements I2/I3's read-time reconciliation. Caller
// must hold r.mu.
func (r *Registry) reconcileLocked(name cellpath.CellName) (*cell.Cell, error) {
	exists := r.cgroups.Exists(name)
	c, inRegistry := r.cells[name]

	switch {
	case !exists && !inRegistry:
		return nil, &cellerr.CellNotFound{Name: string(name)}
	case !exists && inRegistry:
		delete(r.cells, name)
		r.reportSizeLocked()
		return nil, &cellerr.CgroupNotFound{Name: string(name)}
	case exists && !inRegistry:
		return nil, &cellerr.CgroupIsNotACell{Name: string(name)}
	default:
		return c, nil
	}
}

// BroadcastFree iterates every cell, calling Free and swallowing
// individual failures into a single aggregated warning log. Cells that
// freed successfully are removed; cells that failed remain, so a
// subsequent BroadcastKill can finish them off.
func (r *Registry) BroadcastFree() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs *multierror.Error
	for name, c := range r.cells {
		if err := c.Free(r.freeGrace); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		delete(r.cells, name)
	}
	r.reportSizeLocked()
	if errs != nil {
		r.log.Warn("broadcast free: some cells failed to free gracefully", "error", errs)
	}
}

// BroadcastKill iterates every remaining cell, SIGKILLs its nested
// agent, and unconditionally removes it. Used at shutdown after
// BroadcastFree so the registry always ends up empty.
func (r *Registry) BroadcastKill() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, c := range r.cells {
		c.Kill()
		delete(r.cells, name)
	}
	r.reportSizeLocked()
}

// Snapshot returns the names and states of every cell currently
// tracked, for the debug/introspection endpoint. It takes the registry
// lock briefly and does not reconcile: it is a point-in-time view, not
// a correctness-bearing read.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.cells))
	for name, c := range r.cells {
		out[string(name)] = c.State().String()
	}
	return out
}

// Size reports the number of cells currently tracked.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

func asCellNotAllocated(err error, target **cellerr.CellNotAllocated) bool {
	if err == nil {
		return false
	}
	e, ok := err.(*cellerr.CellNotAllocated)
	if ok {
		*target = e
	}
	return ok
}
