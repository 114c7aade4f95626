// Package cgroupfs is the cgroup backend: it creates and destroys a
// cgroup v2 directory per cell and writes its CPU weight/max and
// cpuset controller settings.
package cgroupfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cellsd/internal/cellerr"
	"cellsd/internal/cellpath"
)

// Spec is the optional CPU and cpuset controller configuration for a
// cell. A nil pointer field means "inherit" from the parent cgroup.
type Spec struct {
	CPUWeight *uint64 // [1, 10000]
	CPUMax    *int64

	CpusetCpus *string
	CpusetMems *string
}

// Handle identifies an allocated cgroup directory.
type Handle struct {
	Path string
	Name cellpath.CellName
}

// Backend roots all cgroup operations under Root on the host cgroupfs.
type Backend struct {
	Root string
}

func New(root string) *Backend {
	return &Backend{Root: root}
}

// EnsureRoot verifies cgroup v2 is mounted and the backend's root
// directory exists.
func (b *Backend) EnsureRoot() error {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return fmt.Errorf("cgroup v2 not available at /sys/fs/cgroup: %w", err)
	}
	if err := os.MkdirAll(b.Root, 0o755); err != nil {
		return fmt.Errorf("create cgroup root %q: %w", b.Root, err)
	}
	return nil
}

func (b *Backend) pathFor(name cellpath.CellName) string {
	return filepath.Join(b.Root, string(name))
}

// Exists reports whether a cgroup directory for name already exists on
// the filesystem, independent of whether the registry knows about it.
func (b *Backend) Exists(name cellpath.CellName) bool {
	_, err := os.Stat(b.pathFor(name))
	return err == nil
}

// Create makes the cgroup directory for name and applies spec's
// controllers. On any controller-write failure the directory is
// removed before returning, so a failed Create leaves no partial
// cgroup behind.
func (b *Backend) Create(name cellpath.CellName, spec Spec) (Handle, error) {
	path := b.pathFor(name)
	if err := os.Mkdir(path, 0o755); err != nil {
		return Handle{}, &cellerr.CgroupCreateFailed{Name: string(name), Reason: err}
	}
	h := Handle{Path: path, Name: name}
	if err := b.ApplyControllers(h, spec); err != nil {
		_ = b.Destroy(h)
		return Handle{}, err
	}
	return h, nil
}

// ApplyControllers writes cpu/cpuset controller files for spec's
// non-nil fields. Absent fields are left untouched (inherited).
func (b *Backend) ApplyControllers(h Handle, spec Spec) error {
	if spec.CPUWeight != nil {
		w := *spec.CPUWeight
		if w < 1 || w > 10000 {
			return &cellerr.ControllerWriteFailed{Controller: "cpu.weight", Reason: fmt.Errorf("weight %d out of range [1,10000]", w)}
		}
		if err := writeControllerFile(h.Path, "cpu.weight", strconv.FormatUint(w, 10)); err != nil {
			return &cellerr.ControllerWriteFailed{Controller: "cpu.weight", Reason: err}
		}
	}
	if spec.CPUMax != nil {
		if err := writeControllerFile(h.Path, "cpu.max", strconv.FormatInt(*spec.CPUMax, 10)+" 100000"); err != nil {
			return &cellerr.ControllerWriteFailed{Controller: "cpu.max", Reason: err}
		}
	}
	if spec.CpusetCpus != nil {
		if err := writeControllerFile(h.Path, "cpuset.cpus", *spec.CpusetCpus); err != nil {
			return &cellerr.ControllerWriteFailed{Controller: "cpuset.cpus", Reason: err}
		}
	}
	if spec.CpusetMems != nil {
		if err := writeControllerFile(h.Path, "cpuset.mems", *spec.CpusetMems); err != nil {
			return &cellerr.ControllerWriteFailed{Controller: "cpuset.mems", Reason: err}
		}
	}
	return nil
}

func writeControllerFile(cgroupPath, file, value string) error {
	p := filepath.Join(cgroupPath, file)
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("%s missing for %q: %w", file, cgroupPath, err)
	}
	return os.WriteFile(p, []byte(value+"\n"), 0o644)
}

// MovePid attaches pid to h's cgroup via cgroup.procs.
func (b *Backend) MovePid(h Handle, pid int) error {
	procsFile := filepath.Join(h.Path, "cgroup.procs")
	if _, err := os.Stat(procsFile); err != nil {
		return fmt.Errorf("cgroup.procs missing for %q: %w", h.Path, err)
	}
	return os.WriteFile(procsFile, []byte(fmt.Sprintf("%d\n", pid)), 0o644)
}

// Destroy kills any remaining tasks via cgroup.kill and removes the
// directory, retrying briefly while the kernel tears down tasks.
func (b *Backend) Destroy(h Handle) error {
	if strings.TrimSpace(h.Path) == "" {
		return nil
	}
	_ = killCgroup(h.Path)
	return removeCgroupDir(h.Path, 1500*time.Millisecond)
}

func killCgroup(cgroupPath string) error {
	killFile := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killFile); err != nil {
		return fmt.Errorf("cgroup.kill missing for %q: %w", cgroupPath, err)
	}
	return os.WriteFile(killFile, []byte("1\n"), 0o644)
}

func removeCgroupDir(cgroupPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := os.Remove(cgroupPath)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ENOTEMPTY) {
			if time.Now().After(deadline) {
				return err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return err
	}
}
