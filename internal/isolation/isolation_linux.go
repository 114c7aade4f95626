//go:build linux

package isolation

import (
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"cellsd/internal/cellerr"
)

const (
	cloneNewNS  = unix.CLONE_NEWNS
	cloneNewPID = unix.CLONE_NEWPID
	cloneNewUTS = unix.CLONE_NEWUTS
	cloneNewNET = unix.CLONE_NEWNET
)

// Setup performs the private-recursive rebind of "/" onto itself,
// decoupling subsequent mounts from the host. It is a no-op unless
// IsolateProcess is set. Must run before IsolateProcess and before any
// other mount in the child.
func Setup(c Controls) error {
	if !c.IsolateProcess {
		return nil
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return &cellerr.IsolationFailed{Step: "rebind-root-private-recursive", Reason: err}
	}
	return nil
}

// IsolateProcess mounts a fresh procfs at /proc and sets the
// hostname/domainname to cellName. No-op unless IsolateProcess is set.
// Must run after Setup and after the cgroup attach.
func IsolateProcess(c Controls, cellName string) error {
	if !c.IsolateProcess {
		return nil
	}
	// The previous /proc (inherited from the parent mount namespace) must
	// come down first or the new mount fails with EBUSY on some kernels.
	_ = unix.Unmount("/proc", unix.MNT_DETACH)
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return &cellerr.IsolationFailed{Step: "mount-proc", Reason: err}
	}
	if err := unix.Sethostname([]byte(cellName)); err != nil {
		return &cellerr.IsolationFailed{Step: "sethostname", Reason: err}
	}
	if err := unix.Setdomainname([]byte(cellName)); err != nil {
		return &cellerr.IsolationFailed{Step: "setdomainname", Reason: err}
	}
	return nil
}

// IsolateNetwork brings the loopback interface up inside the nested
// agent's fresh network namespace (already created by the clone flags
// chosen by its parent). No-op unless IsolateNetwork is set.
func IsolateNetwork(c Controls) error {
	if !c.IsolateNetwork {
		return nil
	}
	if err := bringUpLoopback(); err != nil {
		return &cellerr.IsolationFailed{Step: "loopback-up", Reason: err}
	}
	return nil
}

func bringUpLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}
