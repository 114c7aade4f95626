// Package isolation sets up mount, PID, UTS, and network namespaces
// for a nested agent process.
package isolation

// Controls mirrors the data model's IsolationControls: which kernel
// namespaces a cell's nested agent should enter.
type Controls struct {
	IsolateProcess bool
	IsolateNetwork bool
}

// CloneFlags returns the clone(2)/unshare(2) flags implied by c, for
// use as exec.Cmd.SysProcAttr.Cloneflags when spawning the nested
// agent. IsolateProcess implies new mount, PID, and UTS namespaces;
// IsolateNetwork implies a new network namespace. The namespaces
// themselves are created by the kernel at spawn time; Setup/
// IsolateProcess/IsolateNetwork (isolation_linux.go) finish the job inside the
// child, once it is attached to its cgroup.
func (c Controls) CloneFlags() uintptr {
	var flags uintptr
	if c.IsolateProcess {
		flags |= cloneNewNS | cloneNewPID | cloneNewUTS
	}
	if c.IsolateNetwork {
		flags |= cloneNewNET
	}
	return flags
}
