// Package validate turns wire request types into typed, non-empty
// domain values, or an InvalidArgument error, for each of the four
// cell-service RPCs.
package validate

import (
	"strings"

	"cellsd/internal/cell"
	"cellsd/internal/cellerr"
	"cellsd/internal/cellpath"
	"cellsd/internal/cellrpc"
	"cellsd/internal/cgroupfs"
	"cellsd/internal/executable"
	"cellsd/internal/isolation"
)

// Allocate validates req and returns the target path plus the domain
// CellSpec it describes.
func Allocate(req cellrpc.AllocateRequest) (cellpath.Path, cell.Spec, error) {
	path, err := cellpath.ParseNonEmpty(req.CellPath)
	if err != nil {
		return cellpath.Path{}, cell.Spec{}, &cellerr.InvalidArgument{Field: "cell.name", Reason: err.Error()}
	}

	if req.CPUWeight != nil && (*req.CPUWeight < 1 || *req.CPUWeight > 10000) {
		return cellpath.Path{}, cell.Spec{}, &cellerr.InvalidArgument{
			Field: "cell.cpu_weight", Reason: "must be in [1, 10000]",
		}
	}

	spec := cell.Spec{
		Cgroup: cgroupfs.Spec{
			CPUWeight:  req.CPUWeight,
			CPUMax:     req.CPUMax,
			CpusetCpus: req.CpusetCpus,
			CpusetMems: req.CpusetMems,
		},
		Isolation: isolation.Controls{
			IsolateProcess: req.IsolateProcess,
			IsolateNetwork: req.IsolateNetwork,
		},
	}
	return path, spec, nil
}

// Free validates req and returns the target path.
func Free(req cellrpc.FreeRequest) (cellpath.Path, error) {
	path, err := cellpath.ParseNonEmpty(req.CellPath)
	if err != nil {
		return cellpath.Path{}, &cellerr.InvalidArgument{Field: "cell_name", Reason: err.Error()}
	}
	return path, nil
}

// Start validates req and returns the (possibly empty) target path and
// the executable spec to run.
func Start(req cellrpc.StartRequest) (cellpath.Path, executable.Spec, error) {
	path, err := cellpath.Parse(req.CellPath)
	if err != nil {
		return cellpath.Path{}, executable.Spec{}, &cellerr.InvalidArgument{Field: "cell_name", Reason: err.Error()}
	}
	if strings.TrimSpace(req.ExecutableName) == "" {
		return cellpath.Path{}, executable.Spec{}, &cellerr.InvalidArgument{Field: "executable.name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Command) == "" {
		return cellpath.Path{}, executable.Spec{}, &cellerr.InvalidArgument{Field: "executable.command", Reason: "must not be empty"}
	}
	return path, executable.Spec{
		Name:        req.ExecutableName,
		Command:     req.Command,
		Description: req.Description,
	}, nil
}

// Stop validates req and returns the (possibly empty) target path and
// the executable name to stop.
func Stop(req cellrpc.StopRequest) (cellpath.Path, string, error) {
	path, err := cellpath.Parse(req.CellPath)
	if err != nil {
		return cellpath.Path{}, "", &cellerr.InvalidArgument{Field: "cell_name", Reason: err.Error()}
	}
	if strings.TrimSpace(req.ExecutableName) == "" {
		return cellpath.Path{}, "", &cellerr.InvalidArgument{Field: "executable_name", Reason: "must not be empty"}
	}
	return path, req.ExecutableName, nil
}
