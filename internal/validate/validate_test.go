package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellsd/internal/cellerr"
	"cellsd/internal/cellrpc"
)

func TestAllocateRejectsEmptyPath(t *testing.T) {
	_, _, err := Allocate(cellrpc.AllocateRequest{CellPath: ""})
	require.Error(t, err)
	var invalid *cellerr.InvalidArgument
	require.ErrorAs(t, err, &invalid)
}

func TestAllocateRejectsOutOfRangeCPUWeight(t *testing.T) {
	bad := uint64(20000)
	_, _, err := Allocate(cellrpc.AllocateRequest{CellPath: "a", CPUWeight: &bad})
	require.Error(t, err)
	var invalid *cellerr.InvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "cell.cpu_weight", invalid.Field)
}

func TestAllocateAcceptsNestedPath(t *testing.T) {
	path, spec, err := Allocate(cellrpc.AllocateRequest{CellPath: "a/b", IsolateProcess: true})
	require.NoError(t, err)
	assert.Equal(t, 2, path.Len())
	assert.True(t, spec.Isolation.IsolateProcess)
}

func TestFreeRejectsEmptyPath(t *testing.T) {
	_, err := Free(cellrpc.FreeRequest{CellPath: ""})
	require.Error(t, err)
}

func TestStartAllowsEmptyPathForLocalExecutable(t *testing.T) {
	path, spec, err := Start(cellrpc.StartRequest{ExecutableName: "n", Command: "echo hi"})
	require.NoError(t, err)
	assert.True(t, path.IsEmpty())
	assert.Equal(t, "n", spec.Name)
}

func TestStartRejectsBlankCommand(t *testing.T) {
	_, _, err := Start(cellrpc.StartRequest{ExecutableName: "n", Command: "   "})
	require.Error(t, err)
	var invalid *cellerr.InvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "executable.command", invalid.Field)
}

func TestStopRejectsBlankExecutableName(t *testing.T) {
	_, _, err := Stop(cellrpc.StopRequest{ExecutableName: ""})
	require.Error(t, err)
}

func TestStopAcceptsNestedPath(t *testing.T) {
	path, name, err := Stop(cellrpc.StopRequest{CellPath: "a", ExecutableName: "n"})
	require.NoError(t, err)
	assert.Equal(t, 1, path.Len())
	assert.Equal(t, "n", name)
}
