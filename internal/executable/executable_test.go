package executable

import (
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every Write call for assertions.
type recordingSink struct {
	mu    sync.Mutex
	lines [][2]string // {stream, data}
}

func (r *recordingSink) Write(name, stream string, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, [2]string{stream, string(p)})
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func TestStartStopRoundTrip(t *testing.T) {
	sup := New(nil, hclog.NewNullLogger())

	pid, err := sup.Start(Spec{Name: "echoer", Command: "echo hello"})
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	require.Eventually(t, func() bool {
		result, err := sup.Stop("echoer")
		if err != nil {
			return false
		}
		return result.ExitCode == 0 && result.Stdout == "hello\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartDuplicateNameFails(t *testing.T) {
	sup := New(nil, hclog.NewNullLogger())
	_, err := sup.Start(Spec{Name: "dup", Command: "sleep 5"})
	require.NoError(t, err)
	defer sup.Stop("dup")

	_, err = sup.Start(Spec{Name: "dup", Command: "sleep 5"})
	require.Error(t, err)
}

func TestStopUnknownNameFails(t *testing.T) {
	sup := New(nil, hclog.NewNullLogger())
	_, err := sup.Stop("ghost")
	require.Error(t, err)
}

func TestStopKillsLongRunningProcess(t *testing.T) {
	sup := New(nil, hclog.NewNullLogger())
	_, err := sup.Start(Spec{Name: "sleeper", Command: "sleep 60"})
	require.NoError(t, err)

	start := time.Now()
	_, err = sup.Stop("sleeper")
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestLogSinkReceivesOutput(t *testing.T) {
	sink := &recordingSink{}
	sup := New(sink, hclog.NewNullLogger())

	_, err := sup.Start(Spec{Name: "noisy", Command: "echo one; echo two"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := sup.Stop("noisy")
		return err == nil && sink.count() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotReflectsRunningState(t *testing.T) {
	sup := New(nil, hclog.NewNullLogger())
	_, err := sup.Start(Spec{Name: "bg", Command: "sleep 60"})
	require.NoError(t, err)
	defer sup.Stop("bg")

	snap := sup.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "bg", snap[0].Name)
	require.True(t, snap[0].Running)
}
