//go:build linux

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/coreforge/coreforge/pkg/servicemgr"
	"github.com/coreforge/coreforge/pkg/unit"
	"github.com/stretchr/testify/require"
)

// cgroup controller writes are best-effort (spec.md §4.F step 4 failures
// don't abort a spawn), so Spawn works against a plain temp directory
// even without a real cgroup-v2 mount — the same tolerance the teacher's
// own v2Collector.Sample shows toward per-PID move failures.
func newTestSupervisor(t *testing.T, profiles ...unit.ResourceProfile) *Supervisor {
	t.Helper()
	return New(t.TempDir(), profiles, nil)
}

func TestSpawnRunsProcessAndReportsCleanExit(t *testing.T) {
	s := newTestSupervisor(t)
	u := unit.Unit{Name: "echoer", Command: "/bin/echo", Args: []string{"hi"}}

	pid, exitCh, err := s.Spawn(context.Background(), u)
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	select {
	case res := <-exitCh:
		require.True(t, res.HasCode)
		require.Equal(t, 0, res.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}
}

func TestSpawnNonexistentCommandFails(t *testing.T) {
	s := newTestSupervisor(t)
	u := unit.Unit{Name: "broken", Command: "/nonexistent/binary-coreforge-test"}

	_, _, err := s.Spawn(context.Background(), u)
	require.Error(t, err)
}

func TestSignalTerminatesLongRunningProcess(t *testing.T) {
	s := newTestSupervisor(t)
	u := unit.Unit{Name: "sleeper", Command: "/bin/sleep", Args: []string{"30"}}

	pid, exitCh, err := s.Spawn(context.Background(), u)
	require.NoError(t, err)

	require.NoError(t, s.Signal(pid, 15)) // SIGTERM

	select {
	case res := <-exitCh:
		require.True(t, res.HasSignal || (res.HasCode && res.ExitCode != 0))
	case <-time.After(3 * time.Second):
		t.Fatal("process was not signaled in time")
	}
}

func TestResourceLimitsForUnknownProfileIsZeroValue(t *testing.T) {
	s := newTestSupervisor(t)
	lim := s.resourceLimitsFor(unit.Unit{ResourceProfile: "missing"})
	require.Zero(t, lim)
}

func TestResourceLimitsForKnownProfile(t *testing.T) {
	s := newTestSupervisor(t, unit.ResourceProfile{Name: "web-tier", CPUPercent: 50, MemoryBytes: 1024})
	lim := s.resourceLimitsFor(unit.Unit{ResourceProfile: "web-tier"})
	require.InDelta(t, 50.0, lim.CPUPercent, 0.001)
	require.EqualValues(t, 1024, lim.MemoryBytes)
}

func TestReapOrphansReturnsZeroWithNoChildren(t *testing.T) {
	s := newTestSupervisor(t)
	require.Equal(t, 0, s.ReapOrphans())
}

var _ servicemgr.Spawner = (*Supervisor)(nil)
