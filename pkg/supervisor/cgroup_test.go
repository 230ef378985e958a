//go:build linux

package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func touchControllerFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		f, err := os.Create(filepath.Join(dir, n))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(b)
}

// Scenario 5 from spec.md §8: cpu-percent=50 produces cpu.max "50000
// 100000"; cpu-shares=1024 produces cpu.weight "100".
func TestApplyResourceProfileCPUPercentAndWeightRoundTrip(t *testing.T) {
	dir := t.TempDir()
	touchControllerFiles(t, dir, "cpu.max", "cpu.weight")

	require.NoError(t, applyResourceProfile(dir, ResourceLimits{CPUPercent: 50}))
	require.Equal(t, "50000 100000\n", readFile(t, dir, "cpu.max"))

	require.NoError(t, applyResourceProfile(dir, ResourceLimits{CPUShares: 1024}))
	require.Equal(t, "100\n", readFile(t, dir, "cpu.weight"))
}

func TestApplyResourceProfileCPUWeightClamps(t *testing.T) {
	dir := t.TempDir()
	touchControllerFiles(t, dir, "cpu.weight")

	require.NoError(t, applyResourceProfile(dir, ResourceLimits{CPUShares: 1}))
	require.Equal(t, "1\n", readFile(t, dir, "cpu.weight"))

	require.NoError(t, applyResourceProfile(dir, ResourceLimits{CPUShares: 1_000_000}))
	require.Equal(t, "10000\n", readFile(t, dir, "cpu.weight"))
}

func TestApplyResourceProfileMemoryWritesMaxAndHigh(t *testing.T) {
	dir := t.TempDir()
	touchControllerFiles(t, dir, "memory.max", "memory.high")

	require.NoError(t, applyResourceProfile(dir, ResourceLimits{MemoryBytes: 1_000_000_000}))
	require.Equal(t, "1000000000\n", readFile(t, dir, "memory.max"))
	require.Equal(t, "900000000\n", readFile(t, dir, "memory.high"))
}

func TestApplyResourceProfilePidsMax(t *testing.T) {
	dir := t.TempDir()
	touchControllerFiles(t, dir, "pids.max")

	require.NoError(t, applyResourceProfile(dir, ResourceLimits{MaxProcesses: 64}))
	require.Equal(t, "64\n", readFile(t, dir, "pids.max"))
}

func TestApplyResourceProfileSkipsZeroFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, applyResourceProfile(dir, ResourceLimits{}))
}

// removeCgroup retries while the directory is non-empty and succeeds
// once the obstruction clears, per spec.md §4.F's busy-retry rule.
func TestRemoveCgroupRetriesUntilEmpty(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "unit-a")
	require.NoError(t, os.Mkdir(dir, 0o755))
	blocker := filepath.Join(dir, "leftover")
	require.NoError(t, os.Mkdir(blocker, 0o755))

	done := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.Remove(blocker)
		close(done)
	}()

	err := removeCgroup(root, dir)
	<-done
	require.NoError(t, err)
	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr))
}

func TestMovePIDAndResidents(t *testing.T) {
	dir := t.TempDir()
	touchControllerFiles(t, dir, "cgroup.procs")

	require.NoError(t, movePID(dir, 4242))
	pids, err := residents(dir)
	require.NoError(t, err)
	require.Contains(t, pids, 4242)
}
