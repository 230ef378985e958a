//go:build linux

// Package supervisor implements the process supervisor: cgroup-v2
// lifecycle management, process spawning, rlimit/OOM application, and
// usage sampling for units started by the service manager (spec.md
// §4.F). It is grounded on agents/archon's cgroup/resource/orchestrator/
// stats split, adapted into a single package that plugs into
// pkg/servicemgr.Spawner, and reuses the teacher's pkg/system/proc and
// pkg/system/cgroup packages for detection and per-PID sampling.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coreforge/coreforge/pkg/corerr"
)

const defaultRoot = "/sys/fs/cgroup/coreforge"

// cgroupDir returns the hierarchy path for a unit's cgroup.
func (s *Supervisor) cgroupDir(unitName string) string {
	return filepath.Join(s.root, unitName)
}

// ensureCgroup creates the unit's cgroup directory if absent and enables
// the controllers it needs on the parent, mirroring the teacher's
// v2Collector.newV2 cgroup2-mount detection (proc/v2.go) but writing
// instead of only reading.
func (s *Supervisor) ensureCgroup(unitName string) (string, error) {
	dir := s.cgroupDir(unitName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", corerr.New(corerr.IOError, "ensure-cgroup", fmt.Errorf("mkdir %s: %w", dir, err))
	}
	_ = enableControllers(s.root, "+cpu +memory +pids")
	return dir, nil
}

// enableControllers writes to <root>/cgroup.subtree_control; best-effort,
// since a parent may already have the controllers enabled or the kernel
// may not expose a writable subtree_control for a non-root hierarchy.
func enableControllers(root, spec string) error {
	f, err := os.OpenFile(filepath.Join(root, "cgroup.subtree_control"), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(spec)
	return err
}

// writeControllerFile writes a single decimal value (or a raw string, for
// cpu.max) to a controller file under dir. spec.md §6 requires these
// writes to be byte-exact: no surrounding whitespace beyond one newline.
func writeControllerFile(dir, name, value string) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(value)
	return err
}

// applyResourceProfile writes cpu.max/cpu.weight/memory.max/memory.high/
// pids.max per the exact formulas in spec.md §4.F:
//
//	cpu-percent p in (0,100) -> cpu.max = "(p*100000/100) 100000"
//	cpu-shares  s            -> cpu.weight = clamp(1, 10000, s*100/1024)
//	memory-bytes m > 0       -> memory.max = m; memory.high = 0.9*m
//	max-processes n > 0      -> pids.max = n
func applyResourceProfile(dir string, p ResourceLimits) error {
	if p.CPUPercent > 0 && p.CPUPercent < 100 {
		quota := int64(p.CPUPercent * 100000 / 100)
		if err := writeControllerFile(dir, "cpu.max", fmt.Sprintf("%d 100000\n", quota)); err != nil {
			return fmt.Errorf("cpu.max: %w", err)
		}
	}
	if p.CPUShares > 0 {
		weight := clampInt64(int64(p.CPUShares)*100/1024, 1, 10000)
		if err := writeControllerFile(dir, "cpu.weight", fmt.Sprintf("%d\n", weight)); err != nil {
			return fmt.Errorf("cpu.weight: %w", err)
		}
	}
	if p.MemoryBytes > 0 {
		if err := writeControllerFile(dir, "memory.max", fmt.Sprintf("%d\n", p.MemoryBytes)); err != nil {
			return fmt.Errorf("memory.max: %w", err)
		}
		high := uint64(float64(p.MemoryBytes) * 0.9)
		if err := writeControllerFile(dir, "memory.high", fmt.Sprintf("%d\n", high)); err != nil {
			return fmt.Errorf("memory.high: %w", err)
		}
	}
	if p.MaxProcesses > 0 {
		if err := writeControllerFile(dir, "pids.max", fmt.Sprintf("%d\n", p.MaxProcesses)); err != nil {
			return fmt.Errorf("pids.max: %w", err)
		}
	}
	return nil
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// movePID writes pid to dir/cgroup.procs, per spec.md §6's byte-exact
// "one decimal PID per write" rule.
func movePID(dir string, pid int) error {
	f, err := os.OpenFile(filepath.Join(dir, "cgroup.procs"), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// residents returns the PIDs currently listed in dir/cgroup.procs.
func residents(dir string) ([]int, error) {
	b, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var out []int
	for _, line := range strings.Fields(string(b)) {
		if pid, err := strconv.Atoi(line); err == nil {
			out = append(out, pid)
		}
	}
	return out, nil
}

// removeCgroup moves any residual PIDs to the hierarchy root, then
// removes dir. Removing a non-empty cgroup fails with EBUSY; per
// spec.md §4.F the supervisor retries a bounded number of times with a
// short delay rather than giving up immediately.
func removeCgroup(root, dir string) error {
	if pids, err := residents(dir); err == nil {
		for _, pid := range pids {
			_ = movePID(root, pid)
		}
	}

	const maxAttempts = 5
	delay := 20 * time.Millisecond
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := os.Remove(dir); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return corerr.New(corerr.ResourceExhausted, "remove-cgroup", fmt.Errorf("%s: busy: %w", dir, lastErr))
}
