//go:build linux

package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ResourceLimits is the resolved numeric form of a unit.ResourceProfile,
// the values the supervisor actually applies at spawn time (spec.md
// §4.F step 3-4).
type ResourceLimits struct {
	CPUPercent   float64
	CPUShares    uint64
	MemoryBytes  uint64
	MaxProcesses uint64
	MaxFiles     uint64
	OOMScoreAdj  int
}

// applyRlimits sets RLIMIT_NOFILE and RLIMIT_NPROC on pid via prlimit(2),
// which (unlike setrlimit(2)) can target a process other than the
// caller — the rlimit syscall golang.org/x/sys/unix exposes as
// Prlimit, the idiomatic cgo-free way to touch another process's POSIX
// limits (grounded on the pack's use of x/sys/unix for low-level POSIX
// calls, e.g. nestybox's linuxUtils helpers).
func applyRlimits(pid int, lim ResourceLimits) error {
	if lim.MaxFiles > 0 {
		rl := unix.Rlimit{Cur: lim.MaxFiles, Max: lim.MaxFiles}
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, &rl, nil); err != nil {
			return fmt.Errorf("set RLIMIT_NOFILE: %w", err)
		}
	}
	if lim.MaxProcesses > 0 {
		rl := unix.Rlimit{Cur: lim.MaxProcesses, Max: lim.MaxProcesses}
		if err := unix.Prlimit(pid, unix.RLIMIT_NPROC, &rl, nil); err != nil {
			return fmt.Errorf("set RLIMIT_NPROC: %w", err)
		}
	}
	return nil
}

// setOOMScoreAdjustment writes the per-process OOM knob at
// /proc/<pid>/oom_score_adj (range -1000..1000, spec.md §4.F step 3).
func setOOMScoreAdjustment(pid int, score int) error {
	if score == 0 {
		return nil
	}
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", score)), 0)
}
