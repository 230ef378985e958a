//go:build linux

package supervisor

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coreforge/coreforge/pkg/system/proc"
	"github.com/coreforge/coreforge/pkg/system/util"
)

// Usage is a point-in-time resource reading for one supervised unit,
// combining per-PID /proc counters with cgroup aggregate counters
// (spec.md §4.F: "usage sampling reads from the process-info filesystem
// ... and the cgroup files").
type Usage struct {
	CPUPercent  float64
	MemoryBytes uint64
	PIDs        int
}

type pidSample struct {
	cpuJiffies uint64
	sampledAt  time.Time
}

// Sample computes one Usage reading for unitName's cgroup. CPU percent
// is the delta of user+system jiffies since the previous sample divided
// by elapsed wall time, normalized to a single core (100% = one core
// saturated), per spec.md §4.F.
func (s *Supervisor) Sample(unitName string, pid int) (Usage, error) {
	dir := s.cgroupDir(unitName)
	now := time.Now()

	utime, stime, _, _, err := proc.ReadProcStat(pid)
	if err != nil {
		return Usage{}, err
	}
	jiffies := utime + stime

	s.sampleMu.Lock()
	prev, had := s.prevSample[unitName]
	s.prevSample[unitName] = pidSample{cpuJiffies: jiffies, sampledAt: now}
	s.sampleMu.Unlock()

	var cpuPct float64
	if had {
		dt := now.Sub(prev.sampledAt).Seconds()
		dJiffies := util.DeltaU64(jiffies, prev.cpuJiffies)
		cpuSeconds := float64(dJiffies) / float64(proc.ClockTicks())
		cpuPct = util.SafeDiv(cpuSeconds, dt) * 100
	}

	memBytes, _ := readCgroupUint(filepath.Join(dir, "memory.current"))
	pidCount, _ := readCgroupUint(filepath.Join(dir, "pids.current"))

	return Usage{CPUPercent: cpuPct, MemoryBytes: memBytes, PIDs: int(pidCount)}, nil
}

// readCgroupUint reads a cgroup file holding a single decimal integer,
// e.g. memory.current or pids.current.
func readCgroupUint(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, sc.Err()
	}
	return strconv.ParseUint(strings.TrimSpace(sc.Text()), 10, 64)
}
