//go:build linux

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coreforge/coreforge/pkg/corerr"
	"github.com/coreforge/coreforge/pkg/servicemgr"
	"github.com/coreforge/coreforge/pkg/system/cgroup"
	"github.com/coreforge/coreforge/pkg/unit"
)

// Supervisor spawns and supervises unit processes: cgroup membership,
// rlimits, OOM scoring, and usage sampling (spec.md §4.F). It implements
// servicemgr.Spawner so a Manager can drive it directly.
type Supervisor struct {
	root string
	log  *slog.Logger

	profiles map[string]unit.ResourceProfile

	sampleMu   sync.Mutex
	prevSample map[string]pidSample
}

var _ servicemgr.Spawner = (*Supervisor)(nil)

// New creates a Supervisor rooted at an explicit cgroup hierarchy path.
// An empty root uses defaultRoot ("/sys/fs/cgroup/coreforge").
func New(root string, profiles []unit.ResourceProfile, log *slog.Logger) *Supervisor {
	if root == "" {
		root = defaultRoot
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		root:       root,
		log:        log.With("component", "supervisor"),
		profiles:   make(map[string]unit.ResourceProfile, len(profiles)),
		prevSample: make(map[string]pidSample),
	}
	for _, p := range profiles {
		s.profiles[p.Name] = p
	}
	s.checkCgroupMode()
	return s
}

// checkCgroupMode warns if the host isn't running cgroup v2, since every
// controller file this package writes (cpu.max, memory.max, pids.max) is
// the v2 unified-hierarchy interface; a v1-only host will silently fail
// every cgroup write (non-fatal per applyResourceProfile, but worth a
// loud warning at startup rather than one log line per unit).
func (s *Supervisor) checkCgroupMode() {
	ver, detail, err := cgroup.Detect()
	if err != nil {
		s.log.Warn("cgroup mode detection failed", "error", err)
		return
	}
	if ver != cgroup.V2 && ver != cgroup.Hybrid {
		s.log.Warn("host is not running cgroup v2; resource limits will not be enforced", "mode", ver, "detail", detail)
		return
	}
	s.log.Debug("cgroup mode detected", "mode", ver, "detail", detail)
}

func (s *Supervisor) resourceLimitsFor(u unit.Unit) ResourceLimits {
	p, ok := s.profiles[u.ResourceProfile]
	if !ok {
		return ResourceLimits{}
	}
	return ResourceLimits{
		CPUPercent:   p.CPUPercent,
		CPUShares:    p.CPUShares,
		MemoryBytes:  p.MemoryBytes,
		MaxProcesses: p.MaxProcesses,
		MaxFiles:     p.MaxFiles,
		OOMScoreAdj:  p.OOMScoreAdjustment,
	}
}

// Spawn implements servicemgr.Spawner: create the unit's cgroup, exec
// the process, move it into the cgroup, apply rlimits/OOM score and the
// resource profile's controller files, per the ordered steps in
// spec.md §4.F.
func (s *Supervisor) Spawn(ctx context.Context, u unit.Unit) (int, <-chan servicemgr.ExitResult, error) {
	dir, err := s.ensureCgroup(u.Name)
	if err != nil {
		return 0, nil, err
	}

	cmd := exec.CommandContext(ctx, u.Command, u.Args...)
	cmd.Dir = u.WorkingDir
	cmd.Env = buildEnv(u)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if u.User != "" {
		cred, err := credentialFor(u.User, u.Group)
		if err != nil {
			return 0, nil, corerr.New(corerr.PermissionDenied, "spawn", err)
		}
		cmd.SysProcAttr.Credential = cred
	}

	if err := cmd.Start(); err != nil {
		return 0, nil, corerr.New(corerr.IOError, "spawn", fmt.Errorf("%s: %w", u.Name, err))
	}
	pid := cmd.Process.Pid

	if err := movePID(dir, pid); err != nil {
		s.log.Warn("move pid into cgroup failed", "unit", u.Name, "pid", pid, "error", err)
	}

	limits := s.resourceLimitsFor(u)
	if err := applyRlimits(pid, limits); err != nil {
		s.log.Warn("apply rlimits failed", "unit", u.Name, "pid", pid, "error", err)
	}
	if err := setOOMScoreAdjustment(pid, limits.OOMScoreAdj); err != nil {
		s.log.Warn("set oom_score_adj failed", "unit", u.Name, "pid", pid, "error", err)
	}
	if err := applyResourceProfile(dir, limits); err != nil {
		s.log.Warn("apply resource profile failed", "unit", u.Name, "pid", pid, "error", err)
	}

	exitCh := make(chan servicemgr.ExitResult, 1)
	go func() {
		err := cmd.Wait()
		exitCh <- toExitResult(err)
		close(exitCh)
	}()

	return pid, exitCh, nil
}

// Signal delivers sig to pid's process group (spec.md §5: "deliver
// SIGTERM to the process group").
func (s *Supervisor) Signal(pid int, sig int) error {
	if err := unix.Kill(-pid, syscall.Signal(sig)); err != nil {
		return unix.Kill(pid, syscall.Signal(sig))
	}
	return nil
}

// Cleanup moves any residual PIDs out of the unit's cgroup and removes
// the directory, with busy-retry (spec.md §4.F).
func (s *Supervisor) Cleanup(unitName string) error {
	return removeCgroup(s.root, s.cgroupDir(unitName))
}

// ReapOrphans performs one non-blocking wait4(-1, WNOHANG) pass,
// collecting any children reparented to this process (e.g. grandchildren
// of a unit whose direct child has already exited) that os/exec's own
// per-command Wait would never observe. This is the "zombie reaping"
// periodic task spec.md §4.E assigns to the service manager.
func (s *Supervisor) ReapOrphans() int {
	reaped := 0
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return reaped
		}
		reaped++
	}
}

func toExitResult(err error) servicemgr.ExitResult {
	if err == nil {
		return servicemgr.ExitResult{HasCode: true, ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			return servicemgr.ExitResult{HasSignal: true, Signal: int(ws.Signal()), Err: err}
		}
		return servicemgr.ExitResult{HasCode: true, ExitCode: exitErr.ExitCode(), Err: err}
	}
	return servicemgr.ExitResult{Err: err}
}

func buildEnv(u unit.Unit) []string {
	env := []string{
		"PATH=" + envOr("PATH", "/usr/bin:/bin"),
		"HOME=" + envOr("HOME", "/"),
		"USER=" + u.User,
		"LOGNAME=" + u.User,
		"UNIT_ID=" + u.Name,
	}
	for k, v := range u.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func credentialFor(username, groupname string) (*syscall.Credential, error) {
	usr, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(usr.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(usr.Gid)
	if err != nil {
		return nil, err
	}
	if groupname != "" {
		grp, err := user.LookupGroup(groupname)
		if err != nil {
			return nil, fmt.Errorf("lookup group %q: %w", groupname, err)
		}
		if gid, err = strconv.Atoi(grp.Gid); err != nil {
			return nil, err
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// StartPeriodicTasks launches the three background loops spec.md §4.E
// assigns to the service manager: zombie reaping, dead-cgroup cleanup,
// and (via sampleTargets and onSample) statistics sampling, returning
// when ctx is done.
func (s *Supervisor) StartPeriodicTasks(ctx context.Context, cleanupTargets func() []string, sampleTargets func() map[string]int, onSample func(unitName string, u Usage)) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.ReapOrphans()
			}
		}
	}()

	go func() {
		defer wg.Done()
		t := time.NewTicker(60 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, name := range cleanupTargets() {
					if err := s.Cleanup(name); err != nil {
						s.log.Warn("cgroup cleanup failed", "unit", name, "error", err)
					}
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for name, pid := range sampleTargets() {
					if u, err := s.Sample(name, pid); err == nil {
						onSample(name, u)
					}
				}
			}
		}
	}()

	wg.Wait()
}
