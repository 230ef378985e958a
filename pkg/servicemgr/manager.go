// Package servicemgr implements the service manager's runtime: the
// transactional start/stop executor, the per-unit supervision/restart
// loop, and the background periodic tasks (spec.md §4.E).
//
// Grounded on nyx-serviced/src/dependency.rs and state.rs (via pkg/unit)
// for planning and state, and on the actor-supervisor pattern in
// nmxmxh-inos_v1's kernel/threads/supervisor.go for the restart loop: a
// context-cancelable goroutine per supervised unit, panic-safe, that
// re-execs on failure after the unit's fixed RestartWait delay until a
// restart budget is spent.
package servicemgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreforge/coreforge/pkg/corerr"
	"github.com/coreforge/coreforge/pkg/unit"
)

// ExitResult describes how a supervised process ended.
type ExitResult struct {
	ExitCode  int
	HasCode   bool
	Signal    int
	HasSignal bool
	Err       error
}

// Clean reports whether the process exited the way its supervisor asked
// it to (successful exit, or terminated by a stop request).
func (r ExitResult) Clean(requestedStop bool) bool {
	return requestedStop || (r.HasCode && r.ExitCode == 0 && !r.HasSignal)
}

// Spawner is the process-lifecycle dependency the manager drives; the
// production implementation is pkg/supervisor.Supervisor.
type Spawner interface {
	Spawn(ctx context.Context, u unit.Unit) (pid int, exit <-chan ExitResult, err error)
	Signal(pid int, sig int) error
}

// ReadinessWaiter blocks until a started unit is considered ready, or
// ctx is done. Immediate-scheme units are handled inline by Manager
// without consulting this interface.
type ReadinessWaiter interface {
	WaitReady(ctx context.Context, u unit.Unit, pid int) error
}

const (
	sigTERM = 15
	sigKILL = 9
)

// Manager is the runtime half of the service manager: it holds the unit
// store, drives transactions, and supervises running units.
type Manager struct {
	mu    sync.RWMutex
	units map[string]unit.Unit

	status *unit.Manager

	spawner   Spawner
	readiness ReadinessWaiter
	log       *slog.Logger

	shutdownGrace time.Duration

	runMu    sync.Mutex
	watchers map[string]context.CancelFunc

	readyMu  sync.Mutex
	readySig map[string]chan struct{}
}

// New creates a Manager over the given units with no units running yet.
func New(units []unit.Unit, spawner Spawner, readiness ReadinessWaiter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		units:         make(map[string]unit.Unit, len(units)),
		status:        unit.NewManager(),
		spawner:       spawner,
		readiness:     readiness,
		log:           log.With("component", "servicemgr"),
		shutdownGrace: 10 * time.Second,
		watchers:      make(map[string]context.CancelFunc),
		readySig:      make(map[string]chan struct{}),
	}
	for _, u := range units {
		m.units[u.Name] = u
		m.status.GetOrCreate(u.Name)
	}
	return m
}

// SetShutdownGrace overrides the SIGTERM-to-SIGKILL grace window.
func (m *Manager) SetShutdownGrace(d time.Duration) { m.shutdownGrace = d }

// SetReadinessWaiter overrides the readiness waiter after construction,
// for callers (like DefaultReadinessWaiter) that need a *Manager back-
// reference and so cannot be built before New returns.
func (m *Manager) SetReadinessWaiter(w ReadinessWaiter) { m.readiness = w }

func (m *Manager) unitsSnapshot() map[string]unit.Unit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]unit.Unit, len(m.units))
	for k, v := range m.units {
		out[k] = v
	}
	return out
}

// Status returns name's current status.
func (m *Manager) Status(name string) (unit.Status, bool) { return m.status.Get(name) }

// List returns every tracked unit's status.
func (m *Manager) List() map[string]unit.Status { return m.status.All() }

// UpdateUsage records a supervisor's latest usage sample for name.
func (m *Manager) UpdateUsage(name string, cpuPercent float64, memoryBytes uint64) {
	m.status.SetUsage(name, cpuPercent, memoryBytes)
}

// readyChan returns name's current readiness-signal channel, creating one
// if absent. Callers select on it to block until notifyReady / notify (and,
// endpoint-registered, register-service) fires.
func (m *Manager) readyChan(name string) <-chan struct{} {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	ch, ok := m.readySig[name]
	if !ok {
		ch = make(chan struct{})
		m.readySig[name] = ch
	}
	return ch
}

// resetReady replaces name's readiness-signal channel with a fresh, open
// one, so a restart doesn't see an already-closed channel from a prior run.
func (m *Manager) resetReady(name string) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	m.readySig[name] = make(chan struct{})
}

// signalReady marks name ready, waking any goroutine blocked in readyChan.
// Safe to call more than once for the same name.
func (m *Manager) signalReady(name string) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	ch, ok := m.readySig[name]
	if !ok {
		ch = make(chan struct{})
		m.readySig[name] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// RegisterUnit adds or replaces a unit definition without starting it.
func (m *Manager) RegisterUnit(u unit.Unit) {
	m.mu.Lock()
	m.units[u.Name] = u
	m.mu.Unlock()
	m.status.GetOrCreate(u.Name)
}

// StartUnit plans and executes a start transaction for name: every
// predecessor named in its transitive after/requires closure is started
// first, in dependency order (spec.md §4.E, invariant 5).
func (m *Manager) StartUnit(ctx context.Context, name string) error {
	units := m.unitsSnapshot()
	running := m.status.Running()

	tx := unit.NewTransaction()
	if err := tx.PlanStart(name, units, running); err != nil {
		return err
	}

	failed := map[string]bool{}
	var firstErr error
	for _, op := range tx.Order {
		if m.dependsOnFailed(units[op.Name], failed) {
			failed[op.Name] = true
			m.log.Warn("skipping start: dependency failed", "unit", op.Name)
			continue
		}
		if err := m.startOne(ctx, units[op.Name]); err != nil {
			failed[op.Name] = true
			if firstErr == nil {
				firstErr = err
			}
			m.log.Error("unit failed to start", "unit", op.Name, "error", err)
		}
	}
	return firstErr
}

func (m *Manager) dependsOnFailed(u unit.Unit, failed map[string]bool) bool {
	for _, req := range u.Deps.Requires {
		if failed[req] {
			return true
		}
	}
	return false
}

func (m *Manager) startOne(ctx context.Context, u unit.Unit) error {
	st := m.status.GetOrCreate(u.Name)
	if !st.State.CanStart() && st.State != unit.StateRestarting {
		return corerr.New(corerr.PreconditionFailed, "start", fmt.Errorf("unit %q is %s", u.Name, st.State))
	}
	m.status.SetState(u.Name, unit.StateStarting)
	m.resetReady(u.Name)

	pid, exitCh, err := m.spawner.Spawn(ctx, u)
	if err != nil {
		m.status.GetOrCreate(u.Name).MarkFailed(err.Error(), time.Now())
		return corerr.New(corerr.IOError, "start", err)
	}

	if err := m.waitReady(ctx, u, pid); err != nil {
		// Scenario 4 from spec.md §8: readiness timeout terminates the
		// process (SIGTERM then SIGKILL) and the unit enters failed.
		m.terminateAfterTimeout(pid)
		m.status.GetOrCreate(u.Name).MarkFailed("readiness timeout", time.Now())
		return corerr.New(corerr.Timeout, "start", err)
	}

	m.status.GetOrCreate(u.Name).MarkStarted(pid, time.Now())
	m.superviseExit(u, pid, exitCh)
	return nil
}

func (m *Manager) waitReady(ctx context.Context, u unit.Unit, pid int) error {
	if u.Ready == unit.ReadyImmediate || m.readiness == nil {
		return nil
	}
	deadline := u.ReadyTimeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return m.readiness.WaitReady(waitCtx, u, pid)
}

func (m *Manager) terminateAfterTimeout(pid int) {
	_ = m.spawner.Signal(pid, sigTERM)
	time.AfterFunc(m.shutdownGrace, func() { _ = m.spawner.Signal(pid, sigKILL) })
}

// superviseExit watches a unit's process and applies its restart policy
// when it exits, per the state machine in spec.md §4.E.
func (m *Manager) superviseExit(u unit.Unit, pid int, exitCh <-chan ExitResult) {
	m.runMu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	if old, ok := m.watchers[u.Name]; ok {
		old()
	}
	m.watchers[u.Name] = cancel
	m.runMu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("supervisor goroutine panicked", "unit", u.Name, "panic", r)
			}
		}()

		select {
		case <-ctx.Done():
			return
		case res, ok := <-exitCh:
			if !ok {
				return
			}
			m.handleExit(u, res)
		}
	}()
}

func (m *Manager) handleExit(u unit.Unit, res ExitResult) {
	st := m.status.GetOrCreate(u.Name)
	clean := res.Clean(st.State == unit.StateStopping)
	st.MarkStopped(res.ExitCode, res.HasCode, res.Signal, res.HasSignal, clean, time.Now())

	if clean || u.Restart == unit.RestartNever {
		return
	}
	if u.Restart == unit.RestartOnAbnormal && !res.HasSignal && res.HasCode && res.ExitCode == 0 {
		return
	}
	if st.RestartCount >= u.MaxRestarts {
		m.log.Warn("unit exceeded max restarts, terminal failure", "unit", u.Name, "restarts", st.RestartCount)
		return
	}

	st.IncrementRestart()
	wait := u.RestartWait
	if wait <= 0 {
		wait = time.Second
	}
	m.log.Info("scheduling restart", "unit", u.Name, "attempt", st.RestartCount, "wait", wait)
	m.status.SetState(u.Name, unit.StateRestarting)

	time.AfterFunc(wait, func() {
		if err := m.startOne(context.Background(), u); err != nil {
			m.log.Error("restart failed", "unit", u.Name, "error", err)
		}
	})
}

// StopUnit plans and executes a stop transaction for name: reverse
// dependents are stopped first, then name itself.
func (m *Manager) StopUnit(ctx context.Context, name string) error {
	units := m.unitsSnapshot()
	running := m.status.Running()

	tx := unit.NewTransaction()
	tx.PlanStop(name, units, running)

	for _, op := range tx.Order {
		if err := m.stopOne(ctx, units[op.Name]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) stopOne(ctx context.Context, u unit.Unit) error {
	st, ok := m.status.Get(u.Name)
	if !ok || !st.State.CanStop() {
		return nil
	}
	pid := st.PID
	m.status.SetState(u.Name, unit.StateStopping)

	if err := m.spawner.Signal(pid, sigTERM); err != nil {
		m.log.Warn("SIGTERM delivery failed", "unit", u.Name, "error", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.shutdownGrace):
		if st2, ok := m.status.Get(u.Name); ok && st2.State == unit.StateStopping {
			_ = m.spawner.Signal(pid, sigKILL)
		}
	}
	return nil
}

// RestartUnit stops then starts name.
func (m *Manager) RestartUnit(ctx context.Context, name string) error {
	if err := m.StopUnit(ctx, name); err != nil {
		return err
	}
	return m.StartUnit(ctx, name)
}
