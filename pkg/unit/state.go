package unit

import (
	"fmt"
	"sync"
	"time"
)

// State is a unit's place in the runtime state machine (spec.md §4.E).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateReloading
	StateUnhealthy
	StateFailed
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateReloading:
		return "reloading"
	case StateUnhealthy:
		return "unhealthy"
	case StateFailed:
		return "failed"
	case StateRestarting:
		return "restarting"
	default:
		return "stopped"
	}
}

// IsActive reports whether the unit is doing useful work.
func (s State) IsActive() bool { return s == StateRunning || s == StateReloading }

// CanStart reports whether a start-service request is valid from this state.
func (s State) CanStart() bool { return s == StateStopped || s == StateFailed }

// CanStop reports whether a stop-service request is valid from this state.
func (s State) CanStop() bool {
	return s == StateRunning || s == StateStarting || s == StateReloading || s == StateUnhealthy
}

// Status is the extended runtime record the manager keeps per unit,
// ported from ServiceStatus in nyx-serviced/src/state.rs.
type Status struct {
	State           State
	PID             int
	MainPID         int
	StartedAt       time.Time
	StoppedAt       time.Time
	RestartCount    int
	LastExitCode    int
	LastExitSignal  int
	HasExitCode     bool
	HasExitSignal   bool
	FailureReason   string
	MemoryBytes     uint64
	CPUPercent      float64
	LastWatchdogPing time.Time
	CleanStop       bool
}

// NewStatus returns a freshly stopped, never-started status record.
func NewStatus() Status {
	return Status{State: StateStopped, CleanStop: true}
}

// Uptime reports how long the unit has been continuously active, or
// false if it is not currently active.
func (s Status) Uptime(now time.Time) (time.Duration, bool) {
	if !s.State.IsActive() || s.StartedAt.IsZero() {
		return 0, false
	}
	return now.Sub(s.StartedAt), true
}

// IsHealthy reports whether the unit should be considered healthy given
// a watchdog interval (0 disables the watchdog check).
func (s Status) IsHealthy(watchdogInterval time.Duration, now time.Time) bool {
	if !s.State.IsActive() {
		return false
	}
	if watchdogInterval <= 0 {
		return true
	}
	if !s.LastWatchdogPing.IsZero() {
		return now.Sub(s.LastWatchdogPing) < 2*watchdogInterval
	}
	if !s.StartedAt.IsZero() {
		return now.Sub(s.StartedAt) < 2*watchdogInterval
	}
	return false
}

// MarkStarted transitions the unit to running with the given PID.
func (s *Status) MarkStarted(pid int, now time.Time) {
	s.State = StateRunning
	s.PID = pid
	s.StartedAt = now
	s.StoppedAt = time.Time{}
	s.FailureReason = ""
	s.CleanStop = false
}

// MarkStopped records a clean or unclean exit.
func (s *Status) MarkStopped(exitCode int, hasExitCode bool, signal int, hasSignal bool, clean bool, now time.Time) {
	if clean || (hasExitCode && exitCode == 0) {
		s.State = StateStopped
	} else {
		s.State = StateFailed
	}
	s.PID = 0
	s.StoppedAt = now
	s.LastExitCode, s.HasExitCode = exitCode, hasExitCode
	s.LastExitSignal, s.HasExitSignal = signal, hasSignal
	s.CleanStop = clean

	if !clean && hasExitCode && exitCode != 0 {
		s.FailureReason = fmt.Sprintf("exit code: %d, signal: %d", exitCode, signal)
	}
}

// MarkFailed transitions the unit to failed with an explicit reason.
func (s *Status) MarkFailed(reason string, now time.Time) {
	s.State = StateFailed
	s.PID = 0
	s.StoppedAt = now
	s.FailureReason = reason
	s.CleanStop = false
}

// IncrementRestart records one restart attempt.
func (s *Status) IncrementRestart() { s.RestartCount++ }

// WatchdogPing records a liveness ping.
func (s *Status) WatchdogPing(now time.Time) { s.LastWatchdogPing = now }

// Manager tracks Status for every known unit under one reader-writer
// lock, per spec.md §5 ("the unit store is under a reader-writer lock;
// state transitions take write on the specific unit only" — approximated
// here with one lock since Go maps aren't independently lockable without
// a sync.Map per key, which would complicate iteration for list-services).
type Manager struct {
	mu     sync.RWMutex
	status map[string]*Status
}

// NewManager returns an empty state manager.
func NewManager() *Manager {
	return &Manager{status: make(map[string]*Status)}
}

// GetOrCreate returns the status record for name, creating a stopped one
// if absent.
func (m *Manager) GetOrCreate(name string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[name]
	if !ok {
		s := NewStatus()
		st = &s
		m.status[name] = st
	}
	return st
}

// Get returns name's status, or false if unknown.
func (m *Manager) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// SetState forcibly sets name's state (used for transitions that don't
// need the full Mark* bookkeeping, e.g. starting/stopping/reloading).
func (m *Manager) SetState(name string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[name]
	if !ok {
		s := NewStatus()
		st = &s
		m.status[name] = st
	}
	st.State = state
}

// SetUsage records the latest sampled CPU/memory usage for name, for
// units whose resource profile is being enforced by a supervisor.
func (m *Manager) SetUsage(name string, cpuPercent float64, memoryBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[name]
	if !ok {
		s := NewStatus()
		st = &s
		m.status[name] = st
	}
	st.CPUPercent = cpuPercent
	st.MemoryBytes = memoryBytes
}

// Remove deletes name's status record.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.status, name)
}

// All returns every tracked unit name and its status.
func (m *Manager) All() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.status))
	for name, st := range m.status {
		out[name] = *st
	}
	return out
}

// Running returns the set of unit names currently in an active state or
// starting.
func (m *Manager) Running() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for name, st := range m.status {
		if st.State.IsActive() || st.State == StateStarting {
			out[name] = true
		}
	}
	return out
}

// CountByState tallies units per state.
func (m *Manager) CountByState() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[State]int)
	for _, st := range m.status {
		out[st.State]++
	}
	return out
}
