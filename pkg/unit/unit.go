// Package unit implements the service manager's declarative unit model:
// unit definitions, the dependency graph and transaction planner, and the
// per-unit state machine (spec.md §3 Unit, §4.E).
//
// Grounded on nyx-serviced/src/dependency.rs (topological sort,
// ServiceTransaction) and nyx-serviced/src/state.rs (ServiceState,
// ServiceStatus), translated from Rust's owned-string/enum style into Go
// structs and an int-based state type. Unit-file parsing is grounded on
// gravwell's ingest/config/loader.go, which decodes sectioned config text
// via github.com/gravwell/gcfg rather than a hand-rolled scanner.
package unit

import "time"

// Type is the unit's execution model.
type Type int

const (
	TypeSimple Type = iota
	TypeForking
	TypeOneshot
	TypeDaemon
	TypeAgent
)

func (t Type) String() string {
	switch t {
	case TypeForking:
		return "forking"
	case TypeOneshot:
		return "oneshot"
	case TypeDaemon:
		return "daemon"
	case TypeAgent:
		return "agent"
	default:
		return "simple"
	}
}

// RestartPolicy controls whether a unit is restarted after exit.
type RestartPolicy int

const (
	RestartNever RestartPolicy = iota
	RestartAlways
	RestartOnFailure
	RestartOnAbnormal
)

func (r RestartPolicy) String() string {
	switch r {
	case RestartAlways:
		return "always"
	case RestartOnFailure:
		return "on-failure"
	case RestartOnAbnormal:
		return "on-abnormal"
	default:
		return "never"
	}
}

// ReadinessScheme determines when a starting unit is considered ready.
type ReadinessScheme int

const (
	ReadyImmediate ReadinessScheme = iota
	ReadyForked
	ReadySocketExists
	ReadyEndpointRegistered
	ReadyHealthPasses
	ReadyNotify
)

func (r ReadinessScheme) String() string {
	switch r {
	case ReadyForked:
		return "forked"
	case ReadySocketExists:
		return "socket-exists"
	case ReadyEndpointRegistered:
		return "endpoint-registered"
	case ReadyHealthPasses:
		return "health-passes"
	case ReadyNotify:
		return "notify"
	default:
		return "immediate"
	}
}

// Dependencies holds a unit's relations to other units by name.
type Dependencies struct {
	After    []string
	Before   []string
	Requires []string
}

// Unit is a declarative service definition (spec.md §3).
type Unit struct {
	Name          string
	Description   string
	Documentation []string

	Command     string
	Args        []string
	Type        Type
	Restart     RestartPolicy
	MaxRestarts int
	RestartWait time.Duration

	Env        map[string]string
	WorkingDir string
	User       string
	Group      string

	Ready        ReadinessScheme
	ReadyTimeout time.Duration

	Capabilities    []string
	ResourceProfile string
	SocketPath      string

	Deps Dependencies
}

// ResourceProfile is an immutable named resource limit tuple (spec.md §3).
type ResourceProfile struct {
	Name               string
	CPUPercent         float64
	CPUShares          uint64
	MemoryBytes        uint64
	IOBandwidthBps     uint64
	MaxProcesses       uint64
	MaxFiles           uint64
	OOMScoreAdjustment int
}
