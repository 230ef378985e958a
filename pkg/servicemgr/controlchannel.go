package servicemgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/coreforge/coreforge/pkg/unit"
)

// Request is one line-delimited JSON control-channel message, per
// spec.md §6. Fields not relevant to Command are left zero.
type Request struct {
	Command string `json:"command"`
	Unit    string `json:"unit,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Healthy bool   `json:"healthy,omitempty"`
}

// Response is the line-delimited JSON reply to a Request. Errors are
// shaped exactly as spec.md §6 requires: {"type":"error","message":...}.
// Successful replies carry type "ok" plus whichever payload fields the
// command produces.
type Response struct {
	Type     string            `json:"type"`
	Message  string            `json:"message,omitempty"`
	Unit     string            `json:"unit,omitempty"`
	Status   *unitStatusView   `json:"status,omitempty"`
	Services map[string]string `json:"services,omitempty"`

	Version         string `json:"version,omitempty"`
	UptimeSeconds   int64  `json:"uptime-seconds,omitempty"`
	ServicesRunning int    `json:"services-running,omitempty"`
	ServicesTotal   int    `json:"services-total,omitempty"`
}

// OK reports whether resp represents a successful reply.
func (r Response) OK() bool { return r.Type != "error" }

func ok(fields Response) Response {
	fields.Type = "ok"
	return fields
}

func errResp(format string, args ...any) Response {
	return Response{Type: "error", Message: fmt.Sprintf(format, args...)}
}

type unitStatusView struct {
	State        string    `json:"state"`
	PID          int       `json:"pid"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Reason       string    `json:"failure_reason,omitempty"`
	CPUPercent   float64   `json:"cpu_percent,omitempty"`
	MemoryBytes  uint64    `json:"memory_bytes,omitempty"`
}

func toView(st unit.Status) *unitStatusView {
	return &unitStatusView{
		State:        st.State.String(),
		PID:          st.PID,
		RestartCount: st.RestartCount,
		StartedAt:    st.StartedAt,
		Reason:       st.FailureReason,
		CPUPercent:   st.CPUPercent,
		MemoryBytes:  st.MemoryBytes,
	}
}

const protocolVersion = "1"

// ControlChannel serves the unit-management protocol over a Unix stream
// socket: one JSON object per line in each direction, grounded on the
// json.NewDecoder/Encoder streaming style used throughout gravwell's
// gwcli and kitctl commands, and on the accept-loop/WaitGroup shutdown
// pattern from the nmxmxh-inos_v1 supervisor.
type ControlChannel struct {
	mgr       *Manager
	path      string
	log       *slog.Logger
	startedAt time.Time

	mu       sync.Mutex
	ln       net.Listener
	wg       sync.WaitGroup
	watchdog time.Duration
}

// NewControlChannel binds no socket yet; call Serve to start listening.
func NewControlChannel(mgr *Manager, socketPath string, log *slog.Logger) *ControlChannel {
	if log == nil {
		log = slog.Default()
	}
	return &ControlChannel{
		mgr:       mgr,
		path:      socketPath,
		log:       log.With("component", "controlchannel"),
		startedAt: time.Now(),
		watchdog:  30 * time.Second,
	}
}

// Serve listens on the Unix socket and handles connections until ctx is
// canceled. It removes any stale socket file left by a previous run.
func (c *ControlChannel) Serve(ctx context.Context) error {
	_ = os.Remove(c.path)

	ln, err := net.Listen("unix", c.path)
	if err != nil {
		return fmt.Errorf("control channel: listen %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	c.log.Info("control channel listening", "path", c.path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				c.wg.Wait()
				return nil
			}
			c.log.Error("accept failed", "error", err)
			continue
		}
		c.wg.Add(1)
		go c.handleConn(ctx, conn)
	}
}

func (c *ControlChannel) handleConn(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := c.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (c *ControlChannel) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case "register-service":
		return c.registerService(req)
	case "unregister-service":
		c.mgr.status.Remove(req.Unit)
		return ok(Response{Unit: req.Unit})
	case "start-service":
		return c.runOp(ctx, req.Unit, c.mgr.StartUnit)
	case "stop-service":
		return c.runOp(ctx, req.Unit, c.mgr.StopUnit)
	case "restart-service":
		return c.runOp(ctx, req.Unit, c.mgr.RestartUnit)
	case "service-status":
		return c.serviceStatus(req.Unit)
	case "list-services":
		return c.listServices()
	case "notify-ready":
		return c.notifyReady(req)
	case "notify-health":
		return c.notifyHealth(req)
	case "shutdown":
		return c.shutdownAll(ctx)
	case "status":
		return c.aggregateStatus()
	default:
		return errResp("unknown command %q", req.Command)
	}
}

func (c *ControlChannel) registerService(req Request) Response {
	if req.Unit == "" {
		return errResp("register-service requires a unit name")
	}
	c.mgr.RegisterUnit(unit.Unit{Name: req.Unit})
	c.mgr.signalReady(req.Unit)
	return ok(Response{Unit: req.Unit})
}

func (c *ControlChannel) runOp(ctx context.Context, name string, op func(context.Context, string) error) Response {
	if name == "" {
		return errResp("unit name required")
	}
	if err := op(ctx, name); err != nil {
		return errResp("%s: %s", name, err)
	}
	return ok(Response{Unit: name})
}

func (c *ControlChannel) serviceStatus(name string) Response {
	st, found := c.mgr.Status(name)
	if !found {
		return errResp("unknown unit %q", name)
	}
	return ok(Response{Unit: name, Status: toView(st)})
}

func (c *ControlChannel) listServices() Response {
	all := c.mgr.List()
	out := make(map[string]string, len(all))
	for name, st := range all {
		out[name] = st.State.String()
	}
	return ok(Response{Services: out})
}

func (c *ControlChannel) notifyReady(req Request) Response {
	st, found := c.mgr.Status(req.Unit)
	if !found {
		return errResp("unknown unit %q", req.Unit)
	}
	if st.State == unit.StateStarting {
		c.mgr.status.SetState(req.Unit, unit.StateRunning)
	}
	c.mgr.signalReady(req.Unit)
	return ok(Response{Unit: req.Unit})
}

func (c *ControlChannel) notifyHealth(req Request) Response {
	st := c.mgr.status.GetOrCreate(req.Unit)
	if req.Healthy {
		st.WatchdogPing(time.Now())
		c.mgr.signalReady(req.Unit)
	} else {
		c.mgr.status.SetState(req.Unit, unit.StateUnhealthy)
	}
	return ok(Response{Unit: req.Unit})
}

func (c *ControlChannel) shutdownAll(ctx context.Context) Response {
	for name, st := range c.mgr.List() {
		if !st.State.CanStop() {
			continue
		}
		if err := c.mgr.StopUnit(ctx, name); err != nil {
			c.log.Error("shutdown: stop failed", "unit", name, "error", err)
		}
	}
	return ok(Response{})
}

// aggregateStatus answers the bare "status" command per spec.md §6:
// {version, uptime-seconds, services-running, services-total}.
func (c *ControlChannel) aggregateStatus() Response {
	all := c.mgr.List()
	running := 0
	for _, st := range all {
		if st.State.IsActive() {
			running++
		}
	}
	return ok(Response{
		Version:         protocolVersion,
		UptimeSeconds:   int64(time.Since(c.startedAt).Seconds()),
		ServicesRunning: running,
		ServicesTotal:   len(all),
	})
}

// Close stops accepting new connections immediately.
func (c *ControlChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	err := c.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
