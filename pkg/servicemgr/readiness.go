package servicemgr

import (
	"context"
	"os"
	"time"

	"github.com/coreforge/coreforge/pkg/unit"
)

// DefaultReadinessWaiter implements ReadinessWaiter: socket-exists polls
// the filesystem; endpoint-registered, health-passes and notify all block
// on the same per-unit signal the control channel raises from
// register-service, notify-ready and notify-health (spec.md §6) — the
// production system has no separate health-check executor, so "health
// passes" and "notify" converge on the one external attestation a unit
// can make about itself. Every other scheme, forked included, returns nil
// at once: a forked unit counts as ready as soon as it is spawned, and
// the exit of its original process is not waited for.
type DefaultReadinessWaiter struct {
	mgr          *Manager
	pollInterval time.Duration
}

// NewDefaultReadinessWaiter builds a waiter bound to mgr's readiness
// signal registry.
func NewDefaultReadinessWaiter(mgr *Manager) *DefaultReadinessWaiter {
	return &DefaultReadinessWaiter{mgr: mgr, pollInterval: 50 * time.Millisecond}
}

func (w *DefaultReadinessWaiter) WaitReady(ctx context.Context, u unit.Unit, pid int) error {
	switch u.Ready {
	case unit.ReadySocketExists:
		return w.waitSocket(ctx, u.SocketPath)
	case unit.ReadyEndpointRegistered, unit.ReadyHealthPasses, unit.ReadyNotify:
		return w.waitSignal(ctx, u.Name)
	default:
		return nil
	}
}

func (w *DefaultReadinessWaiter) waitSignal(ctx context.Context, name string) error {
	select {
	case <-w.mgr.readyChan(name):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *DefaultReadinessWaiter) waitSocket(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
