package servicemgr

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreforge/coreforge/pkg/unit"
	"github.com/stretchr/testify/require"
)

func startTestChannel(t *testing.T, m *Manager) (string, func()) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "control.sock")
	cc := NewControlChannel(m, sock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = cc.Serve(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	return sock, cancel
}

func roundTrip(t *testing.T, sock string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(req))
	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func TestControlChannelListServicesAndStatus(t *testing.T) {
	units := []unit.Unit{{Name: "web"}}
	sp := newFakeSpawner()
	m := newTestManager(units, sp, newFakeReadiness())
	sock, cancel := startTestChannel(t, m)
	defer cancel()

	resp := roundTrip(t, sock, Request{Command: "list-services"})
	require.True(t, resp.OK())
	require.Equal(t, "stopped", resp.Services["web"])

	resp = roundTrip(t, sock, Request{Command: "service-status", Unit: "web"})
	require.True(t, resp.OK())
	require.Equal(t, "stopped", resp.Status.State)
}

func TestControlChannelStartStopUnit(t *testing.T) {
	units := []unit.Unit{{Name: "web"}}
	sp := newFakeSpawner()
	m := newTestManager(units, sp, newFakeReadiness())
	sock, cancel := startTestChannel(t, m)
	defer cancel()

	resp := roundTrip(t, sock, Request{Command: "start-service", Unit: "web"})
	require.True(t, resp.OK())

	resp = roundTrip(t, sock, Request{Command: "service-status", Unit: "web"})
	require.Equal(t, "running", resp.Status.State)

	resp = roundTrip(t, sock, Request{Command: "stop-service", Unit: "web"})
	require.True(t, resp.OK())
}

func TestControlChannelUnknownCommand(t *testing.T) {
	m := newTestManager(nil, newFakeSpawner(), newFakeReadiness())
	sock, cancel := startTestChannel(t, m)
	defer cancel()

	resp := roundTrip(t, sock, Request{Command: "bogus"})
	require.False(t, resp.OK())
	require.Contains(t, resp.Message, "unknown command")
}

func TestControlChannelNotifyReadyTransitionsStartingToRunning(t *testing.T) {
	units := []unit.Unit{{Name: "agent", Ready: unit.ReadyNotify, ReadyTimeout: time.Second}}
	sp := newFakeSpawner()
	rd := newFakeReadiness()
	rd.neverReady["agent"] = true
	m := newTestManager(units, sp, rd)
	sock, cancel := startTestChannel(t, m)
	defer cancel()

	go func() { _ = m.StartUnit(context.Background(), "agent") }()

	require.Eventually(t, func() bool {
		st, _ := m.Status("agent")
		return st.State == unit.StateStarting
	}, time.Second, 5*time.Millisecond)

	resp := roundTrip(t, sock, Request{Command: "notify-ready", Unit: "agent"})
	require.True(t, resp.OK())

	st, _ := m.Status("agent")
	require.Equal(t, unit.StateRunning, st.State)
}
