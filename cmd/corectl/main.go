// Command corectl is the control-channel client: it dials corectld's Unix
// socket and speaks the line-delimited JSON protocol from spec.md §6,
// structured as a cobra.Command subcommand tree the way the teacher's
// single-command root registers flags, but split one subcommand per verb.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreforge/coreforge/pkg/servicemgr"
	"github.com/coreforge/coreforge/pkg/types"
)

// Exit codes per spec.md §6: 0 success; 1 generic failure; 2 unit-not-
// found; 3 transaction conflict/cycle; 4 dependency unmet.
const (
	exitOK = iota
	exitGenericFailure
	exitUnitNotFound
	exitConflict
	exitDependencyUnmet
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "corectl",
		Short: "control client for the coreforge service manager",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/coreforge/corectl.sock", "control-channel Unix socket path")

	root.AddCommand(
		statusCmd(&socketPath),
		listCmd(&socketPath),
		showCmd(&socketPath),
		startCmd(&socketPath),
		stopCmd(&socketPath),
		restartCmd(&socketPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGenericFailure)
	}
}

func roundTrip(socketPath string, req servicemgr.Request) (servicemgr.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return servicemgr.Response{}, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return servicemgr.Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp servicemgr.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return servicemgr.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// exitCodeFor maps a non-ok control-channel response to the nearest
// spec.md §6 exit code by inspecting its message text. corectld's error
// messages either carry a corerr.Error's text, which embeds the Kind
// string (such as "not-found" or "cycle"), or are the control channel's
// own plain text, such as "unknown unit".
func exitCodeFor(resp servicemgr.Response) int {
	switch {
	case containsAny(resp.Message, "unknown unit", "not-found"):
		return exitUnitNotFound
	case containsAny(resp.Message, "cycle"):
		return exitConflict
	case containsAny(resp.Message, "dependency", "dependent"):
		return exitDependencyUnmet
	default:
		return exitGenericFailure
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func statusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print daemon status: version, uptime, services running/total",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := roundTrip(*socketPath, servicemgr.Request{Command: "status"})
			if err != nil {
				return err
			}
			if !resp.OK() {
				fmt.Fprintln(os.Stderr, resp.Message)
				os.Exit(exitCodeFor(resp))
			}
			fmt.Printf("version: %s\n", resp.Version)
			fmt.Printf("uptime: %ds\n", resp.UptimeSeconds)
			fmt.Printf("services: %d/%d running\n", resp.ServicesRunning, resp.ServicesTotal)
			return nil
		},
	}
}

func listCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every known unit and its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := roundTrip(*socketPath, servicemgr.Request{Command: "list-services"})
			if err != nil {
				return err
			}
			if !resp.OK() {
				fmt.Fprintln(os.Stderr, resp.Message)
				os.Exit(exitCodeFor(resp))
			}
			for name, state := range resp.Services {
				fmt.Printf("%s\t%s\n", name, state)
			}
			return nil
		},
	}
}

func showCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <unit>",
		Short: "print one unit's detailed status including sampled resource usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := roundTrip(*socketPath, servicemgr.Request{Command: "service-status", Unit: args[0]})
			if err != nil {
				return err
			}
			if !resp.OK() {
				fmt.Fprintln(os.Stderr, resp.Message)
				os.Exit(exitCodeFor(resp))
			}
			st := resp.Status
			fmt.Printf("unit: %s\n", args[0])
			fmt.Printf("state: %s\n", st.State)
			fmt.Printf("pid: %d\n", st.PID)
			fmt.Printf("restarts: %d\n", st.RestartCount)
			fmt.Printf("cpu: %.1f%%\n", st.CPUPercent)
			fmt.Printf("memory: %s\n", types.ToBytes(st.MemoryBytes).Humanized())
			if st.Reason != "" {
				fmt.Printf("last failure: %s\n", st.Reason)
			}
			return nil
		},
	}
}

func unitCommand(use, short, command string, socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <unit>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := roundTrip(*socketPath, servicemgr.Request{Command: command, Unit: args[0]})
			if err != nil {
				return err
			}
			if !resp.OK() {
				fmt.Fprintln(os.Stderr, resp.Message)
				os.Exit(exitCodeFor(resp))
			}
			fmt.Printf("%s: ok\n", args[0])
			return nil
		},
	}
}

func startCmd(socketPath *string) *cobra.Command {
	return unitCommand("start", "start a unit", "start-service", socketPath)
}

func stopCmd(socketPath *string) *cobra.Command {
	return unitCommand("stop", "stop a unit", "stop-service", socketPath)
}

func restartCmd(socketPath *string) *cobra.Command {
	return unitCommand("restart", "restart a unit", "restart-service", socketPath)
}
