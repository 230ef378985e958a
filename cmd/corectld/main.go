//go:build linux

// Command corectld is the service-manager daemon: it loads unit and
// resource-profile definitions, supervises their processes under
// cgroup v2, and serves the control channel spec.md §6 describes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coreforge/coreforge/pkg/servicemgr"
	"github.com/coreforge/coreforge/pkg/supervisor"
	"github.com/coreforge/coreforge/pkg/unit"
)

// daemonConfig is corectld's own top-level configuration: where units and
// profiles live, where the control socket binds, and the grace window
// between SIGTERM and SIGKILL on shutdown. Unlike unit files (§6's
// sectioned [Unit]/[Service]/[Resource] format), this is a flat YAML
// document — there is exactly one of it per daemon instance.
type daemonConfig struct {
	Socket        string        `yaml:"socket"`
	UnitDir       string        `yaml:"unit-dir"`
	ProfileDir    string        `yaml:"profile-dir"`
	CgroupRoot    string        `yaml:"cgroup-root"`
	LogLevel      string        `yaml:"log-level"`
	ShutdownGrace time.Duration `yaml:"shutdown-grace"`
}

func defaultConfig() daemonConfig {
	return daemonConfig{
		Socket:        "/run/coreforge/corectl.sock",
		UnitDir:       "/etc/coreforge/units",
		ProfileDir:    "/etc/coreforge/profiles",
		CgroupRoot:    "",
		LogLevel:      "info",
		ShutdownGrace: 10 * time.Second,
	}
}

func loadConfig(path string) (daemonConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	var configPath string
	var flagOverrides daemonConfig

	root := &cobra.Command{
		Use:   "corectld",
		Short: "coreforge service-manager daemon",
		Long: `corectld loads unit and resource-profile definitions, spawns and
supervises their processes under cgroup v2, and serves a line-delimited
JSON control channel over a Unix domain socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, flagOverrides, cmd.Flags().Changed)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a YAML daemon config file")
	root.Flags().StringVar(&flagOverrides.Socket, "socket", "", "control-channel Unix socket path")
	root.Flags().StringVar(&flagOverrides.UnitDir, "unit-dir", "", "directory of *.unit files")
	root.Flags().StringVar(&flagOverrides.ProfileDir, "profile-dir", "", "directory of *.profile files")
	root.Flags().StringVar(&flagOverrides.CgroupRoot, "cgroup-root", "", "cgroup v2 hierarchy root for supervised units")
	root.Flags().StringVar(&flagOverrides.LogLevel, "log-level", "", "debug|info|warn|error")
	root.Flags().DurationVar(&flagOverrides.ShutdownGrace, "shutdown-grace", 0, "SIGTERM-to-SIGKILL grace window")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func applyOverrides(cfg daemonConfig, o daemonConfig, changed func(string) bool) daemonConfig {
	if changed("socket") {
		cfg.Socket = o.Socket
	}
	if changed("unit-dir") {
		cfg.UnitDir = o.UnitDir
	}
	if changed("profile-dir") {
		cfg.ProfileDir = o.ProfileDir
	}
	if changed("cgroup-root") {
		cfg.CgroupRoot = o.CgroupRoot
	}
	if changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if changed("shutdown-grace") {
		cfg.ShutdownGrace = o.ShutdownGrace
	}
	return cfg
}

func run(ctx context.Context, configPath string, overrides daemonConfig, changed func(string) bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg = applyOverrides(cfg, overrides, changed)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	units, err := unit.LoadDir(cfg.UnitDir)
	if err != nil {
		return fmt.Errorf("load units: %w", err)
	}
	profiles, err := unit.LoadProfilesDir(cfg.ProfileDir)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	log.Info("loaded definitions", "units", len(units), "profiles", len(profiles))

	sup := supervisor.New(cfg.CgroupRoot, profiles, log)
	mgr := servicemgr.New(units, sup, nil, log)
	mgr.SetShutdownGrace(cfg.ShutdownGrace)
	mgr.SetReadinessWaiter(servicemgr.NewDefaultReadinessWaiter(mgr))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, u := range units {
		if err := mgr.StartUnit(ctx, u.Name); err != nil {
			log.Error("initial start failed", "unit", u.Name, "error", err)
		}
	}

	periodicCtx, cancelPeriodic := context.WithCancel(context.Background())
	defer cancelPeriodic()
	go sup.StartPeriodicTasks(periodicCtx,
		func() []string { return deadUnits(mgr, units) },
		func() map[string]int { return runningPIDs(mgr, units) },
		func(name string, u supervisor.Usage) {
			mgr.UpdateUsage(name, u.CPUPercent, u.MemoryBytes)
			log.Debug("usage sample", "unit", name, "cpu_percent", u.CPUPercent, "memory_bytes", u.MemoryBytes)
		},
	)

	cc := servicemgr.NewControlChannel(mgr, cfg.Socket, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- cc.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		for _, u := range units {
			if err := mgr.StopUnit(shutdownCtx, u.Name); err != nil {
				log.Warn("stop on shutdown failed", "unit", u.Name, "error", err)
			}
		}
		_ = cc.Close()
		return nil
	case err := <-serveErr:
		return err
	}
}

func deadUnits(mgr *servicemgr.Manager, units []unit.Unit) []string {
	var out []string
	for _, u := range units {
		if st, ok := mgr.Status(u.Name); ok && (st.State == unit.StateStopped || st.State == unit.StateFailed) {
			out = append(out, u.Name)
		}
	}
	return out
}

func runningPIDs(mgr *servicemgr.Manager, units []unit.Unit) map[string]int {
	out := make(map[string]int)
	for _, u := range units {
		if st, ok := mgr.Status(u.Name); ok && st.State.IsActive() && st.PID > 0 {
			out[u.Name] = st.PID
		}
	}
	return out
}
