package unit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravwell/gcfg"

	"github.com/coreforge/coreforge/pkg/corerr"
)

const unitFileExt = ".unit"
const profileFileExt = ".profile"

// fileFormat mirrors the on-disk unit-file sections from spec.md §6:
// [Unit], [Service], [Resource], [Socket]. gcfg maps repeated keys in a
// section onto []string fields automatically, which is how After/Before/
// Requires/Env accumulate multiple lines.
type fileFormat struct {
	Unit struct {
		Description   string
		Documentation []string
		After         []string
		Before        []string
		Requires      []string
	}
	Service struct {
		Exec            string
		Args            []string
		Type            string
		Restart         string
		MaxRestarts     int
		RestartWait     string
		Env             []string
		WorkingDir      string
		User            string
		Group           string
		ReadyNotify     string
		ReadyTimeout    string
		Capability      []string
		ResourceProfile string
	}
	Resource struct {
		Profile            string
		CPUPercent         float64
		CPUShares          uint64
		MemoryBytes        uint64
		MaxProcesses       uint64
		MaxFiles           uint64
		OOMScoreAdjustment int
	}
	Socket struct {
		Path string
	}
}

func parseType(s string) Type {
	switch strings.ToLower(s) {
	case "forking":
		return TypeForking
	case "oneshot":
		return TypeOneshot
	case "daemon":
		return TypeDaemon
	case "agent":
		return TypeAgent
	default:
		return TypeSimple
	}
}

func parseRestart(s string) RestartPolicy {
	switch strings.ToLower(s) {
	case "always":
		return RestartAlways
	case "on-failure":
		return RestartOnFailure
	case "on-abnormal":
		return RestartOnAbnormal
	default:
		return RestartNever
	}
}

func parseReady(s string) ReadinessScheme {
	switch strings.ToLower(s) {
	case "forked":
		return ReadyForked
	case "socket-exists", "socket":
		return ReadySocketExists
	case "endpoint-registered", "endpoint":
		return ReadyEndpointRegistered
	case "health-passes", "health-check":
		return ReadyHealthPasses
	case "notify":
		return ReadyNotify
	default:
		return ReadyImmediate
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ParseUnitString decodes one unit file's text into a Unit, deriving
// name from the provided unit name (unit files don't self-name; the
// loader passes the filename stem).
func ParseUnitString(name, text string) (Unit, error) {
	var ff fileFormat
	if err := gcfg.ReadStringInto(&ff, text); err != nil {
		return Unit{}, corerr.New(corerr.PreconditionFailed, "parse-unit", fmt.Errorf("%s: %w", name, err))
	}

	u := Unit{
		Name:            name,
		Description:     ff.Unit.Description,
		Documentation:   ff.Unit.Documentation,
		Command:         ff.Service.Exec,
		Args:            ff.Service.Args,
		Type:            parseType(ff.Service.Type),
		Restart:         parseRestart(ff.Service.Restart),
		MaxRestarts:     ff.Service.MaxRestarts,
		RestartWait:     parseDuration(ff.Service.RestartWait, time.Second),
		WorkingDir:      ff.Service.WorkingDir,
		User:            ff.Service.User,
		Group:           ff.Service.Group,
		Ready:           parseReady(ff.Service.ReadyNotify),
		ReadyTimeout:    parseDuration(ff.Service.ReadyTimeout, 10*time.Second),
		Capabilities:    ff.Service.Capability,
		ResourceProfile: firstNonEmpty(ff.Service.ResourceProfile, ff.Resource.Profile),
		SocketPath:      ff.Socket.Path,
		Deps: Dependencies{
			After:    ff.Unit.After,
			Before:   ff.Unit.Before,
			Requires: ff.Unit.Requires,
		},
	}

	if len(ff.Service.Env) > 0 {
		u.Env = make(map[string]string, len(ff.Service.Env))
		for _, kv := range ff.Service.Env {
			k, v, ok := strings.Cut(kv, "=")
			if ok {
				u.Env[k] = v
			}
		}
	}
	return u, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// ParseInlineResourceProfile extracts an inline [Resource] section as a
// standalone profile, for units that don't reference one by name.
func ParseInlineResourceProfile(name, text string) (ResourceProfile, error) {
	var ff fileFormat
	if err := gcfg.ReadStringInto(&ff, text); err != nil {
		return ResourceProfile{}, err
	}
	return ResourceProfile{
		Name:               name,
		CPUPercent:         ff.Resource.CPUPercent,
		CPUShares:          ff.Resource.CPUShares,
		MemoryBytes:        ff.Resource.MemoryBytes,
		MaxProcesses:       ff.Resource.MaxProcesses,
		MaxFiles:           ff.Resource.MaxFiles,
		OOMScoreAdjustment: ff.Resource.OOMScoreAdjustment,
	}, nil
}

// LoadDir scans dir for *.unit files and parses each, grounded on
// gravwell's LoadConfigOverlays directory-scan pattern (ingest/config/
// loader.go): skip non-regular entries, filter by extension, accumulate
// errors with the offending path named.
func LoadDir(dir string) ([]Unit, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.New(corerr.IOError, "load-dir", err)
	}

	var units []Unit
	for _, ent := range entries {
		if !ent.Type().IsRegular() || filepath.Ext(ent.Name()) != unitFileExt {
			continue
		}
		p := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, corerr.New(corerr.IOError, "load-dir", fmt.Errorf("%s: %w", p, err))
		}
		name := strings.TrimSuffix(ent.Name(), unitFileExt)
		u, err := ParseUnitString(name, string(data))
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// LoadProfilesDir scans dir for *.profile files, each a standalone
// [Resource] section, and parses every one into a named, registration-time
// immutable ResourceProfile (spec.md §3: "Profiles are immutable after
// registration"). Mirrors LoadDir's scan-and-accumulate shape.
func LoadProfilesDir(dir string) ([]ResourceProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.New(corerr.IOError, "load-profiles-dir", err)
	}

	var profiles []ResourceProfile
	for _, ent := range entries {
		if !ent.Type().IsRegular() || filepath.Ext(ent.Name()) != profileFileExt {
			continue
		}
		p := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, corerr.New(corerr.IOError, "load-profiles-dir", fmt.Errorf("%s: %w", p, err))
		}
		name := strings.TrimSuffix(ent.Name(), profileFileExt)
		prof, err := ParseInlineResourceProfile(name, string(data))
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, prof)
	}
	return profiles, nil
}
