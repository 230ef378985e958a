package unit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleUnit = `
[Unit]
Description = Sample web service
After = network.unit
Requires = database.unit

[Service]
Exec = /usr/bin/sampled
Args = --port
Args = 8080
Type = daemon
Restart = on-failure
MaxRestarts = 5
RestartWait = 2s
Env = PORT=8080
Env = MODE=production
WorkingDir = /var/lib/sampled
ReadyNotify = notify
ReadyTimeout = 3s
ResourceProfile = web-tier

[Resource]
CPUPercent = 50
MemoryBytes = 536870912
`

func TestParseUnitStringFullSections(t *testing.T) {
	u, err := ParseUnitString("sampled", sampleUnit)
	require.NoError(t, err)

	require.Equal(t, "sampled", u.Name)
	require.Equal(t, "Sample web service", u.Description)
	require.Equal(t, []string{"network.unit"}, u.Deps.After)
	require.Equal(t, []string{"database.unit"}, u.Deps.Requires)
	require.Equal(t, "/usr/bin/sampled", u.Command)
	require.Equal(t, []string{"--port", "8080"}, u.Args)
	require.Equal(t, TypeDaemon, u.Type)
	require.Equal(t, RestartOnFailure, u.Restart)
	require.Equal(t, 5, u.MaxRestarts)
	require.Equal(t, 2*time.Second, u.RestartWait)
	require.Equal(t, "8080", u.Env["PORT"])
	require.Equal(t, "production", u.Env["MODE"])
	require.Equal(t, ReadyNotify, u.Ready)
	require.Equal(t, 3*time.Second, u.ReadyTimeout)
	require.Equal(t, "web-tier", u.ResourceProfile)
}

func TestParseInlineResourceProfile(t *testing.T) {
	p, err := ParseInlineResourceProfile("web-tier", sampleUnit)
	require.NoError(t, err)
	require.InDelta(t, 50.0, p.CPUPercent, 0.001)
	require.EqualValues(t, 536870912, p.MemoryBytes)
}

func TestParseUnitDefaultsWhenSectionsAbsent(t *testing.T) {
	u, err := ParseUnitString("bare", "[Service]\nExec = /bin/true\n")
	require.NoError(t, err)
	require.Equal(t, TypeSimple, u.Type)
	require.Equal(t, RestartNever, u.Restart)
	require.Equal(t, ReadyImmediate, u.Ready)
	require.Equal(t, 10*time.Second, u.ReadyTimeout)
}

func TestLoadDirMissingDirectoryIsNotAnError(t *testing.T) {
	units, err := LoadDir("/nonexistent/path/for/coreforge/unit/tests")
	require.NoError(t, err)
	require.Nil(t, units)
}

func TestLoadDirParsesUnitFilesByExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.unit"), []byte(sampleUnit), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	units, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, "web", units[0].Name)
}

func TestLoadProfilesDirParsesProfileFilesByExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web-tier.profile"), []byte("[Resource]\nCPUPercent = 50\nMaxProcesses = 32\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	profiles, err := LoadProfilesDir(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	require.Equal(t, "web-tier", profiles[0].Name)
	require.InDelta(t, 50.0, profiles[0].CPUPercent, 0.001)
	require.EqualValues(t, 32, profiles[0].MaxProcesses)
}

func TestLoadProfilesDirMissingDirectoryIsNotAnError(t *testing.T) {
	profiles, err := LoadProfilesDir("/nonexistent/path/for/coreforge/profile/tests")
	require.NoError(t, err)
	require.Nil(t, profiles)
}
