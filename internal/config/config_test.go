package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodecross/nodex-agent/internal/logger"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, runtimeinfo.DefaultFileName, c.StateName)
	assert.Equal(t, int64(runtimeinfo.DefaultMaxBytes), c.StateMaxBytes)
	assert.Equal(t, 5*time.Second, c.Controller.Interval)
	assert.Equal(t, 5*time.Minute, c.Update.DownloadTimeout)
	assert.Equal(t, "https://github.com/nodecross/nodex/releases/download/", c.Update.AllowedPrefix)
	assert.Equal(t, "/api", c.Agent.BasePath)
	assert.True(t, c.Metrics.Enabled)
	assert.NotEmpty(t, c.StateDir)
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodex.toml")
	body := `
state_dir = "` + filepath.ToSlash(dir) + `"
install_root = "/opt/nodex"
env = ["A=1"]

[update]
download_timeout = "30s"
resources = ["conf", "share"]

[controller]
interval = "2s"

[agent]
listen = "127.0.0.1:4000"

[log]
level = "debug"
format = "json"
dir = "/var/log/nodex"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(dir), c.StateDir)
	assert.Equal(t, "/opt/nodex", c.InstallRoot)
	assert.Equal(t, 30*time.Second, c.Update.DownloadTimeout)
	assert.Equal(t, []string{"conf", "share"}, c.Update.Resources)
	assert.Equal(t, 2*time.Second, c.Controller.Interval)
	assert.Equal(t, "127.0.0.1:4000", c.Agent.Listen)

	lc := c.Logger()
	assert.Equal(t, logger.FormatJSON, lc.Slog.Format)
	assert.Equal(t, "debug", lc.Slog.Level)
	assert.Equal(t, "/var/log/nodex", lc.File.Dir)
	assert.Equal(t, logger.DefaultMaxBackups, lc.File.MaxBackups)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodex.toml")
	require.NoError(t, os.WriteFile(path, []byte("state_name = \"from_file.json\"\n[controller]\ninterval = \"2s\"\n"), 0o644))

	t.Setenv("NODEX_STATE_DIR", dir)
	t.Setenv("NODEX_STATE_NAME", "shared.json")
	t.Setenv("NODEX_STATE_MAX_BYTES", "4096")
	t.Setenv("NODEX_INSTALL_ROOT", "/srv/nodex")
	t.Setenv("NODEX_CONTROLLER_INTERVAL", "750ms")
	t.Setenv("NODEX_UPDATE_ALLOWED_PREFIX", "https://mirror.example/nodex/")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, c.StateDir)
	assert.Equal(t, "shared.json", c.StateName)
	assert.Equal(t, int64(4096), c.StateMaxBytes)
	assert.Equal(t, "/srv/nodex", c.InstallRoot)
	assert.Equal(t, 750*time.Millisecond, c.Controller.Interval)
	assert.Equal(t, "https://mirror.example/nodex/", c.Update.AllowedPrefix)

	sc := c.Store()
	assert.Equal(t, dir, sc.Dir)
	assert.Equal(t, "shared.json", sc.Name)
	assert.Equal(t, int64(4096), sc.MaxBytes)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"interval": "[controller]\ninterval = \"0s\"\n",
		"name":     "state_name = \"a/b.json\"\n",
		"prefix":   "[update]\nallowed_prefix = \"ftp://x/\"\n",
		"format":   "[log]\nformat = \"yaml\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.toml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestChildEnvOrder(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=1\n# comment\nB = two\n=skip\n"), 0o644))

	c := Config{EnvFiles: []string{dotenv}, Env: []string{"A=override"}}
	env, err := c.ChildEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "A=override"}, env)

	c.EnvFiles = append(c.EnvFiles, filepath.Join(dir, "missing.env"))
	_, err = c.ChildEnv()
	assert.Error(t, err)
}
