package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{"STASH_URL", "STASH_API_KEY", "REDIS_HOST", "REDIS_PASSWORD", "LOG_LEVEL", "PORT"} {
		t.Setenv(k, "")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "none.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9932, cfg.Backend.Port)
	assert.Equal(t, "3x6", cfg.Backend.ContactSheetLayout)
	assert.Equal(t, 4, cfg.Backend.JobWorkers)
	assert.Equal(t, 60*time.Second, cfg.StageTimeout())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "templates"), cfg.TemplateDir())
	assert.Equal(t, filepath.Join("data", "stash-empornium.db"), cfg.DBPath())
	assert.Equal(t, ":9932", cfg.Addr())
}

func TestLoad_SampleIsValid(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config", "config.toml")
	require.NoError(t, WriteSample(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/torrents"}, cfg.Backend.TorrentDirectories)
	assert.False(t, cfg.RTorrent.Enabled())

	err = WriteSample(path, false)
	assert.True(t, errs.Is(err, errs.Config))
	require.NoError(t, WriteSample(path, true))
}

func TestLoad_FileValues(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[backend]
default_template = "mine"
torrent_directories = ["/a", "/b"]
port = 8000
stage_timeout = 5
contact_sheet_layout = "4x4"
move_method = "hardlink"

[templates]
mine = "My template"

[file.maps]
"/stash" = "/mnt"

[qbittorrent]
host = "qbit"
label = "emp"
[qbittorrent.pathmaps]
"/mnt" = "/downloads"

[performers.cup_sizes]
DD = "big.tits"

[trackers.PB]
image_host = "imgbox"
include_screens = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mine", cfg.Backend.DefaultTemplate)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Backend.TorrentDirectories)
	assert.Equal(t, 5*time.Second, cfg.StageTimeout())
	assert.Equal(t, "/mnt", cfg.File.Maps["/stash"])
	assert.True(t, cfg.QBittorrent.Enabled())
	assert.Equal(t, 8080, cfg.QBittorrent.Port)
	assert.Equal(t, "/downloads", cfg.QBittorrent.PathMaps["/mnt"])
	assert.Equal(t, "big.tits", cfg.Performers.CupSizes["DD"])
	assert.Equal(t, "imgbox", cfg.ImageHost("PB"))
	assert.True(t, cfg.IncludeScreens("PB"))
}

func TestTrackerDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "imgbox", cfg.ImageHost("HF"))
	assert.Equal(t, "jerking", cfg.ImageHost("EMP"))
	assert.True(t, cfg.IncludeScreens("FC"))
	assert.False(t, cfg.IncludeScreens("EMP"))
}

func TestLoad_EnvAndOptionsOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("STASH_URL", "http://stash:9999")
	t.Setenv("PORT", "7000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "[backend]\nport = 8000\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://stash:9999", cfg.Stash.URL)
	assert.Equal(t, 7000, cfg.Backend.Port)
	assert.Equal(t, "debug", cfg.Backend.LogLevel)

	cfg, err = Load(writeConfig(t, ""), WithPort(7100), WithLogLevel("warn"), WithAnon(true),
		WithCacheFlags(CacheFlags{NoCache: true}))
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Backend.Port)
	assert.Equal(t, "warn", cfg.Backend.LogLevel)
	assert.True(t, cfg.Backend.Anon)
	assert.True(t, cfg.Cache.NoCache)
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("STASH_API_KEY", "")
	os.Unsetenv("STASH_API_KEY")
	path := writeConfig(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("STASH_API_KEY=from-dotenv\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Stash.APIKey)
}

func TestLoad_ParseError(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "[backend\nport = 1"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Config))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown default template": func(c *Config) { c.Backend.DefaultTemplate = "nope" },
		"bad layout":               func(c *Config) { c.Backend.ContactSheetLayout = "3x0" },
		"port range":               func(c *Config) { c.Backend.Port = 70000 },
		"move method":              func(c *Config) { c.Backend.MoveMethod = "move" },
		"cron":                     func(c *Config) { c.Backend.CacheResetSchedule = "every day" },
		"no torrent dirs":          func(c *Config) { c.Backend.TorrentDirectories = nil },
		"image host": func(c *Config) {
			c.Trackers = map[string]TrackerConfig{"EMP": {ImageHost: "imgur"}}
		},
	}
	require.NoError(t, Default().Validate())
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		assert.True(t, errs.Is(err, errs.Config), name)
	}
}
