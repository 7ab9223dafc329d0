package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/gallery"
	"github.com/bdbenim/stash-empornium/internal/pathmap"
	"github.com/bdbenim/stash-empornium/internal/render"
	"github.com/bdbenim/stash-empornium/pkg/icron"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
// It is read from a TOML file, then overridden by environment variables
// (optionally loaded from a .env file) and finally by command line options.
//
// Environment Variables:
// - STASH_URL: stash base URL
// - STASH_API_KEY: stash API key
// - REDIS_HOST: redis host (enables the shared cache tier)
// - REDIS_PASSWORD: redis password
// - LOG_LEVEL: debug, info, warn, error
// - PORT: HTTP port of the backend
type Config struct {
	Backend     BackendConfig            `toml:"backend"`
	Stash       StashConfig              `toml:"stash"`
	Redis       RedisConfig              `toml:"redis"`
	RTorrent    TorrentClientConfig      `toml:"rtorrent"`
	Deluge      TorrentClientConfig      `toml:"deluge"`
	QBittorrent TorrentClientConfig      `toml:"qbittorrent"`
	File        FileConfig               `toml:"file"`
	Metadata    MetadataConfig           `toml:"metadata"`
	Performers  PerformersConfig         `toml:"performers"`
	Templates   map[string]string        `toml:"templates"`
	Trackers    map[string]TrackerConfig `toml:"trackers"`

	// Cache holds run-time cache switches; they never come from the file.
	Cache CacheFlags `toml:"-"`

	path string
}

type BackendConfig struct {
	DefaultTemplate    string   `toml:"default_template"`
	TorrentDirectories []string `toml:"torrent_directories"`
	Port               int      `toml:"port"`
	DateFormat         string   `toml:"date_format"`
	TitleTemplate      string   `toml:"title_template"`
	TemplateDir        string   `toml:"template_dir"`
	Anon               bool     `toml:"anon"`
	MediaDirectory     string   `toml:"media_directory"`
	MoveMethod         string   `toml:"move_method"`
	ImageFormats       []string `toml:"image_formats"`
	UsePreview         bool     `toml:"use_preview"`
	AnimatedCover      bool     `toml:"animated_cover"`
	LogLevel           string   `toml:"log_level"`
	LogFormat          string   `toml:"log_format"`
	LogFile            string   `toml:"log_file"`
	ContactSheetLayout string   `toml:"contact_sheet_layout"`
	DataDir            string   `toml:"data_dir"`
	JobWorkers         int      `toml:"job_workers"`
	// StageTimeout is in seconds.
	StageTimeout       int    `toml:"stage_timeout"`
	ScreensCount       int    `toml:"screens_count"`
	CacheResetSchedule string `toml:"cache_reset_schedule"`
}

type StashConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

type RedisConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	SSL      bool   `toml:"ssl"`
	Disable  bool   `toml:"disable"`
}

// TorrentClientConfig is shared by every torrent client section. A client
// is enabled when its section names a host.
type TorrentClientConfig struct {
	Host     string        `toml:"host"`
	Port     int           `toml:"port"`
	SSL      bool          `toml:"ssl"`
	Path     string        `toml:"path"`
	Username string        `toml:"username"`
	Password string        `toml:"password"`
	Label    string        `toml:"label"`
	PathMaps pathmap.Table `toml:"pathmaps"`
}

func (c TorrentClientConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

type FileConfig struct {
	Maps pathmap.Table `toml:"maps"`
}

type MetadataConfig struct {
	TagCodec      bool `toml:"tag_codec"`
	TagDate       bool `toml:"tag_date"`
	TagFramerate  bool `toml:"tag_framerate"`
	TagResolution bool `toml:"tag_resolution"`
}

type PerformersConfig struct {
	TagEthnicity bool              `toml:"tag_ethnicity"`
	TagHairColor bool              `toml:"tag_hair_color"`
	TagEyeColor  bool              `toml:"tag_eye_color"`
	CupSizes     map[string]string `toml:"cup_sizes"`
}

type TrackerConfig struct {
	ImageHost      string `toml:"image_host"`
	IncludeScreens *bool  `toml:"include_screens"`
}

type CacheFlags struct {
	NoCache   bool
	Overwrite bool
	Flush     bool
}

// Option is a function type for configuring Config
type Option func(*Config)

const DefaultPath = "config/config.toml"

var layoutPattern = regexp.MustCompile(`^[1-9]+x[1-9]+$`)

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			DefaultTemplate:    render.DefaultTemplate,
			TorrentDirectories: []string{"torrents"},
			Port:               9932,
			DateFormat:         render.DefaultDateFormat,
			TitleTemplate:      render.DefaultTitleTemplate,
			MoveMethod:         string(gallery.Copy),
			ImageFormats:       append([]string(nil), gallery.DefaultImageFormats...),
			LogLevel:           "info",
			LogFormat:          "auto",
			ContactSheetLayout: "3x6",
			DataDir:            "data",
			JobWorkers:         4,
			StageTimeout:       60,
			ScreensCount:       10,
		},
		Stash: StashConfig{URL: "http://localhost:9999"},
		Redis: RedisConfig{Port: 6379},
		RTorrent: TorrentClientConfig{
			Path: "RPC2",
		},
		Deluge:      TorrentClientConfig{Port: 8112},
		QBittorrent: TorrentClientConfig{Port: 8080},
		Templates:   map[string]string{render.DefaultTemplate: "Fakestash v2"},
		Metadata: MetadataConfig{
			TagCodec:      false,
			TagDate:       true,
			TagFramerate:  true,
			TagResolution: true,
		},
		Performers: PerformersConfig{CupSizes: map[string]string{}},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error; defaults and environment still apply.
func Load(path string, opts ...Option) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	cfg := Default()
	cfg.path = path
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				row, col := derr.Position()
				return nil, errs.Wrap(err, errs.Config, "parse %s at %d:%d", path, row, col)
			}
			return nil, errs.Wrap(err, errs.Config, "parse %s", path)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Warn("Config file %s not found, using defaults", path)
	default:
		return nil, errs.Wrap(err, errs.Config, "read %s", path)
	}

	cfg.applyEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		// godotenv.Load never overrides variables already set.
		if err := godotenv.Load(p); err != nil {
			log.Warn("Failed to load %s: %v", p, err)
		}
	}
}

func (c *Config) applyEnv() {
	c.Stash.URL = getEnvString("STASH_URL", c.Stash.URL)
	c.Stash.APIKey = getEnvString("STASH_API_KEY", c.Stash.APIKey)
	c.Redis.Host = getEnvString("REDIS_HOST", c.Redis.Host)
	c.Redis.Password = getEnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Backend.LogLevel = getEnvString("LOG_LEVEL", c.Backend.LogLevel)
	c.Backend.Port = getEnvInt("PORT", c.Backend.Port)
}

// Validate checks the settings a running backend depends on.
func (c *Config) Validate() error {
	b := c.Backend
	if _, ok := c.Templates[b.DefaultTemplate]; !ok {
		return errs.New(errs.Config, "default_template %q is not listed under [templates]", b.DefaultTemplate)
	}
	if !layoutPattern.MatchString(b.ContactSheetLayout) {
		return errs.New(errs.Config, "invalid contact_sheet_layout %q, expected e.g. 3x6", b.ContactSheetLayout)
	}
	if b.Port < 0 || b.Port > 65535 {
		return errs.New(errs.Config, "port %d out of range", b.Port)
	}
	if !gallery.Method(b.MoveMethod).Valid() {
		return errs.New(errs.Config, "move_method must be one of 'hardlink', 'symlink', or 'copy'")
	}
	if b.CacheResetSchedule != "" {
		if err := icron.Validate(b.CacheResetSchedule); err != nil {
			return errs.Wrap(err, errs.Config, "cache_reset_schedule")
		}
	}
	if len(b.TorrentDirectories) == 0 {
		return errs.New(errs.Config, "at least one torrent directory is required")
	}
	if b.JobWorkers < 1 {
		return errs.New(errs.Config, "job_workers must be at least 1")
	}
	if b.ScreensCount < 2 {
		return errs.New(errs.Config, "screens_count must be at least 2")
	}
	for name, t := range c.Trackers {
		switch t.ImageHost {
		case "", "jerking", "imgbox":
		default:
			return errs.New(errs.Config, "trackers.%s: unknown image_host %q", name, t.ImageHost)
		}
	}
	return nil
}

// Path is the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// TemplateDir defaults to a "templates" directory next to the config file.
func (c *Config) TemplateDir() string {
	if c.Backend.TemplateDir != "" {
		return c.Backend.TemplateDir
	}
	return filepath.Join(filepath.Dir(c.path), "templates")
}

func (c *Config) DBPath() string {
	return filepath.Join(c.Backend.DataDir, "stash-empornium.db")
}

func (c *Config) LockPath() string {
	return filepath.Join(c.Backend.DataDir, "stash-empornium.lock")
}

func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Backend.StageTimeout) * time.Second
}

func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Backend.Port)
}

// ImageHost is the upload host used for tracker: HF uses imgbox, every other
// tracker jerking, unless [trackers.<ID>] says otherwise.
func (c *Config) ImageHost(tracker string) string {
	if t, ok := c.Trackers[tracker]; ok && t.ImageHost != "" {
		return t.ImageHost
	}
	if tracker == "HF" {
		return "imgbox"
	}
	return "jerking"
}

// IncludeScreens reports whether screens are packed into the torrent for
// tracker. Only FC does so by default.
func (c *Config) IncludeScreens(tracker string) bool {
	if t, ok := c.Trackers[tracker]; ok && t.IncludeScreens != nil {
		return *t.IncludeScreens
	}
	return tracker == "FC"
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{path=%s port=%d stash=%s redis=%s:%d workers=%d templates=%d}",
		c.path, c.Backend.Port, c.Stash.URL, c.Redis.Host, c.Redis.Port, c.Backend.JobWorkers, len(c.Templates))
}

func WithPort(port int) Option {
	return func(c *Config) {
		if port > 0 {
			c.Backend.Port = port
		}
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) {
		if strings.TrimSpace(level) != "" {
			c.Backend.LogLevel = level
		}
	}
}

func WithAnon(anon bool) Option {
	return func(c *Config) {
		c.Backend.Anon = c.Backend.Anon || anon
	}
}

func WithCacheFlags(flags CacheFlags) Option {
	return func(c *Config) {
		c.Cache = flags
	}
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
