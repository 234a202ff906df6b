package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outfield/companion/internal/otel"
)

// CaptureConfig tunes the capture scheduler. Every timing knob is
// configuration, not a constant.
type CaptureConfig struct {
	// IntervalMinutes is the base spacing between capture cycles.
	IntervalMinutes int `yaml:"interval_minutes"`
	// JitterPct randomizes each cycle's spacing by ±N percent to avoid
	// aligning with other periodic on-device work.
	JitterPct int `yaml:"jitter_pct"`
	// ImagesPerCycle is the target image count per cycle.
	ImagesPerCycle int `yaml:"images_per_cycle"`
	// ImageTimeoutSeconds bounds each individual image acquisition.
	ImageTimeoutSeconds int `yaml:"image_timeout_seconds"`
	// FixTimeoutSeconds bounds the GPS fix acquisition.
	FixTimeoutSeconds int `yaml:"fix_timeout_seconds"`
	// FixStalenessSeconds is the age beyond which a fix is reported as no-fix.
	FixStalenessSeconds int `yaml:"fix_staleness_seconds"`
	// FailureThreshold is the number of consecutive zero-image cycles before
	// the degraded-health signal fires.
	FailureThreshold int `yaml:"failure_threshold"`
}

func (c CaptureConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}
func (c CaptureConfig) ImageTimeout() time.Duration {
	return time.Duration(c.ImageTimeoutSeconds) * time.Second
}
func (c CaptureConfig) FixTimeout() time.Duration {
	return time.Duration(c.FixTimeoutSeconds) * time.Second
}
func (c CaptureConfig) FixStaleness() time.Duration {
	return time.Duration(c.FixStalenessSeconds) * time.Second
}

// CamerasConfig selects the camera provider set.
type CamerasConfig struct {
	// Provider is "mock" (file-backed) today; hardware providers register
	// under their own names.
	Provider string `yaml:"provider"`
	// MockFiles maps camera name to a source image path for the mock provider.
	MockFiles map[string]string `yaml:"mock_files"`
}

// MockFixConfig describes the fix returned by the mock GNSS provider.
type MockFixConfig struct {
	Lat       float64 `yaml:"lat"`
	Lon       float64 `yaml:"lon"`
	AltitudeM float64 `yaml:"altitude_m"`
	AccuracyM float64 `yaml:"accuracy_m"`
	DelayMS   int     `yaml:"delay_ms"`
}

// GNSSConfig selects the GPS provider.
type GNSSConfig struct {
	Provider string        `yaml:"provider"`
	MockFix  MockFixConfig `yaml:"mock_fix"`
}

// HTTPUploadConfig configures the HTTP upload backend.
type HTTPUploadConfig struct {
	URL            string `yaml:"url"`
	AuthToken      string `yaml:"auth_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c HTTPUploadConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LocalUploadConfig configures the local-directory upload backend.
type LocalUploadConfig struct {
	DestDir string `yaml:"dest_dir"`
}

// SyncConfig tunes the sync engine and its retry state machine.
type SyncConfig struct {
	// PollSeconds is the connectivity poll interval between drain passes.
	PollSeconds int `yaml:"poll_seconds"`
	// MaxAttempts is the per-record delivery attempt ceiling; crossing it
	// moves the record to FAILED_PERMANENT.
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBaseSeconds / BackoffCapSeconds bound the exponential retry delay.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	// StallTimeoutMinutes is how long a record may sit UPLOADING before the
	// recovery sweep resets it to FAILED.
	StallTimeoutMinutes int `yaml:"stall_timeout_minutes"`
	// FailureThreshold is the number of consecutive permanently failed
	// deliveries before the degraded-health signal fires.
	FailureThreshold int `yaml:"failure_threshold"`
	// Backend selects the upload endpoint: "http" or "local".
	Backend string            `yaml:"backend"`
	HTTP    HTTPUploadConfig  `yaml:"http"`
	Local   LocalUploadConfig `yaml:"local"`
}

func (c SyncConfig) PollInterval() time.Duration { return time.Duration(c.PollSeconds) * time.Second }
func (c SyncConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}
func (c SyncConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}
func (c SyncConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMinutes) * time.Minute
}

// ProbeConfig configures the connectivity monitor.
type ProbeConfig struct {
	// URL is an HTTP endpoint expected to answer 204 (generate_204 style).
	URL string `yaml:"url"`
	// FallbackAddr is a host:port dialed when the HTTP probe is unavailable.
	FallbackAddr   string `yaml:"fallback_addr"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c ProbeConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// RetentionConfig tunes compaction of delivered records.
type RetentionConfig struct {
	// GraceHours is how long delivered records (and their blobs) are kept
	// locally before compaction reclaims them.
	GraceHours int `yaml:"grace_hours"`
	// CompactSchedule is a 5-field cron expression for the compaction window.
	CompactSchedule string `yaml:"compact_schedule"`
}

func (c RetentionConfig) Grace() time.Duration { return time.Duration(c.GraceHours) * time.Hour }

type Config struct {
	HomeDir string `yaml:"-"`

	// DataDir holds the record database and image spool. Defaults to
	// <home>/data.
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Capture   CaptureConfig   `yaml:"capture"`
	Cameras   CamerasConfig   `yaml:"cameras"`
	GNSS      GNSSConfig      `yaml:"gnss"`
	Sync      SyncConfig      `yaml:"sync"`
	Probe     ProbeConfig     `yaml:"probe"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			IntervalMinutes:     30,
			JitterPct:           10,
			ImagesPerCycle:      3,
			ImageTimeoutSeconds: 15,
			FixTimeoutSeconds:   30,
			FixStalenessSeconds: 300,
			FailureThreshold:    3,
		},
		Cameras: CamerasConfig{Provider: "mock"},
		GNSS:    GNSSConfig{Provider: "mock"},
		Sync: SyncConfig{
			PollSeconds:         30,
			MaxAttempts:         8,
			BackoffBaseSeconds:  30,
			BackoffCapSeconds:   1800,
			StallTimeoutMinutes: 10,
			FailureThreshold:    3,
			Backend:             "local",
			HTTP:                HTTPUploadConfig{TimeoutSeconds: 60},
		},
		Probe: ProbeConfig{
			URL:            "https://www.google.com/generate_204",
			FallbackAddr:   "1.1.1.1:53",
			TimeoutSeconds: 2,
		},
		Retention: RetentionConfig{
			GraceHours:      72,
			CompactSchedule: "0 3 * * *",
		},
	}
}

// HomeDir resolves the companion home directory. COMPANION_HOME overrides;
// otherwise ~/.companion.
func HomeDir() string {
	if override := os.Getenv("COMPANION_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".companion")
}

// Load reads config.yaml from the companion home, applies env overrides,
// fills defaults and validates. A missing config file is not an error; the
// daemon runs on defaults (mock providers, local upload backend).
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, for tests and tooling.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create companion home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Capture.IntervalMinutes <= 0 {
		cfg.Capture.IntervalMinutes = def.Capture.IntervalMinutes
	}
	if cfg.Capture.JitterPct < 0 {
		cfg.Capture.JitterPct = def.Capture.JitterPct
	}
	if cfg.Capture.ImagesPerCycle <= 0 {
		cfg.Capture.ImagesPerCycle = def.Capture.ImagesPerCycle
	}
	if cfg.Capture.ImageTimeoutSeconds <= 0 {
		cfg.Capture.ImageTimeoutSeconds = def.Capture.ImageTimeoutSeconds
	}
	if cfg.Capture.FixTimeoutSeconds <= 0 {
		cfg.Capture.FixTimeoutSeconds = def.Capture.FixTimeoutSeconds
	}
	if cfg.Capture.FixStalenessSeconds <= 0 {
		cfg.Capture.FixStalenessSeconds = def.Capture.FixStalenessSeconds
	}
	if cfg.Capture.FailureThreshold <= 0 {
		cfg.Capture.FailureThreshold = def.Capture.FailureThreshold
	}
	if cfg.Cameras.Provider == "" {
		cfg.Cameras.Provider = "mock"
	}
	if cfg.GNSS.Provider == "" {
		cfg.GNSS.Provider = "mock"
	}
	if cfg.Sync.PollSeconds <= 0 {
		cfg.Sync.PollSeconds = def.Sync.PollSeconds
	}
	if cfg.Sync.MaxAttempts <= 0 {
		cfg.Sync.MaxAttempts = def.Sync.MaxAttempts
	}
	if cfg.Sync.BackoffBaseSeconds <= 0 {
		cfg.Sync.BackoffBaseSeconds = def.Sync.BackoffBaseSeconds
	}
	if cfg.Sync.BackoffCapSeconds <= 0 {
		cfg.Sync.BackoffCapSeconds = def.Sync.BackoffCapSeconds
	}
	if cfg.Sync.StallTimeoutMinutes <= 0 {
		cfg.Sync.StallTimeoutMinutes = def.Sync.StallTimeoutMinutes
	}
	if cfg.Sync.FailureThreshold <= 0 {
		cfg.Sync.FailureThreshold = def.Sync.FailureThreshold
	}
	if cfg.Sync.Backend == "" {
		cfg.Sync.Backend = def.Sync.Backend
	}
	if cfg.Sync.HTTP.TimeoutSeconds <= 0 {
		cfg.Sync.HTTP.TimeoutSeconds = def.Sync.HTTP.TimeoutSeconds
	}
	if cfg.Sync.Local.DestDir == "" {
		cfg.Sync.Local.DestDir = filepath.Join(cfg.HomeDir, "outbox")
	}
	if cfg.Probe.URL == "" {
		cfg.Probe.URL = def.Probe.URL
	}
	if cfg.Probe.FallbackAddr == "" {
		cfg.Probe.FallbackAddr = def.Probe.FallbackAddr
	}
	if cfg.Probe.TimeoutSeconds <= 0 {
		cfg.Probe.TimeoutSeconds = def.Probe.TimeoutSeconds
	}
	if cfg.Retention.GraceHours <= 0 {
		cfg.Retention.GraceHours = def.Retention.GraceHours
	}
	if cfg.Retention.CompactSchedule == "" {
		cfg.Retention.CompactSchedule = def.Retention.CompactSchedule
	}
}

func validate(cfg *Config) error {
	if cfg.Capture.JitterPct > 50 {
		return fmt.Errorf("capture.jitter_pct (%d) must be <= 50", cfg.Capture.JitterPct)
	}
	switch cfg.Sync.Backend {
	case "http":
		if cfg.Sync.HTTP.URL == "" {
			return fmt.Errorf("sync.backend is http but sync.http.url is empty")
		}
	case "local":
	default:
		return fmt.Errorf("unknown sync.backend %q (supported: http, local)", cfg.Sync.Backend)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("COMPANION_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("COMPANION_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("COMPANION_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Capture.IntervalMinutes = v
		}
	}
	if raw := os.Getenv("COMPANION_SYNC_POLL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.PollSeconds = v
		}
	}
	if raw := os.Getenv("COMPANION_SYNC_BACKEND"); raw != "" {
		cfg.Sync.Backend = raw
	}
	if raw := os.Getenv("COMPANION_UPLOAD_URL"); raw != "" {
		cfg.Sync.HTTP.URL = raw
	}
	if raw := os.Getenv("COMPANION_UPLOAD_TOKEN"); raw != "" {
		cfg.Sync.HTTP.AuthToken = raw
	}
	if raw := os.Getenv("COMPANION_PROBE_URL"); raw != "" {
		cfg.Probe.URL = raw
	}
}

// Fingerprint returns a stable hash of the tunables that change runtime
// behavior, for change detection on hot reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "interval=%d|jitter=%d|images=%d|poll=%d|backend=%s|attempts=%d|log=%s",
		c.Capture.IntervalMinutes, c.Capture.JitterPct, c.Capture.ImagesPerCycle,
		c.Sync.PollSeconds, c.Sync.Backend, c.Sync.MaxAttempts, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Redacted returns a copy safe for logging (auth token stripped).
func (c Config) Redacted() Config {
	out := c
	if out.Sync.HTTP.AuthToken != "" {
		out.Sync.HTTP.AuthToken = strings.Repeat("*", 8)
	}
	return out
}
