// Package doctor runs field diagnostics: config, database, spool,
// connectivity and provider checks, reportable as text or JSON.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/outfield/companion/internal/config"
	"github.com/outfield/companion/internal/netcheck"
	"github.com/outfield/companion/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkSpool,
		checkProviders,
		checkUploadBackend,
		checkConnectivity,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing, running on defaults",
			Detail:  fmt.Sprintf("Expected at %s", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := filepath.Join(cfg.DataDir, "records.db")
	st, err := store.Open(dbPath, "", store.Options{}, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Cannot open record database", Detail: err.Error()}
	}
	defer st.Close()

	var integrity string
	if err := st.DB().QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&integrity); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Integrity check failed to run", Detail: err.Error()}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Integrity check reported corruption", Detail: integrity}
	}
	counts, err := st.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Cannot read record counts", Detail: err.Error()}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Database", Status: "PASS",
		Message: fmt.Sprintf("Open and intact (%d records, %d awaiting delivery)",
			total, counts[store.StatePending]+counts[store.StateFailed]+counts[store.StateUploading])}
}

func checkSpool(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Spool", Status: "SKIP", Message: "Config missing"}
	}
	spoolDir := filepath.Join(cfg.DataDir, "spool")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return CheckResult{Name: "Spool", Status: "FAIL", Message: "Cannot create spool directory", Detail: err.Error()}
	}
	probe := filepath.Join(spoolDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "Spool", Status: "FAIL", Message: "Spool directory not writable", Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Spool", Status: "PASS", Message: fmt.Sprintf("Writable at %s", spoolDir)}
}

func checkProviders(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Providers", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Cameras.Provider == "mock" && len(cfg.Cameras.MockFiles) == 0 {
		return CheckResult{
			Name:    "Providers",
			Status:  "WARN",
			Message: "Mock camera selected with no mock_files configured",
			Detail:  "Every capture cycle will be discarded with zero images",
		}
	}
	if cfg.Cameras.Provider == "mock" {
		for name, path := range cfg.Cameras.MockFiles {
			if _, err := os.Stat(path); err != nil {
				return CheckResult{
					Name:    "Providers",
					Status:  "FAIL",
					Message: fmt.Sprintf("Mock camera %q source image missing", name),
					Detail:  path,
				}
			}
		}
	}
	return CheckResult{Name: "Providers", Status: "PASS",
		Message: fmt.Sprintf("camera=%s gnss=%s", cfg.Cameras.Provider, cfg.GNSS.Provider)}
}

func checkUploadBackend(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Upload", Status: "SKIP", Message: "Config missing"}
	}
	switch cfg.Sync.Backend {
	case "http":
		if cfg.Sync.HTTP.AuthToken == "" {
			return CheckResult{Name: "Upload", Status: "WARN",
				Message: "HTTP backend configured without auth token",
				Detail:  cfg.Sync.HTTP.URL}
		}
		return CheckResult{Name: "Upload", Status: "PASS", Message: fmt.Sprintf("http -> %s", cfg.Sync.HTTP.URL)}
	case "local":
		return CheckResult{Name: "Upload", Status: "PASS", Message: fmt.Sprintf("local -> %s", cfg.Sync.Local.DestDir)}
	default:
		return CheckResult{Name: "Upload", Status: "FAIL", Message: fmt.Sprintf("Unknown backend %q", cfg.Sync.Backend)}
	}
}

func checkConnectivity(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Connectivity", Status: "SKIP", Message: "Config missing"}
	}
	prober := netcheck.NewProber(cfg.Probe.URL, cfg.Probe.FallbackAddr, cfg.Probe.Timeout())
	if prober.Online(ctx) {
		return CheckResult{Name: "Connectivity", Status: "PASS", Message: "Network usable"}
	}
	// Offline is the expected state for most of this daemon's life.
	return CheckResult{Name: "Connectivity", Status: "WARN",
		Message: "Network unusable; uploads will wait",
		Detail:  fmt.Sprintf("probe=%s fallback=%s", cfg.Probe.URL, cfg.Probe.FallbackAddr)}
}
