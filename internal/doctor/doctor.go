// Package doctor runs environment diagnostics for the goloom CLI.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/flow"
	"github.com/basket/go-loom/internal/journal"
	"github.com/basket/go-loom/internal/shared"
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
		checkEnvOverrides,
		checkHome,
		checkJobStore,
		checkJournal,
		checkBindAddr,
		checkDaemon,
		checkClock,
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
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkEnvOverrides(_ context.Context, _ *config.Config) CheckResult {
	var overrides []string
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "GOLOOM_") {
			continue
		}
		overrides = append(overrides, key+"="+shared.RedactEnvValue(key, value))
	}
	if len(overrides) == 0 {
		return CheckResult{Name: "Environment", Status: "PASS", Message: "No GOLOOM_* overrides set"}
	}
	sort.Strings(overrides)
	return CheckResult{
		Name:    "Environment",
		Status:  "PASS",
		Message: fmt.Sprintf("%d GOLOOM_* override(s) active", len(overrides)),
		Detail:  strings.Join(overrides, ", "),
	}
}

func checkHome(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Home", Status: "PASS", Message: "Home directory writable"}
}

func checkJobStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Job Store", Status: "SKIP", Message: "Config missing"}
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := flow.NewStore(cfg.Flow.StoreDir, quiet)
	if err != nil {
		return CheckResult{Name: "Job Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	jobs, err := store.List()
	if err != nil {
		return CheckResult{Name: "Job Store", Status: "FAIL", Message: fmt.Sprintf("Scan failed: %v", err)}
	}
	return CheckResult{
		Name:    "Job Store",
		Status:  "PASS",
		Message: fmt.Sprintf("%d job records in %s", len(jobs), cfg.Flow.StoreDir),
	}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Journal.Enabled != nil && !*cfg.Journal.Enabled {
		return CheckResult{Name: "Journal", Status: "SKIP", Message: "Journal disabled in config"}
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	j, err := journal.Open(filepath.Join(cfg.HomeDir, "journal.db"), nil, quiet)
	if err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer j.Close()
	count, err := j.Count(ctx)
	if err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Journal", Status: "PASS", Message: fmt.Sprintf("%d events recorded", count)}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Addr", Status: "SKIP", Message: "Config missing"}
	}
	host, port, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Addr",
			Status:  "FAIL",
			Message: fmt.Sprintf("bind_addr %q is not host:port: %v", cfg.BindAddr, err),
		}
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h != "127.0.0.1" && h != "localhost" && h != "::1" {
		return CheckResult{
			Name:    "Bind Addr",
			Status:  "WARN",
			Message: fmt.Sprintf("Non-loopback bind %s:%s", host, port),
			Detail:  "The gateway will be reachable from other hosts; make sure auth is enabled",
		}
	}
	return CheckResult{Name: "Bind Addr", Status: "PASS", Message: fmt.Sprintf("Loopback bind %s:%s", host, port)}
}

func checkDaemon(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "Config missing"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+cfg.BindAddr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: "FAIL", Message: fmt.Sprintf("Request build failed: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Daemon",
			Status:  "WARN",
			Message: "Daemon not reachable",
			Detail:  fmt.Sprintf("%v (is goloom -daemon running?)", err),
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Daemon", Status: "FAIL", Message: fmt.Sprintf("Daemon degraded: /healthz returned %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Daemon", Status: "PASS", Message: "Daemon healthy"}
}

// checkClock compares filesystem timestamps against the wall clock. A large
// gap breaks the reaper's staleness math, so it is worth surfacing.
func checkClock(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Clock", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".clock_test")
	if err := os.WriteFile(testFile, []byte("t"), 0o600); err != nil {
		return CheckResult{Name: "Clock", Status: "SKIP", Message: fmt.Sprintf("Cannot probe: %v", err)}
	}
	defer os.Remove(testFile)
	fi, err := os.Stat(testFile)
	if err != nil {
		return CheckResult{Name: "Clock", Status: "SKIP", Message: fmt.Sprintf("Cannot probe: %v", err)}
	}
	drift := time.Since(fi.ModTime())
	if drift < 0 {
		drift = -drift
	}
	if drift > 5*time.Minute {
		return CheckResult{
			Name:    "Clock",
			Status:  "WARN",
			Message: fmt.Sprintf("Filesystem time differs from wall clock by %s", drift.Truncate(time.Second)),
			Detail:  "Stale-job detection relies on comparable timestamps",
		}
	}
	return CheckResult{Name: "Clock", Status: "PASS", Message: "Filesystem and wall clock agree"}
}
