package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// shield the test from the host environment
	for _, key := range []string{
		"SPORTS_BASE_URL", "CONFIG_ROOT", "DATA_DIR", "HTTP_TIMEOUT",
		"KEEPALIVE_INTERVAL", "MONITOR_INTERVAL", "CREDENTIAL_TTL",
		"FAILURE_KEYWORDS", "RATE_LIMIT_KEYWORDS", "ENV", "METRICS_ENABLED",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.BaseURL != "https://sports.sjtu.edu.cn" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Fatalf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if cfg.KeepAliveInterval != 15*time.Minute || cfg.MonitorInterval != 30*time.Second {
		t.Fatalf("intervals = %v / %v", cfg.KeepAliveInterval, cfg.MonitorInterval)
	}
	if cfg.CredentialTTL != 4*time.Hour {
		t.Fatalf("CredentialTTL = %v", cfg.CredentialTTL)
	}
	if len(cfg.FailureKeywords) == 0 || len(cfg.RateLimitKeywords) == 0 {
		t.Fatal("default keyword sets empty")
	}
	if !cfg.MetricsEnabled || cfg.MetricsPath != "/metrics" {
		t.Fatalf("metrics defaults wrong: %v %q", cfg.MetricsEnabled, cfg.MetricsPath)
	}
	if cfg.Env != "development" || !cfg.ProfilingEnabled {
		t.Fatalf("env defaults wrong: %q profiling=%v", cfg.Env, cfg.ProfilingEnabled)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SPORTS_BASE_URL", "https://sports.example.edu/")
	t.Setenv("FAILURE_KEYWORDS", "已满, 维护 ,")
	t.Setenv("ENV", "Production")
	t.Setenv("PROFILING_ENABLED", "")
	t.Setenv("MONITOR_INTERVAL", "5s")

	cfg := Load()
	if cfg.BaseURL != "https://sports.example.edu" {
		t.Fatalf("trailing slash kept: %q", cfg.BaseURL)
	}
	if len(cfg.FailureKeywords) != 2 || cfg.FailureKeywords[1] != "维护" {
		t.Fatalf("keyword list parsing: %v", cfg.FailureKeywords)
	}
	if cfg.Env != "production" {
		t.Fatalf("Env = %q, want lowercased", cfg.Env)
	}
	// profiling defaults off outside development/staging
	if cfg.ProfilingEnabled {
		t.Fatal("profiling enabled in production by default")
	}
	if cfg.MonitorInterval != 5*time.Second {
		t.Fatalf("MonitorInterval = %v", cfg.MonitorInterval)
	}
}

func TestJobsPaths(t *testing.T) {
	cfg := &Config{DataDir: filepath.Join("/tmp", "agent")}
	if cfg.JobsDir() != filepath.Join("/tmp", "agent", "jobs") {
		t.Fatalf("JobsDir = %q", cfg.JobsDir())
	}
	if cfg.JobsFile() != filepath.Join(cfg.JobsDir(), "jobs.json") {
		t.Fatalf("JobsFile = %q", cfg.JobsFile())
	}
}

func TestSplitList(t *testing.T) {
	fallback := []string{"a"}
	if got := splitList("", fallback); len(got) != 1 || got[0] != "a" {
		t.Fatalf("empty input: %v", got)
	}
	if got := splitList(" , ,", fallback); len(got) != 1 || got[0] != "a" {
		t.Fatalf("blank entries: %v", got)
	}
	if got := splitList("x, y", nil); len(got) != 2 || got[1] != "y" {
		t.Fatalf("parsing: %v", got)
	}
}
