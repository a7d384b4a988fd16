package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/promptgate/pkg/ratelimit"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Cache.TTL != 7*24*time.Hour {
		t.Errorf("expected 168h TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Provider.Model != "claude-3-haiku-20240307" {
		t.Errorf("unexpected model %s", cfg.Provider.Model)
	}
	if cfg.Provider.MaxTokens != 4000 || cfg.Provider.Temperature != 0.7 {
		t.Errorf("unexpected provider params %d/%v", cfg.Provider.MaxTokens, cfg.Provider.Temperature)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestDefaultPoliciesOverrideCompletionLimit(t *testing.T) {
	p, err := Default().RateLimit.Policies()
	if err != nil {
		t.Fatal(err)
	}
	if got := p[ratelimit.CategoryExpensiveExternalCall].MaxRequests; got != CompletionLimit {
		t.Errorf("expected %d, got %d", CompletionLimit, got)
	}
	if got := p[ratelimit.CategoryStandardAPI].MaxRequests; got != 60 {
		t.Errorf("standard-api should keep 60, got %d", got)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-ant-test-123")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
provider:
  api_key: ${TEST_API_KEY}
  max_rps: 2.5
cache:
  backend: redis
  ttl: 30m
  normalize: true
redis:
  addr: "redis:6379"
rate_limit:
  backend: redis
  trust_forwarded: true
  overrides:
    read-api:
      window: 30s
      max_requests: 5
      message: "slow down"
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Provider.APIKey != "sk-ant-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "claude-3-haiku-20240307" {
		t.Errorf("default model lost: %s", cfg.Provider.Model)
	}
	if cfg.Provider.MaxRPS != 2.5 {
		t.Errorf("expected max_rps 2.5, got %v", cfg.Provider.MaxRPS)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
	if !cfg.Cache.Normalize || !cfg.Cache.Enabled {
		t.Error("expected normalize on and cache still enabled")
	}
	if !cfg.UsesRedis() {
		t.Error("expected redis to be in use")
	}

	p, err := cfg.RateLimit.Policies()
	if err != nil {
		t.Fatal(err)
	}
	read := p[ratelimit.CategoryReadAPI]
	if read.Window != 30*time.Second || read.MaxRequests != 5 || read.Message != "slow down" {
		t.Errorf("override not applied: %+v", read)
	}
	if got := p[ratelimit.CategoryExpensiveExternalCall].MaxRequests; got != CompletionLimit {
		t.Errorf("default override lost, got %d", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"cache backend":   "cache:\n  backend: mongo\n",
		"limiter backend": "rate_limit:\n  backend: etcd\n",
		"gc probability":  "rate_limit:\n  gc_probability: 2\n",
		"zero max":        "rate_limit:\n  overrides:\n    admin-api:\n      max_requests: 0\n",
		"unknown policy":  "rate_limit:\n  overrides:\n    games:\n      max_requests: 3\n",
		"bad yaml":        "listen: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	cfg.Cache.Backend = "nope"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "listen") || !strings.Contains(err.Error(), "cache.backend") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "promptgate.db" {
		t.Errorf("expected default db path, got %s", cfg.DBPath)
	}
}

func TestLoadMergesOverrideFields(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  overrides:
    expensive-external-call:
      message: "Slow down please"
    read-api:
      window: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p, err := cfg.RateLimit.Policies()
	if err != nil {
		t.Fatal(err)
	}

	exp := p[ratelimit.CategoryExpensiveExternalCall]
	if exp.MaxRequests != CompletionLimit {
		t.Errorf("completion ceiling should stay %d, got %d", CompletionLimit, exp.MaxRequests)
	}
	if exp.Message != "Slow down please" {
		t.Errorf("unexpected message %q", exp.Message)
	}
	if exp.Window != time.Minute {
		t.Errorf("window should keep 1m, got %v", exp.Window)
	}

	read := p[ratelimit.CategoryReadAPI]
	if read.Window != 30*time.Second || read.MaxRequests != 120 {
		t.Errorf("unexpected read-api policy %+v", read)
	}
}

func TestLoadReplacesCompletionLimit(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  overrides:
    expensive-external-call:
      max_requests: 25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p, err := cfg.RateLimit.Policies()
	if err != nil {
		t.Fatal(err)
	}
	if got := p[ratelimit.CategoryExpensiveExternalCall].MaxRequests; got != 25 {
		t.Errorf("expected 25, got %d", got)
	}
}
