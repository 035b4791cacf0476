package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvPrefix+"CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.LLM.Timeout != 90*time.Second {
		t.Fatalf("expected 90s llm timeout, got %v", cfg.LLM.Timeout)
	}
	if cfg.Chaos.MaxConcurrentFaults != 3 || cfg.Detector.MaxConcurrentFixes != 2 {
		t.Fatalf("unexpected concurrency defaults: %+v %+v", cfg.Chaos, cfg.Detector)
	}
	if !cfg.Scheduler.UseVolumeTrigger || cfg.Scheduler.TransactionThreshold != 1000 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chaos.yaml")
	body := `
scheduler:
  interval: 10s
  warmup: 0s
  targets: [PaymentService, CheckoutService]
detector:
  max_concurrent_fixes: 4
memory:
  backend: sqlite
  sqlite_path: ` + filepath.Join(dir, "history.db") + `
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvPrefix+"DETECTOR_POLL_INTERVAL", "5s")
	t.Setenv(EnvPrefix+"LLM_API_KEY", "sk-test")
	t.Setenv(EnvPrefix+"UNRELATED", "ignored")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 10*time.Second || cfg.Scheduler.Warmup != 0 {
		t.Fatalf("file values not applied: %+v", cfg.Scheduler)
	}
	if len(cfg.Scheduler.Targets) != 2 || cfg.Scheduler.Targets[0] != "PaymentService" {
		t.Fatalf("unexpected targets: %v", cfg.Scheduler.Targets)
	}
	if cfg.Detector.MaxConcurrentFixes != 4 || cfg.Detector.PollInterval != 5*time.Second {
		t.Fatalf("unexpected detector config: %+v", cfg.Detector)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("env override not applied")
	}
	if cfg.Redacted().LLM.APIKey != "****" || cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("redaction must not mutate the original")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("chaos:\n  max_concurrent_faults: 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestWatcherNotifiesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chaos.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  interval: 1m\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	w := NewWatcher(path, cfg, 10*time.Millisecond, nil)
	got := make(chan *Config, 1)
	w.OnChange(func(c *Config) {
		select {
		case got <- c:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte("scheduler:\n  interval: 2m\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case c := <-got:
		if c.Scheduler.Interval != 2*time.Minute {
			t.Fatalf("expected reloaded interval, got %v", c.Scheduler.Interval)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not report change")
	}
	if w.Current().Scheduler.Interval != 2*time.Minute {
		t.Fatalf("current config not swapped")
	}
	cancel()
	<-w.Done()
}
