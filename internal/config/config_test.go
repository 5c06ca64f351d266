package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: /var/lib/cadence/cadence.db
  busy_timeout: 3s
telegram:
  token: "123:abc"
  poll_timeout: 10s
dispatch:
  concurrency: 4
  retry_max: 2
  rate_per_sec: 25
registry:
  resync_every: 5m
  page_size: 100
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "/var/lib/cadence/cadence.db" || cfg.Storage.BusyTimeout != "3s" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram: %+v", cfg.Telegram)
	}
	if cfg.Dispatch.Concurrency != 4 || cfg.Dispatch.RatePerSec != 25 {
		t.Fatalf("dispatch: %+v", cfg.Dispatch)
	}
	if cfg.Registry.ResyncEvery != "5m" || cfg.Registry.PageSize != 100 {
		t.Fatalf("registry: %+v", cfg.Registry)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"logging":{"level":"info"},"storage":{"path":"x.db"},"telegram":{"token":"t"}}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Path != "x.db" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
storage:
  path: x.db
  wal_mode: true
telegram:
  token: t
`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"storage":{"path":"x.db"}} {"extra": true}`))
	_, err := m.Parse()
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("want trailing data error, got %v", err)
	}
}

func TestLoadCommitsAndGetReturnsIt(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	a := &Config{}
	b := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(a)
	m.publish(b) // buffer full: a is dropped, b wins

	got := <-ch
	if got != b {
		t.Fatalf("want newest config, got %+v", got)
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel must be closed")
	}
	m.publish(a) // no panic after unsubscribe
}

func TestHashConfigDetectsChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}}
	if hashConfig(a) == hashConfig(b) {
		t.Fatal("distinct configs hash equal")
	}
	if hashConfig(a) != hashConfig(&Config{Logging: LoggingConfig{Level: "info"}}) {
		t.Fatal("equal configs hash differently")
	}
	if hashConfig(nil) != 0 {
		t.Fatal("nil config must hash to zero")
	}
}

func TestDurationFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 500ms ", want: 500 * time.Millisecond},
		{raw: "2m", want: 2 * time.Minute},
		{raw: "-1s", wantErr: true},
		{raw: "fast", wantErr: true},
	}
	for _, tc := range tests {
		got, err := OptionalDuration("x", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: want error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v err=%v", tc.raw, got, err)
		}
	}

	// An omitted or zero field selects the default; an explicit value wins.
	for _, raw := range []string{"", "0s"} {
		if d, err := Duration("x", raw, 15*time.Second); err != nil || d != 15*time.Second {
			t.Fatalf("default for %q: got %v err=%v", raw, d, err)
		}
	}
	if d, err := Duration("x", "3s", 15*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("explicit: got %v err=%v", d, err)
	}
	if _, err := Duration("x", "-2s", 15*time.Second); err == nil {
		t.Fatal("negative duration must not fall back to the default")
	}
}
