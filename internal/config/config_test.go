package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./data/taskpulse.db
  prune_after: 168h
scheduler:
  workers: 4
  retry_base: 500ms
publisher:
  rate_per_sec: 50
fanout:
  heartbeat_interval: 30s
reminders:
  fire_past_due: true
http:
  enabled: true
  addr: 127.0.0.1:8750
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.RetryBase != "500ms" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Reminders.FirePastDue {
		t.Fatal("reminders.fire_past_due not decoded")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML+"\nsurprise: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key must be rejected")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{name: "empty falls back", raw: "", def: 30 * time.Second, want: 30 * time.Second},
		{name: "zero falls back", raw: "0s", def: time.Minute, want: time.Minute},
		{name: "explicit value wins", raw: "45s", def: time.Minute, want: 45 * time.Second},
		{name: "garbage rejected", raw: "soon", wantErr: true},
		{name: "negative rejected", raw: "-1s", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDurationOrDefault("test.field", tc.raw, tc.def)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationOrDefault(%q) = %v, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationOrDefault(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestValidateRejectsSingleSlotFanoutQueue(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Storage.Path = "x.db"
	cfg.Fanout.QueueSize = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("fanout.queue_size = 1 must fail validation")
	}
	cfg.Fanout.QueueSize = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fanout.queue_size = 2 should pass: %v", err)
	}
}

func TestValidateCatchesBadDurations(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Storage.Path = "x.db"
	cfg.Fanout.HeartbeatInterval = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("bad duration must fail validation")
	}

	cfg.Fanout.HeartbeatInterval = "30s"
	cfg.Storage.Path = " "
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing storage path must fail validation")
	}
}
