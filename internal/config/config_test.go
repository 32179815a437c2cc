package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeJSONAndYAML(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "json",
			file: "config.json",
			body: `{"queue":{"max_concurrency":4,"rate_limit":10,"rate_window":"1s","timeout":"50ms"},
				"load":[{"name":"burst","schedule":"@every 1s","batch":3}]}`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			body: `
queue:
  max_concurrency: 4
  rate_limit: 10
  rate_window: 1s
  timeout: 50ms
load:
  - name: burst
    schedule: "@every 1s"
    batch: 3
`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.file, []byte(tt.body))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if cfg.Queue.MaxConcurrency != 4 || cfg.Queue.RateLimit != 10 {
				t.Fatalf("queue = %+v, want max 4 and rate 10", cfg.Queue)
			}
			if cfg.Queue.RateWindow != "1s" || cfg.Queue.Timeout != "50ms" {
				t.Fatalf("durations = %q/%q, want 1s/50ms", cfg.Queue.RateWindow, cfg.Queue.Timeout)
			}
			if len(cfg.Load) != 1 || cfg.Load[0].Batch != 3 || !cfg.Load[0].IsEnabled() {
				t.Fatalf("load = %+v, want one enabled workload with batch 3", cfg.Load)
			}
		})
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"queue":{"workers":2}}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
	if _, err := Decode("c.yaml", []byte("queue:\n  bogus: 1\n")); err == nil {
		t.Fatal("unknown yaml field accepted")
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yml", []byte("# nothing here\n"))
	if err != nil {
		t.Fatalf("Decode(empty yaml) = %v", err)
	}
	if cfg.Queue.MaxConcurrency != 0 {
		t.Fatalf("Queue = %+v, want zero", cfg.Queue)
	}
}

func TestRateLimitJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    RateLimit
		wantErr bool
	}{
		{raw: `5`, want: 5},
		{raw: `"unlimited"`, want: 0},
		{raw: `"UNLIMITED"`, want: 0},
		{raw: `"12"`, want: 12},
		{raw: `null`, want: 0},
		{raw: `-1`, want: -1},
		{raw: `"lots"`, wantErr: true},
		{raw: `1.5`, wantErr: true},
	}
	for _, tt := range tests {
		var got RateLimit
		err := json.Unmarshal([]byte(tt.raw), &got)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Unmarshal(%s) = %v, want error", tt.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Unmarshal(%s) = %d, want %d", tt.raw, got, tt.want)
		}
	}

	if got := RateLimit(-1).String(); got != "unlimited" {
		t.Fatalf("RateLimit(-1).String() = %q, want unlimited", got)
	}
	b, err := json.Marshal(RateLimit(0))
	if err != nil || string(b) != `"unlimited"` {
		t.Fatalf("Marshal(0) = %s, %v; want \"unlimited\"", b, err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero ok", cfg: Config{}},
		{name: "negative concurrency", cfg: Config{Queue: QueueConfig{MaxConcurrency: -1}}, wantErr: "queue.max_concurrency"},
		{name: "bad window", cfg: Config{Queue: QueueConfig{RateWindow: "soon"}}, wantErr: "queue.rate_window"},
		{name: "negative timeout", cfg: Config{Queue: QueueConfig{Timeout: "-1s"}}, wantErr: "queue.timeout"},
		{name: "bad algorithm", cfg: Config{Queue: QueueConfig{RateAlgorithm: "leaky"}}, wantErr: "queue.rate_algorithm"},
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, wantErr: "logging.level"},
		{name: "bad timezone", cfg: Config{Timezone: "Mars/Olympus"}, wantErr: "timezone"},
		{name: "bad driver", cfg: Config{Storage: &StorageConfig{Driver: "redis"}}, wantErr: "storage.driver"},
		{name: "workload without name", cfg: Config{Load: []WorkloadConfig{{Schedule: "1s"}}}, wantErr: "load[0].name"},
		{
			name:    "duplicate workload",
			cfg:     Config{Load: []WorkloadConfig{{Name: "a", Schedule: "1s"}, {Name: "a", Schedule: "2s"}}},
			wantErr: "duplicate",
		},
		{name: "bad work", cfg: Config{Load: []WorkloadConfig{{Name: "a", Schedule: "1s", Work: "x"}}}, wantErr: "load[0].work"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseOptionalDuration(t *testing.T) {
	t.Parallel()
	if _, set, err := ParseOptionalDuration("k", ""); set || err != nil {
		t.Fatalf("empty: set=%v err=%v, want unset", set, err)
	}
	d, set, err := ParseOptionalDuration("k", "0s")
	if !set || err != nil || d != 0 {
		t.Fatalf("0s: d=%v set=%v err=%v, want explicit zero", d, set, err)
	}
	if d, err := ParseDurationOrDefault("k", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, %v; want 3s", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Queue: QueueConfig{MaxConcurrency: 2},
		Load:  []WorkloadConfig{{Name: "a", Schedule: "1s"}, {Name: "b", Schedule: "1s"}},
	}
	newCfg := &Config{
		Queue:   QueueConfig{MaxConcurrency: 3},
		Storage: &StorageConfig{Driver: "file"},
		Load:    []WorkloadConfig{{Name: "a", Schedule: "1s"}, {Name: "c", Schedule: "1s"}},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got, want := strings.Join(sections, ","), "load,queue,storage"; got != want {
		t.Fatalf("sections = %q, want %q", got, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs for changed sections")
	}
	if got := diffWorkloads(oldCfg.Load, newCfg.Load); strings.Join(got, ",") != "b,c" {
		t.Fatalf("diffWorkloads = %v, want [b c]", got)
	}

	if sections, _ := SummarizeConfigChange(oldCfg, oldCfg); len(sections) != 0 {
		t.Fatalf("identical configs changed %v", sections)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobqueue.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  max_concurrency: 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MaxConcurrency != 2 || m.Get() != cfg {
		t.Fatalf("loaded %+v, want max_concurrency 2 committed", cfg.Queue)
	}

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory, then keep rewriting
	// until the change is observed.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-sub:
			if got.Queue.MaxConcurrency != 7 {
				t.Fatalf("reloaded max_concurrency = %d, want 7", got.Queue.MaxConcurrency)
			}
			if m.Get() != got {
				t.Fatal("published config was not committed")
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("queue:\n  max_concurrency: 7\n"), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestManagerRejectsInvalidReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	if err := os.WriteFile(path, []byte(`{"queue":{"max_concurrency":-5}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("Load accepted negative max_concurrency")
	}

	if err := os.WriteFile(path, []byte(`{"queue":{"max_concurrency":1}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return context.Canceled })
	sub := m.Subscribe(1)
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("config published despite validator rejection")
	default:
	}
	if m.Get() != nil {
		t.Fatal("rejected config was committed")
	}
}
