package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Level
	}{
		{raw: "debug", want: LevelDebug},
		{raw: " WARNING ", want: LevelWarn},
		{raw: "error", want: LevelError},
		{raw: "", want: LevelInfo},
		{raw: "nonsense", want: LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw, LevelInfo); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop() should not report IsZero")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "jobqueue"))
	l.Debug("job.timeout", Duration("limit", 50*time.Millisecond), Err(errors.New("boom")), Int("active", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if m["message"] != "job.timeout" {
		t.Fatalf("message = %v, want job.timeout", m["message"])
	}
	if m["comp"] != "jobqueue" {
		t.Fatalf("comp = %v, want jobqueue", m["comp"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v, want boom", m["err"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("caller field missing")
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	l.Error("shown")
	if !bytes.Contains(buf.Bytes(), []byte(`"message":"shown"`)) {
		t.Fatalf("error not written at warn level: %q", buf.String())
	}
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "app.log")
	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	derived := l.With(String("comp", "queue"))
	derived.Info("before")

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	derived.Info("after")
	derived.Error("kept")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "before") || !strings.Contains(out, "kept") {
		t.Fatalf("log file missing lines: %q", out)
	}
	if strings.Contains(out, "after") {
		t.Fatalf("info line written after level raised to error: %q", out)
	}
}
