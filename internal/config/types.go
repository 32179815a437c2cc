package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Queue   QueueConfig   `json:"queue"`

	// Storage is the optional outcome journal. Omitted means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Timezone is used by load triggers with cron schedules.
	Timezone string `json:"timezone,omitempty"`

	// Load declares synthetic workloads that feed the queue on a schedule.
	Load []WorkloadConfig `json:"load,omitempty"`

	// Debug is the optional diagnostics HTTP server. Omitted means disabled.
	Debug *DebugConfig `json:"debug,omitempty"`
}

// DebugConfig controls the diagnostics server (status JSON and pprof).
//
// A non-loopback addr requires token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"` // default 30s; pprof profiles need more
}

// QueueConfig controls the job queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrency: 1000
//   - rate_limit: "unlimited"
//   - rate_window: "60s"
//   - rate_algorithm: "window"
//   - timeout: "12s" (use "0s" to disable)
//   - history_size: 200
type QueueConfig struct {
	MaxConcurrency int       `json:"max_concurrency,omitempty"`
	RateLimit      RateLimit `json:"rate_limit,omitempty"`
	RateWindow     string    `json:"rate_window,omitempty"`

	// RateAlgorithm is "window" (fixed window, bursts allowed) or "interval"
	// (dispatches spaced evenly across the window).
	RateAlgorithm string `json:"rate_algorithm,omitempty"`

	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// RateLimit is a dispatch count per window. It decodes from a number or the
// string "unlimited"; 0 (omitted) also means unlimited.
type RateLimit int

const unlimitedLiteral = "unlimited"

func (r RateLimit) Unlimited() bool { return r <= 0 }

func (r RateLimit) String() string {
	if r.Unlimited() {
		return unlimitedLiteral
	}
	return strconv.Itoa(int(r))
}

func (r RateLimit) MarshalJSON() ([]byte, error) {
	if r.Unlimited() {
		return json.Marshal(unlimitedLiteral)
	}
	return json.Marshal(int(r))
}

func (r *RateLimit) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, unlimitedLiteral) {
			*r = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("rate_limit: want a number or %q, got %q", unlimitedLiteral, s)
		}
		*r = RateLimit(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	*r = RateLimit(n)
	return nil
}

// StorageConfig controls the optional outcome journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobqueue.db", "max_rows": 10000 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxRows     int    `json:"max_rows,omitempty"`     // sqlite pruning; 0 keeps everything
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WorkloadConfig is one synthetic load source.
//
// Schedule accepts cron ("*/5 * * * * *"), descriptors ("@every 2s"), plain Go
// durations ("1500ms") or an "HH:MM" interval.
type WorkloadConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`

	// Enabled is a pointer so omitted means enabled.
	Enabled *bool `json:"enabled,omitempty"`

	// Batch is the number of jobs submitted per fire. Default: 1.
	Batch int `json:"batch,omitempty"`

	// Work is how long each job pretends to work, as a Go duration string.
	Work string `json:"work,omitempty"`

	// FailEvery makes every Nth job return an error. 0 never fails.
	FailEvery int `json:"fail_every,omitempty"`

	// Hang makes jobs ignore Work and block until canceled, so they hit the
	// queue timeout.
	Hang bool `json:"hang,omitempty"`
}

func (w WorkloadConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }
