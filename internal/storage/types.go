package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines at <path without ext>.outcomes.jsonl
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRows     int           // sqlite only; 0 keeps everything
}

// OutcomeRecord is one settled job. Keep it compact and schema-stable.
type OutcomeRecord struct {
	At      time.Time `json:"at"`
	JobID   string    `json:"job_id"`
	Name    string    `json:"name,omitempty"`
	Outcome string    `json:"outcome"`
	QueueMS int64     `json:"queue_ms"`
	ExecMS  int64     `json:"exec_ms"`
	Error   string    `json:"error,omitempty"`
}
