package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks structural constraints that do not need other packages.
// Schedule syntax is checked by the caller (see internal/app).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	q := cfg.Queue
	if q.MaxConcurrency < 0 {
		add(fmt.Errorf("queue.max_concurrency must be >= 0"))
	}
	if q.HistorySize < 0 {
		add(fmt.Errorf("queue.history_size must be >= 0"))
	}
	_, err := ParseDurationField("queue.rate_window", q.RateWindow)
	add(err)
	_, err = ParseDurationField("queue.timeout", q.Timeout)
	add(err)
	if _, err := ParseRateAlgorithm(q.RateAlgorithm); err != nil {
		add(err)
	}

	switch lvl := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lvl {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("timezone: invalid %q: %w", tz, err))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		if s.MaxRows < 0 {
			add(fmt.Errorf("storage.max_rows must be >= 0"))
		}
	}

	if d := cfg.Debug; d != nil {
		_, err := ParseDurationField("debug.write_timeout", d.WriteTimeout)
		add(err)
	}

	seen := make(map[string]struct{}, len(cfg.Load))
	for i, w := range cfg.Load {
		key := fmt.Sprintf("load[%d]", i)
		name := strings.TrimSpace(w.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", key))
		} else if _, dup := seen[name]; dup {
			add(fmt.Errorf("%s.name: duplicate workload %q", key, name))
		} else {
			seen[name] = struct{}{}
		}
		if strings.TrimSpace(w.Schedule) == "" {
			add(fmt.Errorf("%s.schedule is required", key))
		}
		if w.Batch < 0 {
			add(fmt.Errorf("%s.batch must be >= 0", key))
		}
		if w.FailEvery < 0 {
			add(fmt.Errorf("%s.fail_every must be >= 0", key))
		}
		_, err := ParseDurationField(key+".work", w.Work)
		add(err)
	}

	return errors.Join(errs...)
}

// ParseRateAlgorithm normalizes queue.rate_algorithm. Empty means "window".
func ParseRateAlgorithm(raw string) (string, error) {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "", "window", "fixed_window", "fixed":
		return "window", nil
	case "interval", "spaced":
		return "interval", nil
	default:
		return "", fmt.Errorf("queue.rate_algorithm: unknown algorithm %q (want window or interval)", raw)
	}
}
