package app

import (
	"fmt"
	"strings"
	"time"

	"jobqueue/internal/config"
	"jobqueue/internal/jobqueue"
	"jobqueue/internal/observability/diag"
	"jobqueue/internal/storage"
	"jobqueue/internal/trigger"
	logx "jobqueue/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapQueueConfig converts the queue section. An omitted timeout keeps the
// queue default; an explicit "0s" disables timeouts.
func mapQueueConfig(cfg *config.Config) (jobqueue.Config, error) {
	qc := cfg.Queue
	window, err := config.ParseDurationField("queue.rate_window", qc.RateWindow)
	if err != nil {
		return jobqueue.Config{}, err
	}
	timeout, set, err := config.ParseOptionalDuration("queue.timeout", qc.Timeout)
	if err != nil {
		return jobqueue.Config{}, err
	}
	if set && timeout == 0 {
		timeout = jobqueue.NoTimeout
	}
	alg, err := config.ParseRateAlgorithm(qc.RateAlgorithm)
	if err != nil {
		return jobqueue.Config{}, err
	}

	out := jobqueue.Config{
		MaxConcurrency: qc.MaxConcurrency,
		RateLimit:      int(qc.RateLimit),
		RateWindow:     window,
		RateAlgorithm:  jobqueue.RateFixedWindow,
		Timeout:        timeout,
		HistorySize:    qc.HistorySize,
	}
	if qc.RateLimit.Unlimited() {
		out.RateLimit = jobqueue.Unlimited
	}
	if alg == "interval" {
		out.RateAlgorithm = jobqueue.RateInterval
	}
	return out, nil
}

// mapStorageConfig reports enabled=false for a missing section or driver "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, MaxRows: sc.MaxRows}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (diag.Config, error) {
	if cfg == nil || cfg.Debug == nil {
		return diag.Config{}, nil
	}
	d := cfg.Debug
	wt, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		WriteTimeout:  wt,
	}, nil
}

// mapWorkloads keeps enabled workloads only.
func mapWorkloads(cfg *config.Config) ([]trigger.Workload, error) {
	out := make([]trigger.Workload, 0, len(cfg.Load))
	for i, w := range cfg.Load {
		if !w.IsEnabled() {
			continue
		}
		work, err := config.ParseDurationField(fmt.Sprintf("load[%d].work", i), w.Work)
		if err != nil {
			return nil, err
		}
		out = append(out, trigger.Workload{
			Name:      w.Name,
			Schedule:  w.Schedule,
			Batch:     w.Batch,
			Work:      work,
			FailEvery: w.FailEvery,
			Hang:      w.Hang,
		})
	}
	return out, nil
}

// validate covers what config.Validate cannot check without importing the
// packages the values are handed to.
func validate(cfg *config.Config) error {
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	for i, w := range cfg.Load {
		if _, err := trigger.ParseSchedule(w.Schedule); err != nil {
			return fmt.Errorf("load[%d].schedule: %w", i, err)
		}
	}
	return nil
}
