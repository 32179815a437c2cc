package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobqueue/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and
// structured attrs describing their new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		q := newCfg.Queue
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_concurrency", q.MaxConcurrency),
			logx.String("queue.rate_limit", q.RateLimit.String()),
			logx.String("queue.rate_window", strings.TrimSpace(q.RateWindow)),
			logx.String("queue.rate_algorithm", strings.TrimSpace(q.RateAlgorithm)),
			logx.String("queue.timeout", strings.TrimSpace(q.Timeout)),
			logx.Int("queue.history_size", q.HistorySize),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Int("storage.max_rows", newS.MaxRows),
		)
	}

	var oldD, newD DebugConfig
	if oldCfg.Debug != nil {
		oldD = *oldCfg.Debug
	}
	if newCfg.Debug != nil {
		newD = *newCfg.Debug
	}
	if oldD != newD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newD.Addr)),
			logx.Bool("debug.token_set", newD.Token != ""),
			logx.Bool("debug.pprof", newD.Pprof),
		)
	}

	if names := diffWorkloads(oldCfg.Load, newCfg.Load); len(names) > 0 {
		changed = append(changed, "load")
		attrs = append(attrs,
			logx.Int("load.changed_count", len(names)),
			logx.String("load.changed", strings.Join(names, ",")),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffWorkloads returns the sorted names of workloads that were added,
// removed or modified.
func diffWorkloads(oldW, newW []WorkloadConfig) []string {
	index := func(ws []WorkloadConfig) map[string]WorkloadConfig {
		m := make(map[string]WorkloadConfig, len(ws))
		for _, w := range ws {
			m[strings.TrimSpace(w.Name)] = w
		}
		return m
	}
	om, nm := index(oldW), index(newW)

	var out []string
	for name, o := range om {
		n, ok := nm[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
