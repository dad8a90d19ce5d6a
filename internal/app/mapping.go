package app

import (
	"fmt"
	"time"

	"endpointq/internal/config"
	"endpointq/internal/dispatch"
	"endpointq/internal/history"
	"endpointq/internal/metrics"
	"endpointq/internal/queue"
	"endpointq/internal/registry"
	"endpointq/internal/storage"
	"endpointq/pkg/logx"
)

// Translation between the on-disk config shapes and the typed configs the
// components consume. Duration strings are parsed here so components only
// ever see time.Duration.

func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func mapMode(path, raw string) (registry.Mode, error) {
	switch raw {
	case "", string(registry.ModePriority):
		return registry.ModePriority, nil
	case string(registry.ModeFIFO):
		return registry.ModeFIFO, nil
	default:
		return "", fmt.Errorf("%s: unknown mode %q (want %q or %q)", path, raw, registry.ModePriority, registry.ModeFIFO)
	}
}

func mapQueueConfig(path string, qc config.QueueConfig) (queue.Config, error) {
	out := queue.Config{
		Capacity:        qc.Capacity,
		Unbounded:       qc.Unbounded,
		DefaultPriority: qc.DefaultPriority,
		WindowSize:      qc.WindowSize,
	}

	switch qc.Full {
	case "", "wait":
		out.Full = queue.FullWait
	case "drop":
		out.Full = queue.FullDrop
	default:
		return queue.Config{}, fmt.Errorf("%s.full: unknown value %q (want \"wait\" or \"drop\")", path, qc.Full)
	}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault(path+".default_timeout", qc.DefaultTimeout, 0); err != nil {
		return queue.Config{}, err
	}
	if out.DrainGrace, err = config.ParseDurationOrDefault(path+".drain_grace", qc.DrainGrace, 0); err != nil {
		return queue.Config{}, err
	}
	return out, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	if cfg == nil {
		return registry.Config{}, nil
	}

	mode, err := mapMode("queues.mode", cfg.Queues.Mode)
	if err != nil {
		return registry.Config{}, err
	}
	base, err := mapQueueConfig("queues", cfg.Queues)
	if err != nil {
		return registry.Config{}, err
	}

	out := registry.Config{Mode: mode, Queue: base}
	if len(cfg.Endpoints) > 0 {
		out.Overrides = make(map[string]registry.Override, len(cfg.Endpoints))
		for key, ep := range cfg.Endpoints {
			path := "endpoints." + key
			m, err := mapMode(path+".mode", ep.Mode)
			if err != nil {
				return registry.Config{}, err
			}
			ov := registry.Override{Mode: m}
			if ep.Queue != nil {
				q, err := mapQueueConfig(path+".queue", *ep.Queue)
				if err != nil {
					return registry.Config{}, err
				}
				ov.Queue = &q
			}
			out.Overrides[key] = ov
		}
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	if cfg == nil {
		return dispatch.Config{}, nil
	}

	out := dispatch.Config{DefaultPriority: cfg.Dispatch.DefaultPriority}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("dispatch.default_timeout", cfg.Dispatch.DefaultTimeout, 0); err != nil {
		return dispatch.Config{}, err
	}

	if len(cfg.Dispatch.RateLimits) > 0 {
		out.RateLimits = make(map[string]dispatch.RateLimit, len(cfg.Dispatch.RateLimits))
		for key, rl := range cfg.Dispatch.RateLimits {
			out.RateLimits[key] = dispatch.RateLimit{PerSec: rl.PerSec, Burst: rl.Burst}
		}
	}
	return out, nil
}

func mapMetricsConfig(mc *config.MetricsConfig) (metrics.Config, error) {
	if mc == nil {
		return metrics.Config{}, nil
	}

	out := metrics.Config{
		Enabled:       mc.Enabled,
		Addr:          mc.Addr,
		Token:         mc.Token,
		AllowInsecure: mc.AllowInsecure,
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 5*time.Second); err != nil {
		return metrics.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("metrics.write_timeout", mc.WriteTimeout, 10*time.Second); err != nil {
		return metrics.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, 60*time.Second); err != nil {
		return metrics.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{}, nil
	}

	out := storage.Config{Driver: sc.Driver, Path: sc.Path}

	var err error
	if out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0); err != nil {
		return storage.Config{}, err
	}
	return out, nil
}

// mapHistoryConfig returns the ring config and whether recording is on.
// An absent history section keeps the default-sized ring enabled; it only
// costs memory when records actually arrive.
func mapHistoryConfig(hc *config.HistoryConfig) (history.Config, bool) {
	if hc == nil {
		return history.Config{}, true
	}
	return history.Config{Size: hc.Size}, hc.Enabled
}

func snapshotSchedule(sc *config.SnapshotConfig) (string, bool) {
	if sc == nil || !sc.Enabled {
		return "", false
	}
	return sc.Schedule, true
}
