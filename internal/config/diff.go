package config

import (
	"reflect"
	"sort"
	"strings"

	logx "endpointq/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Dispatch (facade defaults + rate limits)
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.default_priority", newCfg.Dispatch.DefaultPriority),
			logx.String("dispatch.default_timeout", strings.TrimSpace(newCfg.Dispatch.DefaultTimeout)),
			logx.Int("dispatch.rate_limit_count", len(newCfg.Dispatch.RateLimits)),
		)
	}

	// Queues (base processor settings). Existing queues keep their
	// settings; this only affects endpoints seen after the reload.
	if !reflect.DeepEqual(oldCfg.Queues, newCfg.Queues) {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.String("queues.mode", strings.TrimSpace(newCfg.Queues.Mode)),
			logx.Int("queues.capacity", newCfg.Queues.Capacity),
			logx.Bool("queues.unbounded", newCfg.Queues.Unbounded),
			logx.String("queues.full", strings.TrimSpace(newCfg.Queues.Full)),
		)
	}

	// Endpoint overrides
	if eps := diffEndpoints(oldCfg.Endpoints, newCfg.Endpoints); len(eps) > 0 {
		changed = append(changed, "endpoints")
		attrs = append(attrs,
			logx.Int("endpoints.changed_count", len(eps)),
			logx.Int("endpoints.total", len(newCfg.Endpoints)),
		)
	}

	// Metrics server (never log token)
	oM := derefMetrics(oldCfg.Metrics)
	nM := derefMetrics(newCfg.Metrics)
	if (oldCfg.Metrics != nil) != (newCfg.Metrics != nil) || !metricsEqualSansToken(oM, nM) ||
		(strings.TrimSpace(oM.Token) != "") != (strings.TrimSpace(nM.Token) != "") {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nM.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nM.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(nM.Token) != ""),
			logx.Bool("metrics.allow_insecure", nM.AllowInsecure),
		)
	}

	// Snapshot flusher
	oSn := derefSnapshot(oldCfg.Snapshot)
	nSn := derefSnapshot(newCfg.Snapshot)
	if (oldCfg.Snapshot != nil) != (newCfg.Snapshot != nil) || oSn != nSn {
		changed = append(changed, "snapshot")
		attrs = append(attrs,
			logx.Bool("snapshot.enabled", nSn.Enabled),
			logx.String("snapshot.schedule", strings.TrimSpace(nSn.Schedule)),
		)
	}

	// Storage (nil means disabled)
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// History ring
	oH := derefHistory(oldCfg.History)
	nH := derefHistory(newCfg.History)
	if (oldCfg.History != nil) != (newCfg.History != nil) || oH != nH {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.Bool("history.enabled", nH.Enabled),
			logx.Int("history.size", nH.Size),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefMetrics(m *MetricsConfig) MetricsConfig {
	if m == nil {
		return MetricsConfig{}
	}
	return *m
}

func metricsEqualSansToken(a, b MetricsConfig) bool {
	a.Token, b.Token = "", ""
	return a == b
}

func derefSnapshot(s *SnapshotConfig) SnapshotConfig {
	if s == nil {
		return SnapshotConfig{}
	}
	return *s
}

func derefHistory(h *HistoryConfig) HistoryConfig {
	if h == nil {
		return HistoryConfig{}
	}
	return *h
}

func diffEndpoints(oldM, newM map[string]EndpointConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for key := range set {
		o, oOK := oldM[key]
		n, nOK := newM[key]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
