package config

// Config is the daemon's root configuration. It decodes strictly: unknown
// fields are rejected so typos surface at startup instead of silently
// doing nothing.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Dispatch controls facade-level defaults and per-endpoint rate limits.
	Dispatch DispatchConfig `json:"dispatch,omitempty"`

	// Queues is the base processor configuration applied to every
	// endpoint key that has no override under Endpoints.
	Queues QueueConfig `json:"queues,omitempty"`

	// Endpoints overrides queue settings for specific endpoint keys.
	Endpoints map[string]EndpointConfig `json:"endpoints,omitempty"`

	Metrics  *MetricsConfig  `json:"metrics,omitempty"`
	Snapshot *SnapshotConfig `json:"snapshot,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	// History controls the in-memory ring of completed task records.
	History *HistoryConfig `json:"history,omitempty"`
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

// DispatchConfig controls the submission facade.
type DispatchConfig struct {
	// DefaultPriority applies to submissions that carry no explicit
	// priority. 0 means normal.
	DefaultPriority int `json:"default_priority,omitempty"`

	// DefaultTimeout is a Go duration string. "0s" or omitted disables
	// the facade-level default; per-submission timeouts still apply.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// RateLimits throttles submissions per endpoint key. Keys without an
	// entry are not throttled.
	RateLimits map[string]RateLimitConfig `json:"rate_limits,omitempty"`
}

type RateLimitConfig struct {
	PerSec float64 `json:"per_sec"`
	Burst  int     `json:"burst,omitempty"`
}

// QueueConfig is the per-endpoint processor configuration.
//
// Defaults (when fields are omitted/zero):
//   - mode: "priority"
//   - capacity: 256
//   - full: "wait"
//   - window_size: 50
//   - drain_grace: "5s"
type QueueConfig struct {
	// Mode is "priority" or "fifo".
	Mode string `json:"mode,omitempty"`

	Capacity  int  `json:"capacity,omitempty"`
	Unbounded bool `json:"unbounded,omitempty"`

	// Full is "wait" (block the submitter) or "drop" (fail fast).
	Full string `json:"full,omitempty"`

	DefaultPriority int `json:"default_priority,omitempty"`

	// DefaultTimeout is a Go duration string applied to tasks submitted
	// without one. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// WindowSize bounds the rolling average of processing durations.
	WindowSize int `json:"window_size,omitempty"`

	// DrainGrace bounds how long Close waits for the in-flight task.
	DrainGrace string `json:"drain_grace,omitempty"`
}

// EndpointConfig overrides the base queue settings for one key. A nil
// Queue keeps the base settings and only switches mode.
type EndpointConfig struct {
	Mode  string       `json:"mode,omitempty"`
	Queue *QueueConfig `json:"queue,omitempty"`
}

// MetricsConfig controls the HTTP introspection server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SnapshotConfig controls periodic persistence of queue statistics.
type SnapshotConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron spec (e.g. "@every 1m", "*/5 * * * *").
	Schedule string `json:"schedule,omitempty"` // default: "@every 1m"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./endpointq_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HistoryConfig controls the completed-task record keeper.
type HistoryConfig struct {
	Enabled bool `json:"enabled"`
	Size    int  `json:"size,omitempty"` // default: 200
}
