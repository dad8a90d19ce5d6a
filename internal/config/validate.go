package config

import (
	"fmt"
	"strings"
)

// Validate checks field values that strict decoding cannot: enum-ish
// strings, duration syntax, and numeric ranges. It is used both at
// startup and as the Watch validator so a bad edit never replaces a good
// running config.
func (c *Config) Validate() error {
	if err := validateQueue("queues", &c.Queues); err != nil {
		return err
	}
	for key, ep := range c.Endpoints {
		if ep.Mode != "" && !validMode(ep.Mode) {
			return fmt.Errorf("endpoints.%s.mode: unknown mode %q", key, ep.Mode)
		}
		if ep.Queue != nil {
			if err := validateQueue("endpoints."+key+".queue", ep.Queue); err != nil {
				return err
			}
		}
	}

	if _, err := ParseDurationField("dispatch.default_timeout", c.Dispatch.DefaultTimeout); err != nil {
		return err
	}
	for key, rl := range c.Dispatch.RateLimits {
		if rl.PerSec < 0 {
			return fmt.Errorf("dispatch.rate_limits.%s.per_sec: must be >= 0", key)
		}
		if rl.Burst < 0 {
			return fmt.Errorf("dispatch.rate_limits.%s.burst: must be >= 0", key)
		}
	}

	if m := c.Metrics; m != nil {
		for _, f := range []struct{ path, raw string }{
			{"metrics.read_timeout", m.ReadTimeout},
			{"metrics.write_timeout", m.WriteTimeout},
			{"metrics.idle_timeout", m.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	if s := c.Storage; s != nil {
		switch strings.TrimSpace(s.Driver) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if h := c.History; h != nil && h.Size < 0 {
		return fmt.Errorf("history.size: must be >= 0")
	}
	return nil
}

func validateQueue(path string, q *QueueConfig) error {
	if q.Mode != "" && !validMode(q.Mode) {
		return fmt.Errorf("%s.mode: unknown mode %q", path, q.Mode)
	}
	switch strings.TrimSpace(q.Full) {
	case "", "wait", "drop":
	default:
		return fmt.Errorf("%s.full: must be \"wait\" or \"drop\"", path)
	}
	if q.Capacity < 0 {
		return fmt.Errorf("%s.capacity: must be >= 0", path)
	}
	if q.WindowSize < 0 {
		return fmt.Errorf("%s.window_size: must be >= 0", path)
	}
	if _, err := ParseDurationField(path+".default_timeout", q.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField(path+".drain_grace", q.DrainGrace); err != nil {
		return err
	}
	return nil
}

func validMode(m string) bool {
	switch strings.TrimSpace(m) {
	case "priority", "fifo":
		return true
	}
	return false
}
