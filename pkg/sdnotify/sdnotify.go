// Package sdnotify reports daemon state to systemd when running under a
// Type=notify unit. Every call is a no-op outside systemd (no
// NOTIFY_SOCKET in the environment), so callers never need to branch.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready signals that startup has finished.
func Ready() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping signals that shutdown has begun.
func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Watchdog starts a keep-alive pinger when the unit has WatchdogSec set
// and returns a stop function. The returned function is safe to call when
// no watchdog is configured.
func Watchdog(ctx context.Context) (stop func()) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Ping at half the configured interval per the sd_watchdog(3)
		// recommendation.
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
