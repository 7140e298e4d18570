// Package sdnotify reports daemon state to the service manager through the
// sd_notify protocol. Every call is a no-op when NOTIFY_SOCKET is unset.
package sdnotify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// watchdogInterval is swapped in tests.
var watchdogInterval = daemon.SdWatchdogEnabled

// Ready reports that startup finished.
func Ready() (bool, error) { return notify(false, daemon.SdNotifyReady) }

// Reloading reports that a config reload is in progress. Call Ready when done.
func Reloading() (bool, error) { return notify(false, daemon.SdNotifyReloading) }

// Stopping reports that shutdown began.
func Stopping() (bool, error) { return notify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	line := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " ")
	return notify(false, "STATUS="+line)
}

// Watchdog pings the service manager at half the configured watchdog
// interval until ctx is done. healthy gates each ping; a failing check skips
// the ping so the manager restarts a wedged process. It returns immediately
// when no watchdog is configured.
func Watchdog(ctx context.Context, healthy func() error) error {
	every, err := watchdogInterval(false)
	if err != nil {
		return fmt.Errorf("sdnotify: watchdog: %w", err)
	}
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && healthy() != nil {
				continue
			}
			if _, err := notify(false, daemon.SdNotifyWatchdog); err != nil {
				return fmt.Errorf("sdnotify: watchdog ping: %w", err)
			}
		}
	}
}
