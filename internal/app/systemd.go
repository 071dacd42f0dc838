package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pacebot/pkg/logx"
)

// sdNotifier reports service state to systemd. Outside a systemd unit
// (no NOTIFY_SOCKET) every call is a no-op.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
	notify  func(state string) (bool, error)
}

func newSDNotifier(enabled bool, log logx.Logger) *sdNotifier {
	return &sdNotifier{
		enabled: enabled,
		log:     log,
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *sdNotifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case !sent:
		n.log.Debug("sd_notify skipped; no notify socket", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Reloading() { n.send(daemon.SdNotifyReloading) }
func (n *sdNotifier) Stopping()  { n.send(daemon.SdNotifyStopping) }

// watchdogInterval returns half the unit's WatchdogSec, or 0 when the
// watchdog is not armed for this process.
func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// runWatchdog pings systemd every interval until ctx ends.
func (n *sdNotifier) runWatchdog(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
