package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobsys/pkg/logx"
)

// notifier talks to the service manager. Outside systemd every call is a no-op.
type notifier interface {
	Notify(state string) (bool, error)
	WatchdogInterval() (time.Duration, error)
}

type sdNotifier struct{}

func (sdNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (sdNotifier) WatchdogInterval() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }

func (a *App) sdNotify(state string) {
	sent, err := a.notify.Notify(state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Trace("sd_notify", logx.String("state", state))
	}
}

// startNotify reports readiness and keeps the systemd watchdog fed while the app
// runs.
func (a *App) startNotify() {
	a.sdNotify(daemon.SdNotifyReady)
	a.notifyStatus()

	every, err := a.notify.WatchdogInterval()
	if err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				// A closed System stops feeding the watchdog.
				if a.sys.Snapshot().Closed {
					continue
				}
				a.sdNotify(daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) notifyStatus() {
	c := a.sys.Counters()
	a.sdNotify(fmt.Sprintf("STATUS=%d workers, %d submitted, %d retired", len(a.sys.Workers()), c.Submitted, c.Retired))
}

func (a *App) notifyStopping() {
	a.sdNotify(daemon.SdNotifyStopping)
}
