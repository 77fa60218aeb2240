package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "planpal/internal/runtime/supervisor"
	logx "planpal/pkg/logx"
)

// sdNotifier speaks the systemd notify protocol. Outside a Type=notify unit
// NOTIFY_SOCKET is unset and every call is a no-op.
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
	// watchdog reports the WatchdogSec interval, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// Ready reports READY=1 and, when the unit has a watchdog, pings it at half
// the interval for as long as check passes.
func (n *sdNotifier) Ready(sup *rtsup.Supervisor, check func(ctx context.Context) error) {
	sent, err := n.notify(daemon.SdNotifyReady)
	if err != nil {
		n.log.Warn("sd_notify READY failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	n.log.Debug("sd_notify READY sent")

	interval, err := n.watchdog()
	if err != nil || interval <= 0 {
		return
	}
	sup.Go("systemd.watchdog", func(ctx context.Context) error {
		n.watchdogLoop(ctx, interval/2, check)
		return nil
	})
}

func (n *sdNotifier) watchdogLoop(ctx context.Context, every time.Duration, check func(ctx context.Context) error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if check != nil {
			cctx, cancel := context.WithTimeout(ctx, every/2)
			err := check(cctx)
			cancel()
			if err != nil {
				n.log.Warn("health check failed; skipping watchdog ping", logx.Err(err))
				continue
			}
		}
		if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
			n.log.Debug("sd_notify WATCHDOG failed", logx.Err(err))
		}
	}
}

func (n *sdNotifier) Stopping() {
	if _, err := n.notify(daemon.SdNotifyStopping); err != nil {
		n.log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}
}
