package sweep

import (
	"context"
	"time"

	"github.com/coursegate/accessbot/internal/config"
)

// guard fires a daily job at most once per local date, any time at or past
// its trigger. Catching up after a mid-day restart is deliberate: the sweep
// is idempotent and the notifier dedups on the delivered flag.
type guard struct {
	lastRun string
}

func (g *guard) due(now time.Time, trigger string) bool {
	today := now.Format("2006-01-02")
	if g.lastRun == today {
		return false
	}
	// "15:04" is zero-padded, so string order is clock order.
	if now.Format("15:04") < trigger {
		return false
	}
	g.lastRun = today
	return true
}

// StartDailyJobs drives the sweep and the notifier from one minute ticker.
// Each tick reads the current config snapshot, so a reload retimes both
// jobs at the next tick with no timer reprogramming. Both jobs run on this
// one goroutine: the sweep and the notifier can never overlap, and with
// dispatch_time validated to be after sweep_time the notifier always sees
// the day's evictions already enqueued.
func StartDailyJobs(ctx context.Context, cfg *config.Controller, sw *Sweeper, nf *Notifier) {
	go func() {
		var sweepGuard, notifyGuard guard
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rt := cfg.Current()
				now := time.Now().In(rt.Location())
				if sweepGuard.due(now, rt.SweepTime) {
					sw.Run(ctx)
				}
				if notifyGuard.due(now, rt.DispatchTime) {
					nf.Run(ctx)
				}
			}
		}
	}()
}
