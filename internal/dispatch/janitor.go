package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type Pruner interface {
	Prune(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
}

// Janitor drops finished jobs: completed ones shortly after, failed ones after a
// longer inspection period.
type Janitor struct {
	Store         Pruner
	KeepCompleted time.Duration
	KeepFailed    time.Duration
	Now           func() time.Time
}

func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	if j.Now != nil {
		now = j.Now()
	}
	keepCompleted := j.KeepCompleted
	if keepCompleted <= 0 {
		keepCompleted = time.Hour
	}
	keepFailed := j.KeepFailed
	if keepFailed <= 0 {
		keepFailed = 7 * 24 * time.Hour
	}

	n, err := j.Store.Prune(ctx, now.Add(-keepCompleted), now.Add(-keepFailed))
	if err != nil {
		slog.Error("dispatch prune failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("dispatch prune", "removed", n)
	}
}

// Schedule registers the janitor on a cron schedule (e.g. "@every 1m") and starts it.
// Stop the returned cron on shutdown.
func (j *Janitor) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { j.RunOnce(ctx) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
