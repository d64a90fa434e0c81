package chat

import (
	"context"
	"time"
)

// Janitor hard-deletes archived conversations once they are older than the
// retention period. A zero retention disables it.
type Janitor struct {
	d         Deps
	retention time.Duration
	interval  time.Duration
}

// NewJanitor constructs a Janitor. interval defaults to one hour.
func NewJanitor(d Deps, retention, interval time.Duration) (*Janitor, error) {
	d, err := d.normalize()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{d: d, retention: retention, interval: interval}, nil
}

// Enabled reports whether a retention period is configured.
func (j *Janitor) Enabled() bool { return j != nil && j.retention > 0 }

// Sweep runs one purge pass and returns the number of removed conversations.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	if !j.Enabled() {
		return 0, nil
	}
	cutoff := j.d.Now().Add(-j.retention)

	sctx, cancel := j.d.bounded(ctx)
	defer cancel()

	n, err := j.d.Store.PurgeArchived(sctx, cutoff)
	if err != nil {
		return 0, storeFailure("chat.PurgeArchived", err)
	}
	j.d.Metrics.Purged(n)
	if n > 0 {
		j.d.Logger.Info("chat.retention.purged", "conversations", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if !j.Enabled() {
		return
	}
	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.d.Logger.Warn("chat.retention.fail", "err", err)
			}
		}
	}
}
