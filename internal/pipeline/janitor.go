package pipeline

import (
	"context"
	"time"

	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/store"
)

// DefaultSweepInterval is how often the janitor runs.
const DefaultSweepInterval = time.Hour

// Janitor removes terminal jobs and query logs past the retention window.
type Janitor struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	logger    log.Logger
}

// NewJanitor creates a janitor keeping records for retentionDays.
func NewJanitor(st store.Store, retentionDays int, logger log.Logger) *Janitor {
	return &Janitor{
		store:     st,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  DefaultSweepInterval,
		logger:    logger,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled. An initial sweep
// runs immediately so restarts do not accumulate stale records.
func (jn *Janitor) Run(ctx context.Context) {
	jn.sweep(ctx)

	ticker := time.NewTicker(jn.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jn.sweep(ctx)
		}
	}
}

func (jn *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-jn.retention)
	removed, err := jn.store.SweepExpired(ctx, cutoff)
	if err != nil {
		jn.logger.Error("retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		jn.logger.Info("retention sweep", "removed", removed, "cutoff", cutoff)
	}
}
