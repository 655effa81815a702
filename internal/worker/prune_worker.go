// Package worker runs periodic maintenance in the daemon.
package worker

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/store"
)

var logger = loggo.GetLogger("livefeed.worker")

// PruneWorker drops change history that has outlived the checkpoint
// validity window.
type PruneWorker struct {
	st       store.Store
	clock    clock.Clock
	interval time.Duration
	validity time.Duration
}

func NewPruneWorker(st store.Store, clk clock.Clock, interval, validity time.Duration) *PruneWorker {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PruneWorker{st: st, clock: clk, interval: interval, validity: validity}
}

func (w *PruneWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.interval):
		}
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Warningf("prune: %v", err)
		}
	}
}

// RunOnce prunes once and returns the number of change rows removed.
func (w *PruneWorker) RunOnce(ctx context.Context) (int64, error) {
	cutoff := w.clock.Now().Add(-w.validity)
	n, err := w.st.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Infof("pruned %d change(s) older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
