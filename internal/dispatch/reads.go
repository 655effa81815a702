package dispatch

import (
	"context"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/live"
)

// Reads returns the Resource Store as seen by the transports. A changes read
// the store refuses as expired is remembered, so the next registration from
// that cursor restarts without another round trip.
func (d *Dispatcher) Reads() live.ResourceStore {
	if d.store == nil {
		return nil
	}
	return trackedReads{d: d}
}

type trackedReads struct {
	d *Dispatcher
}

func (r trackedReads) GetCurrent(ctx context.Context, uri string) (live.Snapshot, error) {
	return r.d.store.GetCurrent(ctx, uri)
}

func (r trackedReads) ChangesSince(ctx context.Context, uri, after string) ([]live.Change, error) {
	changes, err := r.d.store.ChangesSince(ctx, uri, after)
	if errors.Is(err, live.ErrCheckpointExpired) {
		r.d.versions.MarkExpired(uri, after)
	}
	return changes, err
}
