package dispatch

import (
	"context"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/live"
)

// Apply publishes the outcome of a Resource Store write: the changes it
// appended, if any, followed by the resource's new value. Publishing the
// same write twice is harmless.
func (d *Dispatcher) Apply(ctx context.Context, snap live.Snapshot, changes []live.Change) error {
	if len(changes) > 0 {
		last := changes[len(changes)-1]
		_, err := d.Publish(ctx, live.Event{
			URI:         snap.URI,
			Version:     last.Checkpoint,
			Kind:        live.KindChanges,
			ContentType: live.ChangesContentType,
			Payload:     live.ChangesBody(changes),
			At:          last.CreatedAt,
		})
		if err != nil {
			return errors.Annotatef(err, "publish changes of %s", snap.URI)
		}
	}
	if snap.ETag == "" {
		return nil
	}
	_, err := d.Publish(ctx, live.Event{
		URI:         snap.URI,
		Version:     snap.ETag,
		Kind:        live.KindValue,
		ContentType: snap.ContentType,
		Payload:     snap.Content,
		At:          snap.UpdatedAt,
	})
	return errors.Annotatef(err, "publish value of %s", snap.URI)
}

// Ensure makes sure the engine knows uri, priming it from the Resource
// Store when this process has not seen it yet. It returns errors.NotFound
// when the store has no such resource.
func (d *Dispatcher) Ensure(ctx context.Context, uri string) error {
	if cur, ok := d.Current(uri); ok && !cur.Deleted {
		return nil
	}
	if d.store == nil {
		return nil
	}
	snap, err := d.store.GetCurrent(ctx, uri)
	if err != nil {
		return errors.Trace(err)
	}
	d.Prime(snap)
	return nil
}
