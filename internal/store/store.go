// Package store is the Resource Store: current content and change history
// of every resource, in Postgres or in memory.
package store

import (
	"context"
	"time"

	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/live"
)

var logger = loggo.GetLogger("livefeed.store")

// DefaultContentType is used when a write does not name one.
const DefaultContentType = "application/octet-stream"

// Store is what the HTTP write path, the change notification bridge and the
// pruning worker need on top of live.ResourceStore.
type Store interface {
	live.ResourceStore

	// Put replaces the content of a resource, creating it if needed.
	Put(ctx context.Context, uri, contentType string, content []byte) (live.Snapshot, error)
	// Append records a change. The change payload is also appended to the
	// resource content, so the value view is the concatenated history.
	Append(ctx context.Context, uri, contentType string, payload []byte) (live.Snapshot, live.Change, error)
	// Delete removes a resource and its history. It returns errors.NotFound
	// for unknown resources.
	Delete(ctx context.Context, uri string) error
	// List returns resource metadata (no content), ordered by uri.
	List(ctx context.Context, limit int) ([]live.Snapshot, error)
	// Prune drops change rows created before the cutoff. The newest change
	// of every resource is kept so its current checkpoint stays resolvable.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

func contentTypeOr(ct string) string {
	if ct == "" {
		return DefaultContentType
	}
	return ct
}
