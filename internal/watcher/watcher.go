// Package watcher bridges resource writes made by other processes into the
// dispatcher. It LISTENs on the channel fed by the resources trigger and
// republishes each change it has not already seen.
package watcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/db"
	"github.com/jsherman999/livefeed/internal/dispatch"
	"github.com/jsherman999/livefeed/internal/live"
)

var logger = loggo.GetLogger("livefeed.watcher")

// Notification is the JSON payload of one pg_notify.
type Notification struct {
	Op         string `json:"op"`
	URI        string `json:"uri"`
	ETag       string `json:"etag,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

type Options struct {
	// DedupeWindow is the number of recent notifications remembered.
	DedupeWindow int
	Clock        clock.Clock
}

type Watcher struct {
	db    *db.DB
	store live.ResourceStore
	disp  *dispatch.Dispatcher
	clock clock.Clock

	mu      sync.Mutex
	recent  []string
	recentI int
}

func New(d *db.DB, store live.ResourceStore, disp *dispatch.Dispatcher, opts Options) *Watcher {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 256
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Watcher{
		db:     d,
		store:  store,
		disp:   disp,
		clock:  opts.Clock,
		recent: make([]string, opts.DedupeWindow),
	}
}

// Run listens until ctx ends, reconnecting with backoff when the listening
// connection fails.
func (w *Watcher) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := w.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warningf("listener failed, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (w *Watcher) listen(ctx context.Context) error {
	conn, err := w.db.Listen(ctx, db.NotifyChannel)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Release()
	logger.Infof("listening on %s", db.NotifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return errors.Annotate(err, "wait for notification")
		}
		if err := w.Handle(ctx, []byte(n.Payload)); err != nil {
			logger.Errorf("notification %q: %v", n.Payload, err)
		}
	}
}

// Handle applies one notification payload.
func (w *Watcher) Handle(ctx context.Context, payload []byte) error {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return errors.NotValidf("notification payload")
	}
	if n.URI == "" {
		return errors.NotValidf("notification without uri")
	}
	if w.seenRecently(n.Op + "\n" + n.URI + "\n" + n.ETag + "\n" + n.Checkpoint) {
		logger.Tracef("%s %s already seen", n.Op, n.URI)
		return nil
	}

	switch n.Op {
	case "delete":
		_, err := w.disp.Delete(ctx, n.URI)
		return errors.Trace(err)
	case "put":
		return w.put(ctx, n)
	}
	return errors.NotValidf("notification op %q", n.Op)
}

func (w *Watcher) put(ctx context.Context, n Notification) error {
	cur, known := w.disp.Current(n.URI)
	if known && !cur.Deleted && cur.ETag == n.ETag && cur.Checkpoint == n.Checkpoint {
		return nil
	}

	var changes []live.Change
	if n.Checkpoint != "" && (!known || cur.Deleted || live.CompareCheckpoints(n.Checkpoint, cur.Checkpoint) > 0) {
		from := cur.Checkpoint
		if !known || cur.Deleted {
			from = ""
		}
		cs, err := w.store.ChangesSince(ctx, n.URI, from)
		switch {
		case errors.Is(err, live.ErrCheckpointExpired):
			// history is gone; consumers holding the old checkpoint restart
			logger.Debugf("%s: changes after %q pruned", n.URI, from)
			cs, err = w.store.ChangesSince(ctx, n.URI, "")
		case errors.Is(err, errors.NotFound):
			// deleted again before we got here; the delete notification follows
			return nil
		}
		if err != nil {
			return errors.Annotatef(err, "changes of %s", n.URI)
		}
		for _, c := range cs {
			if live.CompareCheckpoints(c.Checkpoint, n.Checkpoint) > 0 {
				break
			}
			changes = append(changes, c)
		}
	}

	snap, err := w.store.GetCurrent(ctx, n.URI)
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "read %s", n.URI)
	}
	return errors.Trace(w.disp.Apply(ctx, snap, changes))
}
