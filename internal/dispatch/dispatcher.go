// Package dispatch is the engine's single entry point for resource changes.
// A publish updates the version store, wakes matching waiters and hands the
// event to the webhook queues, in that order, without waiting on delivery.
package dispatch

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/versions"
	"github.com/jsherman999/livefeed/internal/waiter"
)

var logger = loggo.GetLogger("livefeed.dispatch")

// Hooks receives every accepted change, in order, while the resource's
// entry is held. Implementations must not block or call back into the
// dispatcher.
type Hooks interface {
	Published(ev live.Event)
	Deleted(uri string)
}

type Options struct {
	// HintUpgradeAfter is the number of consecutive hints after which value
	// consumers are sent the full value. Zero disables the upgrade.
	HintUpgradeAfter int
	// MaxValuePayload downgrades larger value publishes to hints. Zero
	// disables the downgrade.
	MaxValuePayload int
	Clock           clock.Clock
}

type Dispatcher struct {
	versions *versions.Store
	waiters  *waiter.Registry
	store    live.ResourceStore
	opts     Options

	hooks Hooks
}

func New(waiters *waiter.Registry, store live.ResourceStore, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Dispatcher{
		versions: waiters.Versions(),
		waiters:  waiters,
		store:    store,
		opts:     opts,
	}
}

// SetHooks attaches the webhook side. It must be called before the first publish.
func (d *Dispatcher) SetHooks(h Hooks) { d.hooks = h }

func (d *Dispatcher) Waiters() *waiter.Registry { return d.waiters }

// Outcome describes what a publish did.
type Outcome struct {
	Duplicate bool
	Woken     int
	Upgraded  bool
}

// Publish announces that uri now has version. Changes-mode versions must
// never go backwards; doing so is a caller error and nothing is changed.
func (d *Dispatcher) Publish(ctx context.Context, ev live.Event) (Outcome, error) {
	if ev.URI == "" {
		return Outcome{}, errors.NotValidf("publish with empty uri")
	}
	if _, err := live.ParseKind(string(ev.Kind)); err != nil {
		return Outcome{}, errors.Trace(err)
	}
	if ev.Kind != live.KindHint && ev.Version == "" {
		return Outcome{}, errors.NotValidf("%s publish of %s without version", ev.Kind, ev.URI)
	}
	if ev.At.IsZero() {
		ev.At = d.opts.Clock.Now()
	}
	if ev.Kind == live.KindValue && d.opts.MaxValuePayload > 0 && len(ev.Payload) > d.opts.MaxValuePayload {
		logger.Debugf("%s: value of %d bytes downgraded to hint", ev.URI, len(ev.Payload))
		ev.Kind = live.KindHint
		ev.Payload = nil
		ev.ContentType = ""
	}

	var (
		out    Outcome
		err    error
		streak int
		seq    uint64
	)
	d.versions.With(ev.URI, func(e *versions.Entry) {
		cur, exists := e.Current()
		if exists && !cur.Deleted {
			switch ev.Kind {
			case live.KindChanges:
				if cur.Checkpoint != "" {
					switch c := live.CompareCheckpoints(ev.Version, cur.Checkpoint); {
					case c < 0:
						err = errors.Annotatef(live.ErrOutOfOrderPublish,
							"%s: checkpoint %q is older than %q", ev.URI, ev.Version, cur.Checkpoint)
						return
					case c == 0:
						out.Duplicate = true
						return
					}
				}
			case live.KindValue:
				if cur.ETag == ev.Version {
					out.Duplicate = true
					return
				}
			}
		}
		e.Set(ev.Version, ev.Kind)
		out.Woken = d.waiters.ResolveAll(e, ev)
		// queued while the entry is held so webhook queues see checkpoints
		// in publish order
		if d.hooks != nil {
			d.hooks.Published(ev)
		}
		cur, _ = e.Current()
		streak, seq = cur.HintStreak, cur.Seq
	})
	if err != nil {
		return Outcome{}, err
	}
	if out.Duplicate {
		logger.Tracef("%s: duplicate %s publish %q ignored", ev.URI, ev.Kind, ev.Version)
		return out, nil
	}

	if ev.Kind == live.KindHint && d.opts.HintUpgradeAfter > 0 && streak >= d.opts.HintUpgradeAfter {
		upgraded, uerr := d.upgrade(ctx, ev.URI, seq)
		if uerr != nil {
			logger.Warningf("%s: hint upgrade failed: %v", ev.URI, uerr)
		}
		out.Upgraded = upgraded
	}
	return out, nil
}

// upgrade re-sends the current value after a run of hints so value
// consumers are never left holding only hints. seq is the entry's sequence
// after the hint that triggered it; any change since then wins over the
// value read here.
func (d *Dispatcher) upgrade(ctx context.Context, uri string, seq uint64) (bool, error) {
	if d.store == nil {
		return false, nil
	}
	snap, err := d.store.GetCurrent(ctx, uri)
	if err != nil {
		return false, errors.Trace(err)
	}
	if d.opts.MaxValuePayload > 0 && len(snap.Content) > d.opts.MaxValuePayload {
		return false, nil
	}
	ev := live.Event{
		URI:         uri,
		Version:     snap.ETag,
		Kind:        live.KindValue,
		ContentType: snap.ContentType,
		Payload:     snap.Content,
		At:          d.opts.Clock.Now(),
		Upgrade:     true,
	}
	applied := false
	d.versions.With(uri, func(e *versions.Entry) {
		if cur, _ := e.Current(); cur.Deleted || cur.Seq != seq || cur.Kind != live.KindHint {
			return
		}
		e.Set(ev.Version, ev.Kind)
		d.waiters.ResolveAll(e, ev)
		if d.hooks != nil {
			d.hooks.Published(ev)
		}
		applied = true
	})
	if !applied {
		logger.Debugf("%s: hint upgrade superseded by a newer change", uri)
		return false, nil
	}
	logger.Debugf("%s: upgraded hints to value %q", uri, ev.Version)
	return true, nil
}

// Delete tombstones uri and releases everyone waiting on it.
func (d *Dispatcher) Delete(ctx context.Context, uri string) (int, error) {
	if uri == "" {
		return 0, errors.NotValidf("delete with empty uri")
	}
	n := 0
	already := false
	d.versions.With(uri, func(e *versions.Entry) {
		if cur, exists := e.Current(); exists && cur.Deleted {
			already = true
			return
		}
		e.Tombstone()
		n = d.waiters.Delete(e)
		if d.hooks != nil {
			d.hooks.Deleted(uri)
		}
	})
	if already {
		return 0, nil
	}
	logger.Infof("%s deleted (%d waiter(s) released)", uri, n)
	return n, nil
}

// Prime installs the versions the Resource Store reports for a resource the
// engine has not seen yet, so a first registration compares against them.
func (d *Dispatcher) Prime(snap live.Snapshot) {
	d.versions.With(snap.URI, func(e *versions.Entry) {
		if e.Seed(snap.ETag, snap.Checkpoint) {
			logger.Tracef("%s primed at %q/%q", snap.URI, snap.ETag, snap.Checkpoint)
		}
	})
}

// Current returns the engine's view of a resource.
func (d *Dispatcher) Current(uri string) (versions.Resource, bool) {
	return d.versions.Get(uri)
}
