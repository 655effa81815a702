// Package waiter keeps, per resource, the consumers blocked on its next
// change, and moves each of them to exactly one terminal outcome.
//
// Every state transition runs inside the resource's exclusive section in the
// version store, so "compare the current version, otherwise register" is
// atomic with respect to a concurrent publish.
package waiter

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/oklog/ulid/v2"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/versions"
)

var logger = loggo.GetLogger("livefeed.waiter")

type Registry struct {
	versions *versions.Store
	clock    clock.Clock

	mu   sync.RWMutex
	sets map[string]*waiterSet

	pending atomic.Int64
}

// waiterSet is guarded by the resource's exclusive section, not by Registry.mu.
type waiterSet struct {
	order *list.List
	index map[*Waiter]*list.Element
}

func New(vs *versions.Store, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{
		versions: vs,
		clock:    clk,
		sets:     make(map[string]*waiterSet),
	}
}

func (r *Registry) Versions() *versions.Store { return r.versions }

// Register files w under its resource. If the resource has already moved
// past w.Since the waiter resolves before Register returns, without blocking.
func (r *Registry) Register(w *Waiter) (*Waiter, error) {
	if w.URI == "" {
		return nil, errors.Annotate(live.ErrMalformedRegistration, "empty resource uri")
	}
	if err := live.CheckRegistration(w.Mode, w.Mechanism); err != nil {
		return nil, errors.Trace(err)
	}
	if w.ID == "" {
		w.ID = ulid.Make().String()
	}
	w.done = make(chan live.Result, 1)
	w.reg = r

	r.versions.With(w.URI, func(e *versions.Entry) {
		if res, ok := immediate(e, w); ok {
			w.resolve(res)
			return
		}
		if w.Deadline.IsZero() {
			r.addLocked(w)
			return
		}
		d := w.Deadline.Sub(r.clock.Now())
		if d <= 0 {
			cur, _ := e.Current()
			v := cur.Version(w.Mode)
			if v == "" {
				v = w.Since
			}
			w.resolve(live.Result{Outcome: live.TimedOut, Version: v, PrevVersion: w.Since})
			return
		}
		r.addLocked(w)
		w.timer = r.clock.AfterFunc(d, func() { r.Expire(w) })
	})
	if w.Resolved() {
		logger.Tracef("waiter %s on %s resolved at registration", w.ID, w.URI)
	} else {
		logger.Tracef("waiter %s on %s registered (mode=%s since=%q)", w.ID, w.URI, w.Mode, w.Since)
	}
	return w, nil
}

// immediate decides whether a waiter can be answered at registration time.
func immediate(e *versions.Entry, w *Waiter) (live.Result, bool) {
	cur, exists := e.Current()
	if !exists {
		return live.Result{}, false
	}
	if cur.Deleted {
		return live.Result{Outcome: live.Notified, Reason: live.ReasonDeleted, Version: versions.Gone, PrevVersion: w.Since}, true
	}
	if w.Since == "" {
		return live.Result{}, false
	}
	switch w.Mode {
	case live.ModeChanges:
		switch e.Cursor(w.Since) {
		case versions.CursorCurrent:
			return live.Result{}, false
		case versions.CursorExpired, versions.CursorInvalid:
			return live.Result{Outcome: live.Notified, Reason: live.ReasonRestart, PrevVersion: w.Since}, true
		}
		// older cursor: the owner reads the changes after it, and the
		// Resource Store answers a restart if its history no longer reaches
		return live.Result{
			Outcome:     live.Notified,
			Reason:      live.ReasonUpdate,
			Kind:        live.KindChanges,
			Version:     cur.Checkpoint,
			PrevVersion: w.Since,
			Fetch:       true,
		}, true
	default:
		if w.Since == cur.ETag || cur.ETag == "" {
			return live.Result{}, false
		}
		kind := live.KindValue
		if w.Mode == live.ModeHint {
			kind = live.KindHint
		}
		return live.Result{
			Outcome:     live.Notified,
			Reason:      live.ReasonUpdate,
			Kind:        kind,
			Version:     cur.ETag,
			PrevVersion: w.Since,
			Fetch:       w.Mode == live.ModeValue,
		}, true
	}
}

// ResolveAll wakes every waiter on e's resource that the event satisfies.
// The caller holds e (it is inside versions.Store.With) and has already
// applied the event to it.
func (r *Registry) ResolveAll(e *versions.Entry, ev live.Event) int {
	cur, _ := e.Current()
	set := r.setFor(cur.URI, false)
	if set == nil {
		return 0
	}
	n := 0
	for el := set.order.Front(); el != nil; {
		next := el.Next()
		w := el.Value.(*Waiter)
		if res, ok := match(w, ev, cur); ok {
			r.removeLocked(set, w)
			if w.resolve(res) {
				n++
			}
		}
		el = next
	}
	r.dropIfEmpty(cur.URI, set)
	if n > 0 {
		logger.Debugf("resolved %d waiter(s) on %s (%s %q)", n, cur.URI, ev.Kind, ev.Version)
	}
	return n
}

// match applies the delivery rules: a value publish satisfies value and hint
// waiters, a changes publish satisfies changes and hint waiters, and a hint
// satisfies everyone without a payload.
func match(w *Waiter, ev live.Event, cur versions.Resource) (live.Result, bool) {
	res := live.Result{
		Outcome:     live.Notified,
		Reason:      live.ReasonUpdate,
		PrevVersion: w.Since,
	}
	switch ev.Kind {
	case live.KindHint:
		res.Kind = live.KindHint
		res.Version = cur.Version(w.Mode)
		if w.Mode == live.ModeChanges {
			// the consumer still holds its old cursor and fetches from it
			res.Version = w.Since
		}
		return res, true
	case live.KindValue:
		switch w.Mode {
		case live.ModeValue:
			res.Kind = live.KindValue
			res.Version = ev.Version
			res.ContentType = ev.ContentType
			res.Payload = ev.Payload
			return res, true
		case live.ModeHint:
			if ev.Upgrade {
				return live.Result{}, false
			}
			res.Kind = live.KindHint
			res.Version = ev.Version
			return res, true
		}
	case live.KindChanges:
		switch w.Mode {
		case live.ModeChanges:
			res.Kind = live.KindChanges
			res.Version = ev.Version
			res.ContentType = ev.ContentType
			res.Payload = ev.Payload
			return res, true
		case live.ModeHint:
			res.Kind = live.KindHint
			res.Version = ev.Version
			return res, true
		}
	}
	return live.Result{}, false
}

// Delete resolves every waiter on e's resource with a deletion result and
// purges the set. The caller holds e and has tombstoned it.
func (r *Registry) Delete(e *versions.Entry) int {
	cur, _ := e.Current()
	set := r.setFor(cur.URI, false)
	if set == nil {
		return 0
	}
	n := 0
	for el := set.order.Front(); el != nil; el = el.Next() {
		w := el.Value.(*Waiter)
		r.pending.Add(-1)
		if w.resolve(live.Result{Outcome: live.Notified, Reason: live.ReasonDeleted, Version: versions.Gone, PrevVersion: w.Since}) {
			n++
		}
	}
	r.mu.Lock()
	delete(r.sets, cur.URI)
	r.mu.Unlock()
	logger.Debugf("deleted %s, released %d waiter(s)", cur.URI, n)
	return n
}

// Expire times the waiter out. Invoked by the waiter's deadline timer.
func (r *Registry) Expire(w *Waiter) bool {
	return r.finish(w, func(cur versions.Resource, exists bool) live.Result {
		v := w.Since
		if exists && cur.Version(w.Mode) != "" {
			v = cur.Version(w.Mode)
		}
		return live.Result{Outcome: live.TimedOut, Version: v, PrevVersion: w.Since}
	})
}

// Cancel removes the waiter without side effects, as on connection teardown.
func (r *Registry) Cancel(w *Waiter) bool {
	return r.finish(w, func(versions.Resource, bool) live.Result {
		return live.Result{Outcome: live.Cancelled, PrevVersion: w.Since}
	})
}

func (r *Registry) finish(w *Waiter, result func(versions.Resource, bool) live.Result) bool {
	if w.Resolved() {
		return false
	}
	done := false
	r.versions.With(w.URI, func(e *versions.Entry) {
		set := r.setFor(w.URI, false)
		if set == nil || !r.removeLocked(set, w) {
			return
		}
		r.dropIfEmpty(w.URI, set)
		cur, exists := e.Current()
		done = w.resolve(result(cur, exists))
	})
	return done
}

// Pending returns the number of registered, unresolved waiters.
func (r *Registry) Pending() int64 { return r.pending.Load() }

// PendingFor returns the number of waiters on one resource.
func (r *Registry) PendingFor(uri string) int {
	n := 0
	r.versions.With(uri, func(*versions.Entry) {
		if set := r.setFor(uri, false); set != nil {
			n = set.order.Len()
		}
	})
	return n
}

func (r *Registry) setFor(uri string, create bool) *waiterSet {
	r.mu.RLock()
	set := r.sets[uri]
	r.mu.RUnlock()
	if set != nil || !create {
		return set
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if set = r.sets[uri]; set == nil {
		set = &waiterSet{order: list.New(), index: make(map[*Waiter]*list.Element)}
		r.sets[uri] = set
	}
	return set
}

func (r *Registry) addLocked(w *Waiter) {
	set := r.setFor(w.URI, true)
	set.index[w] = set.order.PushBack(w)
	r.pending.Add(1)
}

func (r *Registry) removeLocked(set *waiterSet, w *Waiter) bool {
	el, ok := set.index[w]
	if !ok {
		return false
	}
	set.order.Remove(el)
	delete(set.index, w)
	r.pending.Add(-1)
	return true
}

func (r *Registry) dropIfEmpty(uri string, set *waiterSet) {
	if set.order.Len() > 0 {
		return
	}
	r.mu.Lock()
	if r.sets[uri] == set {
		delete(r.sets, uri)
	}
	r.mu.Unlock()
}
