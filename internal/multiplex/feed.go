package multiplex

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/waiter"
)

// Feed keeps a set of subscriptions continuously live for one connection:
// each time a subscription's waiter resolves, the result is pushed to Events
// and a new waiter is registered from the delivered version.
type Feed struct {
	waiters *waiter.Registry
	connID  string
	mech    live.Mechanism
	out     chan live.Result
	reads   live.ResourceStore
	ctx     context.Context

	mu     sync.Mutex
	subs   map[subKey]*feedSub
	closed bool
	wg     sync.WaitGroup
}

type subKey struct {
	uri  string
	mode live.Mode
}

type feedSub struct {
	req  Request
	stop chan struct{}
}

type FeedOptions struct {
	// Buffer bounds how many results may be waiting for the connection's writer.
	Buffer int
	// Store, when set, is read for results that resolved without a payload
	// before they are pushed, so a version already delivered is not sent
	// again.
	Store live.ResourceStore
	// Context bounds those reads. It defaults to context.Background.
	Context context.Context
}

// NewFeed starts an empty feed.
func (a *Aggregator) NewFeed(connID string, mech live.Mechanism, opts FeedOptions) *Feed {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Feed{
		waiters: a.waiters,
		connID:  connID,
		mech:    mech,
		out:     make(chan live.Result, opts.Buffer),
		reads:   opts.Store,
		ctx:     opts.Context,
		subs:    make(map[subKey]*feedSub),
	}
}

// Events yields every resolution, in order per subscription. It is closed by Close.
func (f *Feed) Events() <-chan live.Result { return f.out }

// Add starts a subscription. Adding a (uri, mode) pair that is already live
// is a no-op and reports false, so overlapping requests never produce the
// same event twice.
func (f *Feed) Add(req Request) (bool, error) {
	if req.URI == "" {
		return false, errors.Annotate(live.ErrMalformedRegistration, "empty resource uri")
	}
	if req.Mode == "" {
		req.Mode = live.ModeValue
	}
	if err := live.CheckRegistration(req.Mode, f.mech); err != nil {
		return false, errors.Trace(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, errors.New("feed closed")
	}
	key := subKey{req.URI, req.Mode}
	if _, ok := f.subs[key]; ok {
		return false, nil
	}

	// Register the first waiter synchronously so that a change published
	// after Add returns is never missed.
	w, err := f.register(req)
	if err != nil {
		return false, errors.Trace(err)
	}
	sub := &feedSub{req: req, stop: make(chan struct{})}
	f.subs[key] = sub
	f.wg.Add(1)
	go f.run(key, sub, w)
	return true, nil
}

// Remove ends a subscription. It reports whether one was live.
func (f *Feed) Remove(uri string, mode live.Mode) bool {
	if mode == "" {
		mode = live.ModeValue
	}
	f.mu.Lock()
	sub, ok := f.subs[subKey{uri, mode}]
	if ok {
		delete(f.subs, subKey{uri, mode})
		close(sub.stop)
	}
	f.mu.Unlock()
	return ok
}

// Has reports whether a subscription is live.
func (f *Feed) Has(uri string, mode live.Mode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[subKey{uri, mode}]
	return ok
}

// Len returns the number of live subscriptions.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close cancels every subscription's waiter and closes Events once all of
// them have stopped.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for key, sub := range f.subs {
		close(sub.stop)
		delete(f.subs, key)
	}
	f.mu.Unlock()

	f.wg.Wait()
	close(f.out)
}

func (f *Feed) register(req Request) (*waiter.Waiter, error) {
	return f.waiters.Register(&waiter.Waiter{
		URI:       req.URI,
		Mode:      req.Mode,
		Since:     req.Since,
		Mechanism: f.mech,
		ConnID:    f.connID,
	})
}

func (f *Feed) run(key subKey, sub *feedSub, w *waiter.Waiter) {
	defer f.wg.Done()

	// last is the newest full result pushed
	var last live.Result
	since := sub.req.Since
	for {
		var res live.Result
		select {
		case res = <-w.Done():
		case <-sub.stop:
			if !w.Cancel() {
				// resolved while we were stopping; nobody will read it
				<-w.Done()
			}
			return
		}
		if res.Outcome != live.Notified {
			return
		}
		// the engine's token, which the next registration compares against
		engine := res.Version
		res = f.materialize(res, last)

		if !f.delivered(res, last) {
			select {
			case f.out <- res:
			case <-sub.stop:
				return
			}
			if res.Kind != live.KindHint {
				last = res
			}
		}

		if res.Reason != live.ReasonUpdate {
			// deleted or restart: the subscription is over
			f.forget(key, sub)
			return
		}
		if engine != "" {
			since = engine
		}
		next, err := f.register(Request{URI: key.uri, Mode: key.mode, Since: since})
		if err != nil {
			logger.Errorf("connection %s: re-register %s: %v", f.connID, key.uri, err)
			f.forget(key, sub)
			return
		}
		w = next
	}
}

func (f *Feed) forget(key subKey, sub *feedSub) {
	f.mu.Lock()
	if f.subs[key] == sub {
		delete(f.subs, key)
	}
	f.mu.Unlock()
}

// materialize reads the content of a Fetch result, starting a changes read
// after whatever this subscription already delivered. On failure the result
// is pushed as is and the consumer reads the store itself.
func (f *Feed) materialize(res live.Result, last live.Result) live.Result {
	if !res.Fetch || f.reads == nil {
		return res
	}
	if res.Kind == live.KindChanges && last.Kind == live.KindChanges &&
		live.CompareCheckpoints(last.Version, res.PrevVersion) > 0 {
		res.PrevVersion = last.Version
	}
	out, err := live.Materialize(f.ctx, f.reads, res)
	if err != nil {
		if f.ctx.Err() == nil {
			logger.Warningf("connection %s: read %s: %v", f.connID, res.URI, err)
		}
		return res
	}
	return out
}

// delivered reports whether res repeats what was last pushed. Hints may
// legitimately repeat a version and are never suppressed.
func (f *Feed) delivered(res, last live.Result) bool {
	if res.Reason != live.ReasonUpdate || res.Kind == live.KindHint || res.Kind != last.Kind {
		return false
	}
	if res.Kind == live.KindChanges {
		return live.CompareCheckpoints(res.Version, last.Version) <= 0
	}
	return res.Version == last.Version
}
