// Package webhook keeps callback subscriptions and delivers their
// notifications, one at a time per subscription.
package webhook

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/live"
)

var logger = loggo.GetLogger("livefeed.webhook")

// Subscription is a callback registration on one resource. It lives until
// it is removed or the resource is deleted.
type Subscription struct {
	ID          string    `json:"id"`
	CallbackURL string    `json:"callback_url"`
	URI         string    `json:"uri"`
	Mode        live.Mode `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
	// LastDeliveredChangesID is the checkpoint of the last successful
	// changes delivery; it is sent as Previous-Changes-Id on the next one.
	LastDeliveredChangesID string `json:"last_delivered_changes_id,omitempty"`
}

type Options struct {
	Sender *Sender
	// Store seeds a new changes subscription with the resource's current
	// checkpoint. Optional.
	Store live.ResourceStore
	Clock clock.Clock
}

// Manager owns every subscription's queue. It implements dispatch.Hooks.
type Manager struct {
	sender *Sender
	store  live.ResourceStore
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	byURI  map[string]map[string]*queue
	closed bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Sender == nil {
		opts.Sender = NewSender(SenderOptions{Clock: opts.Clock})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sender: opts.Sender,
		store:  opts.Store,
		clock:  opts.Clock,
		ctx:    ctx,
		cancel: cancel,
		byURI:  make(map[string]map[string]*queue),
	}
}

// Subscribe registers callbackURL on uri. Subscribing the same callback
// again replaces its mode and reports created=false.
func (m *Manager) Subscribe(ctx context.Context, uri string, mode live.Mode, callbackURL string) (Subscription, bool, error) {
	if uri == "" {
		return Subscription{}, false, errors.Annotate(live.ErrMalformedRegistration, "empty resource uri")
	}
	if mode == "" {
		mode = live.ModeValue
	}
	if err := live.CheckRegistration(mode, live.Callback); err != nil {
		return Subscription{}, false, errors.Trace(err)
	}
	if err := ValidateCallback(callbackURL); err != nil {
		return Subscription{}, false, errors.Trace(err)
	}

	sub := Subscription{
		ID:          EncodeID(callbackURL),
		CallbackURL: callbackURL,
		URI:         uri,
		Mode:        mode,
		CreatedAt:   m.clock.Now(),
	}
	if mode == live.ModeChanges && m.store != nil {
		snap, err := m.store.GetCurrent(ctx, uri)
		switch {
		case err == nil:
			sub.LastDeliveredChangesID = snap.Checkpoint
		case !errors.Is(err, errors.NotFound):
			return Subscription{}, false, errors.Annotatef(err, "seed %s", uri)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Subscription{}, false, errors.New("webhook manager stopped")
	}
	subs := m.byURI[uri]
	if subs == nil {
		subs = make(map[string]*queue)
		m.byURI[uri] = subs
	}
	if q, ok := subs[sub.ID]; ok {
		q.setMode(mode)
		return q.snapshot(), false, nil
	}
	subs[sub.ID] = newQueue(m, sub)
	logger.Infof("callback %s subscribed to %s (%s)", callbackURL, uri, mode)
	return sub, true, nil
}

// Unsubscribe removes a subscription. A delivery in flight completes; the
// rest of its queue is discarded.
func (m *Manager) Unsubscribe(uri, id string) error {
	m.mu.Lock()
	q, ok := m.byURI[uri][id]
	if ok {
		delete(m.byURI[uri], id)
		if len(m.byURI[uri]) == 0 {
			delete(m.byURI, uri)
		}
	}
	m.mu.Unlock()
	if !ok {
		return errors.NotFoundf("subscription %q on %s", id, uri)
	}
	q.close(true)
	logger.Infof("callback %s unsubscribed from %s", q.sub.CallbackURL, uri)
	return nil
}

func (m *Manager) Get(uri, id string) (Subscription, error) {
	m.mu.Lock()
	q, ok := m.byURI[uri][id]
	m.mu.Unlock()
	if !ok {
		return Subscription{}, errors.NotFoundf("subscription %q on %s", id, uri)
	}
	return q.snapshot(), nil
}

// List returns uri's subscriptions ordered by creation.
func (m *Manager) List(uri string) []Subscription {
	m.mu.Lock()
	out := make([]Subscription, 0, len(m.byURI[uri]))
	for _, q := range m.byURI[uri] {
		out = append(out, q.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Published queues ev for every subscription on its resource. It never
// blocks on delivery.
func (m *Manager) Published(ev live.Event) {
	for _, q := range m.queuesFor(ev.URI, false) {
		q.offer(ev)
	}
}

// Deleted queues a deletion notice for every subscription on uri and ends
// those subscriptions once it has been delivered.
func (m *Manager) Deleted(uri string) {
	for _, q := range m.queuesFor(uri, true) {
		q.offerDeletion(m.clock.Now())
	}
}

func (m *Manager) queuesFor(uri string, remove bool) []*queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.byURI[uri]
	out := make([]*queue, 0, len(subs))
	for _, q := range subs {
		out = append(out, q)
	}
	if remove {
		delete(m.byURI, uri)
	}
	return out
}

// Stats is served on the debug endpoint.
type Stats struct {
	Subscriptions int   `json:"subscriptions"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	n := 0
	for _, subs := range m.byURI {
		n += len(subs)
	}
	m.mu.Unlock()
	return Stats{Subscriptions: n, Delivered: m.delivered.Load(), Dropped: m.dropped.Load()}
}

// Close stops accepting events, abandons pending retries and waits for
// in-flight deliveries to return.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var queues []*queue
	for _, subs := range m.byURI {
		for _, q := range subs {
			queues = append(queues, q)
		}
	}
	m.byURI = make(map[string]map[string]*queue)
	m.mu.Unlock()

	for _, q := range queues {
		q.close(true)
	}
	m.cancel()
	m.wg.Wait()
}
