package webhook

import (
	"net/http"
	"sync"
	"time"

	"github.com/jsherman999/livefeed/internal/live"
)

type delivery struct {
	event       string
	kind        live.UpdateKind
	version     string
	contentType string
	payload     []byte
	at          time.Time
}

// queue serialises one subscription's deliveries. Changes are delivered
// in order, one per checkpoint; for value and hint subscriptions only the
// newest not-yet-started delivery is kept.
type queue struct {
	m *Manager

	mu      sync.Mutex
	sub     Subscription
	fifo    []delivery
	slot    *delivery
	running bool
	closed  bool
	// final is set by a deletion: the queue closes after delivering it.
	final bool
}

func newQueue(m *Manager, sub Subscription) *queue {
	return &queue{m: m, sub: sub}
}

func (q *queue) snapshot() Subscription {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sub
}

func (q *queue) setMode(mode live.Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub.Mode != mode {
		q.sub.Mode = mode
		q.fifo = nil
		q.slot = nil
	}
}

// offer turns ev into a delivery for this subscription's mode, if any.
func (q *queue) offer(ev live.Event) {
	q.mu.Lock()
	mode := q.sub.Mode
	q.mu.Unlock()

	d := delivery{event: live.EventUpdate, version: ev.Version, at: ev.At}
	switch {
	case ev.Kind == live.KindHint:
		d.kind = live.KindHint
		if mode == live.ModeChanges {
			d.version = ""
		}
	case mode == live.ModeHint:
		if ev.Upgrade {
			return
		}
		d.kind = live.KindHint
	case mode == live.ModeValue && ev.Kind == live.KindValue,
		mode == live.ModeChanges && ev.Kind == live.KindChanges:
		d.kind = ev.Kind
		d.contentType = ev.ContentType
		d.payload = ev.Payload
	default:
		return
	}
	q.push(d, false)
}

func (q *queue) offerDeletion(at time.Time) {
	q.push(delivery{event: live.EventDeleted, at: at}, true)
}

func (q *queue) push(d delivery, final bool) {
	q.mu.Lock()
	if q.closed || q.final {
		q.mu.Unlock()
		return
	}
	if final {
		q.final = true
	}
	if q.sub.Mode == live.ModeChanges {
		q.fifo = append(q.fifo, d)
	} else {
		if q.slot != nil {
			logger.Tracef("%s -> %s: superseded pending %q", q.sub.URI, q.sub.CallbackURL, q.slot.version)
		}
		q.slot = &d
	}
	start := !q.running
	q.running = true
	if start {
		q.m.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.run()
	}
}

func (q *queue) pop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.running = false
		return delivery{}, false
	}
	if len(q.fifo) > 0 {
		d := q.fifo[0]
		q.fifo = q.fifo[1:]
		return d, true
	}
	if q.slot != nil {
		d := *q.slot
		q.slot = nil
		return d, true
	}
	q.running = false
	if q.final {
		q.closed = true
	}
	return delivery{}, false
}

func (q *queue) close(discard bool) {
	q.mu.Lock()
	q.closed = true
	if discard {
		q.fifo = nil
		q.slot = nil
	}
	q.mu.Unlock()
}

// run delivers until the queue is empty. Only one run is active per queue,
// so a delivery never starts before the previous one has finished.
func (q *queue) run() {
	defer q.m.wg.Done()
	for {
		d, ok := q.pop()
		if !ok {
			return
		}
		q.deliver(d)
	}
}

func (q *queue) deliver(d delivery) {
	sub := q.snapshot()
	n := Notification{
		CallbackURL: sub.CallbackURL,
		Headers: map[string]string{
			"Content-Location": sub.URI,
			"Live-Mode":        string(sub.Mode),
			"Live-Event":       d.event,
		},
	}
	if !d.at.IsZero() {
		n.Headers["Date"] = d.at.UTC().Format(http.TimeFormat)
	}
	if d.event == live.EventUpdate {
		switch d.kind {
		case live.KindValue:
			n.Headers["ETag"] = d.version
		case live.KindChanges:
			n.Headers["Changes-Id"] = d.version
			if sub.LastDeliveredChangesID != "" {
				n.Headers["Previous-Changes-Id"] = sub.LastDeliveredChangesID
			}
		case live.KindHint:
			n.Headers["Live-Hint"] = "true"
			if d.version != "" {
				n.Headers["ETag"] = d.version
			}
		}
		if d.contentType != "" {
			n.Headers["Content-Type"] = d.contentType
		}
		n.Body = d.payload
	}

	if err := q.m.sender.Send(q.m.ctx, n); err != nil {
		q.m.dropped.Add(1)
		logger.Warningf("%s -> %s: dropped %s %q: %v", sub.URI, sub.CallbackURL, d.event, d.version, err)
		return
	}
	q.m.delivered.Add(1)
	if d.kind == live.KindChanges && d.event == live.EventUpdate {
		q.mu.Lock()
		q.sub.LastDeliveredChangesID = d.version
		q.mu.Unlock()
	}
}
