// Package conn tracks the transport sessions (long-poll requests, event
// streams and sockets) that own waiters. Closing a connection cancels
// everything it owns.
package conn

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/waiter"
)

var logger = loggo.GetLogger("livefeed.conn")

// Hub is the registry of open connections.
type Hub struct {
	clock  clock.Clock
	outbox int

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHub(clk clock.Clock, outbox int) *Hub {
	if clk == nil {
		clk = clock.WallClock
	}
	if outbox <= 0 {
		outbox = 256
	}
	return &Hub{clock: clk, outbox: outbox, conns: make(map[string]*Conn)}
}

// Open registers a new connection. Its context is cancelled when the
// connection closes or parent ends.
func (h *Hub) Open(parent context.Context, kind live.Mechanism, remote string) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		ID:      newID(),
		Kind:    kind,
		Remote:  remote,
		Opened:  h.clock.Now(),
		hub:     h,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan []byte, h.outbox),
		waiters: make(map[string]*waiter.Waiter),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	logger.Tracef("connection %s opened (%s from %s)", c.ID, kind, remote)
	return c
}

func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Stats is the per-transport breakdown served on the debug endpoint.
type Stats struct {
	Total   int                    `json:"total"`
	ByKind  map[live.Mechanism]int `json:"by_kind"`
	Waiters int                    `json:"waiters"`
	Dropped int64                  `json:"dropped"`
	Oldest  *time.Time             `json:"oldest,omitempty"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{Total: len(h.conns), ByKind: make(map[live.Mechanism]int)}
	for _, c := range h.conns {
		st.ByKind[c.Kind]++
		st.Waiters += c.Waiters()
		st.Dropped += c.dropped.Load()
		if st.Oldest == nil || c.Opened.Before(*st.Oldest) {
			opened := c.Opened
			st.Oldest = &opened
		}
	}
	return st
}

// CloseAll closes every connection; used at shutdown.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].Opened.Before(conns[j].Opened) })
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

func (h *Hub) forget(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()
}

// Conn is one transport session.
type Conn struct {
	ID     string
	Kind   live.Mechanism
	Remote string
	Opened time.Time

	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	mu      sync.Mutex
	closed  bool
	waiters map[string]*waiter.Waiter
	onClose []func()

	dropped atomic.Int64
}

// Context is cancelled once the connection is closed.
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Track records a waiter as owned by this connection. A waiter tracked on
// a closed connection is cancelled straight away.
func (c *Conn) Track(w *waiter.Waiter) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w.Cancel()
		return
	}
	c.waiters[w.ID] = w
	c.mu.Unlock()
}

// Untrack forgets a waiter once its owner has consumed the result.
func (c *Conn) Untrack(w *waiter.Waiter) {
	c.mu.Lock()
	delete(c.waiters, w.ID)
	c.mu.Unlock()
}

func (c *Conn) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// OnClose registers teardown work such as closing a feed. Functions run in
// registration order.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Send queues one outbound message. It never blocks: when the queue is full
// the message is dropped and false is returned so the owner can give up on
// a consumer that is not reading.
func (c *Conn) Send(b []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.out <- b:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Outbound is drained by the connection's writer until Done.
func (c *Conn) Outbound() <-chan []byte { return c.out }

// Close cancels every tracked waiter, runs the teardown hooks and removes
// the connection from the hub. It is idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = nil
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	cancelled := 0
	for _, w := range waiters {
		if w.Cancel() {
			cancelled++
		}
	}
	for _, fn := range hooks {
		fn()
	}
	c.cancel()
	c.hub.forget(c)
	logger.Tracef("connection %s closed (%d waiter(s) cancelled)", c.ID, cancelled)
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
