// Package socket runs the subscribe/unsubscribe protocol of one persistent
// connection on top of a multiplex feed.
package socket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/conn"
	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/multiplex"
)

var logger = loggo.GetLogger("livefeed.socket")

// State is where a subscription is in its lifecycle.
type State int

const (
	Removed State = iota
	PendingSubscribe
	Active
	PendingUnsubscribe
)

func (s State) String() string {
	switch s {
	case PendingSubscribe:
		return "pending-subscribe"
	case Active:
		return "active"
	case PendingUnsubscribe:
		return "pending-unsubscribe"
	}
	return "removed"
}

type subKey struct {
	uri  string
	mode live.Mode
}

// op is an entry of the correlation table: a command that has been read
// but not yet acknowledged.
type op struct {
	kind string
	key  subKey
}

// Session serves one socket. Handle is called by the connection's reader;
// acks and events are queued on the connection's outbound queue, which the
// writer drains independently.
type Session struct {
	conn  *conn.Conn
	feed  *multiplex.Feed
	store live.ResourceStore
	prime func(ctx context.Context, uri string) error

	mu      sync.Mutex
	pending map[string]op
	subs    map[subKey]State

	done chan struct{}
}

type Options struct {
	// Buffer bounds the results waiting to be rendered.
	Buffer int
	// Prime, when set, is called before a subscription is registered so the
	// engine compares the client's version against the stored one.
	Prime func(ctx context.Context, uri string) error
}

// NewSession attaches a session to c. Closing c tears the session down.
func NewSession(agg *multiplex.Aggregator, c *conn.Conn, store live.ResourceStore, opts Options) *Session {
	feed := agg.NewFeed(c.ID, live.Socket, multiplex.FeedOptions{
		Buffer:  opts.Buffer,
		Store:   store,
		Context: c.Context(),
	})
	s := &Session{
		conn:    c,
		feed:    feed,
		store:   store,
		prime:   opts.Prime,
		pending: make(map[string]op),
		subs:    make(map[subKey]State),
		done:    make(chan struct{}),
	}
	c.OnClose(s.feed.Close)
	go s.pump()
	return s
}

// Done is closed once the event pump has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// State reports a subscription's state.
func (s *Session) State(uri string, mode live.Mode) State {
	if mode == "" {
		mode = live.ModeValue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[subKey{uri, mode}]
}

// Pending returns the number of commands awaiting their ack.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HandleRaw decodes and handles one client frame.
func (s *Session) HandleRaw(b []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		s.send(ServerMessage{Type: TypeError, Condition: CondBadRequest, Text: "malformed message"})
		return
	}
	s.Handle(msg)
}

// Handle processes one client command. Registration never blocks, so the
// ack is queued before Handle returns, possibly after events for other
// subscriptions.
func (s *Session) Handle(msg ClientMessage) {
	if msg.Mode == "" {
		msg.Mode = live.ModeValue
	}
	key := subKey{msg.URI, msg.Mode}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
	default:
		s.fail(msg.ID, CondBadRequest, "unknown message type "+msg.Type)
		return
	}
	if msg.ID == "" {
		s.fail("", CondBadRequest, "missing id")
		return
	}

	s.mu.Lock()
	if _, busy := s.pending[msg.ID]; busy {
		s.mu.Unlock()
		s.fail(msg.ID, CondConflict, "id already in flight")
		return
	}
	s.pending[msg.ID] = op{kind: msg.Type, key: key}
	prev := s.subs[key]
	if msg.Type == TypeSubscribe && prev == Removed {
		s.subs[key] = PendingSubscribe
	}
	if msg.Type == TypeUnsubscribe && prev == Active {
		s.subs[key] = PendingUnsubscribe
	}
	s.mu.Unlock()

	var reply ServerMessage
	if msg.Type == TypeSubscribe {
		reply = s.subscribe(msg, key)
	} else {
		reply = s.unsubscribe(msg, key)
	}

	s.mu.Lock()
	delete(s.pending, msg.ID)
	s.mu.Unlock()
	s.send(reply)
}

func (s *Session) subscribe(msg ClientMessage, key subKey) ServerMessage {
	if msg.URI == "" {
		s.setState(key, Removed, PendingSubscribe)
		return ServerMessage{Type: TypeError, ID: msg.ID, Condition: CondBadRequest, Text: "missing uri"}
	}
	if s.prime != nil {
		if err := s.prime(s.conn.Context(), msg.URI); err != nil && !errors.Is(err, errors.NotFound) {
			logger.Warningf("connection %s: prime %s: %v", s.conn.ID, msg.URI, err)
		}
	}
	added, err := s.feed.Add(multiplex.Request{URI: msg.URI, Mode: msg.Mode, Since: msg.Since})
	if err != nil {
		s.setState(key, Removed, PendingSubscribe)
		cond := CondInternal
		if errors.Is(err, live.ErrMalformedRegistration) {
			cond = CondBadRequest
		}
		return ServerMessage{Type: TypeError, ID: msg.ID, Condition: cond, Text: err.Error()}
	}
	s.setState(key, Active, PendingSubscribe)
	if added {
		logger.Debugf("connection %s subscribed to %s (%s)", s.conn.ID, msg.URI, msg.Mode)
	}
	return ServerMessage{Type: TypeSubscribed, ID: msg.ID, URI: msg.URI, Mode: msg.Mode}
}

func (s *Session) unsubscribe(msg ClientMessage, key subKey) ServerMessage {
	if !s.feed.Remove(msg.URI, msg.Mode) {
		s.setState(key, Removed, PendingUnsubscribe)
		return ServerMessage{Type: TypeError, ID: msg.ID, Condition: CondNotFound, Text: "not subscribed"}
	}
	s.setState(key, Removed, PendingUnsubscribe)
	logger.Debugf("connection %s unsubscribed from %s (%s)", s.conn.ID, msg.URI, msg.Mode)
	return ServerMessage{Type: TypeUnsubscribed, ID: msg.ID, URI: msg.URI, Mode: msg.Mode}
}

// setState moves key to next if it is currently in from.
func (s *Session) setState(key subKey, next, from State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[key] != from {
		return
	}
	if next == Removed {
		delete(s.subs, key)
		return
	}
	s.subs[key] = next
}

// pump turns feed resolutions into event messages until the feed closes.
func (s *Session) pump() {
	defer close(s.done)
	for res := range s.feed.Events() {
		out, err := live.Render(s.conn.Context(), s.store, res)
		if err != nil {
			if s.conn.Context().Err() == nil {
				logger.Warningf("connection %s: render %s: %v", s.conn.ID, res.URI, err)
			}
			continue
		}
		if out.Event != live.EventUpdate {
			s.mu.Lock()
			delete(s.subs, subKey{res.URI, res.Mode})
			s.mu.Unlock()
		}
		if !s.send(ServerMessage{
			Type:    TypeEvent,
			URI:     res.URI,
			Mode:    res.Mode,
			Event:   out.Event,
			Headers: out.Headers,
			Body:    string(out.Body),
		}) {
			logger.Warningf("connection %s is not reading; closing", s.conn.ID)
			// Close waits for the feed, which waits for this loop to drain.
			go s.conn.Close()
		}
	}
}

func (s *Session) fail(id, cond, text string) {
	s.send(ServerMessage{Type: TypeError, ID: id, Condition: cond, Text: text})
}

func (s *Session) send(msg ServerMessage) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("connection %s: encode %s: %v", s.conn.ID, msg.Type, err)
		return false
	}
	return s.conn.Send(b)
}

// Serve runs the session's reader against read until it fails or ctx ends,
// then closes the connection.
func (s *Session) Serve(ctx context.Context, read func(context.Context) ([]byte, error)) error {
	defer s.conn.Close()
	for {
		b, err := read(ctx)
		if err != nil {
			return err
		}
		s.HandleRaw(b)
	}
}
