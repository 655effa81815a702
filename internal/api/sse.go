package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/etag"
	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/multiplex"
)

const (
	streamHeartbeat = 15 * time.Second
	streamRetry     = 5 * time.Second
)

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// eventStream frames server-sent events onto a response. Every write is
// flushed so a held connection sees each event as it happens.
type eventStream struct {
	buf bytes.Buffer
	w   http.ResponseWriter
	f   http.Flusher
}

func openEventStream(w http.ResponseWriter) (*eventStream, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &eventStream{w: w, f: f}, true
}

// retry tells the client how long to wait before reconnecting.
func (s *eventStream) retry(d time.Duration) error {
	s.buf.WriteString("retry: ")
	s.buf.WriteString(strconv.FormatInt(d.Milliseconds(), 10))
	s.buf.WriteString("\n\n")
	return s.flush()
}

func (s *eventStream) ping() error {
	s.buf.WriteString(": ping\n\n")
	return s.flush()
}

// send writes one event. id is what the client echoes as Last-Event-ID.
func (s *eventStream) send(event, id string, data []byte) error {
	if event != "" {
		s.buf.WriteString("event: " + event + "\n")
	}
	if id != "" {
		s.buf.WriteString("id: " + id + "\n")
	}
	// data lines cannot carry a newline
	for _, line := range bytes.Split(data, []byte("\n")) {
		s.buf.WriteString("data: ")
		s.buf.Write(line)
		s.buf.WriteByte('\n')
	}
	s.buf.WriteByte('\n')
	return s.flush()
}

func (s *eventStream) flush() error {
	_, err := s.w.Write(s.buf.Bytes())
	s.buf.Reset()
	if err != nil {
		return errors.Trace(err)
	}
	s.f.Flush()
	return nil
}

// handleStream serves one resource as an event stream. Every resolution of
// the connection's feed becomes one event; deletion and restart end it.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request, uri string) {
	ctx := r.Context()
	snap, err := a.store.GetCurrent(ctx, uri)
	if err != nil {
		writeError(w, err)
		return
	}
	a.disp.Prime(snap)
	setLinks(w, uri, snap.Checkpoint)

	q := r.URL.Query()
	mode := live.ModeValue
	if q.Has("after") || q.Get("mode") == string(live.ModeChanges) {
		mode = live.ModeChanges
	}
	since := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if since == "" {
		if mode == live.ModeChanges {
			since = q.Get("after")
		} else {
			since = etag.First(r.Header.Get("If-None-Match"))
		}
	}

	sw, ok := openEventStream(w)
	if !ok {
		logger.Errorf("stream %s: response writer cannot flush", uri)
		http.Error(w, "event stream unavailable", http.StatusInternalServerError)
		return
	}

	c := a.conns.Open(ctx, live.Stream, r.RemoteAddr)
	defer c.Close()
	feed := a.agg.NewFeed(c.ID, live.Stream, multiplex.FeedOptions{
		Buffer:  a.cfg.Socket.Outbox,
		Store:   a.reads,
		Context: c.Context(),
	})
	c.OnClose(feed.Close)

	retry := a.cfg.Stream.Retry
	if retry <= 0 {
		retry = streamRetry
	}
	if err := sw.retry(retry); err != nil {
		return
	}

	switch {
	case mode == live.ModeValue && since == "":
		// a fresh value stream opens with the current content
		if err := sw.send(live.EventUpdate, snap.ETag, snap.Content); err != nil {
			return
		}
		since = snap.ETag
	case mode == live.ModeChanges && since == "":
		since = snap.Checkpoint
	}
	if _, err := feed.Add(multiplex.Request{URI: uri, Mode: mode, Since: since}); err != nil {
		_ = sw.send("error", "", []byte(err.Error()))
		return
	}
	logger.Debugf("stream %s on %s opened (mode=%s since=%q)", c.ID, uri, mode, since)

	heartbeat := a.cfg.Stream.Heartbeat
	if heartbeat <= 0 {
		heartbeat = streamHeartbeat
	}
	hb := a.clock.NewTimer(heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.Chan():
			if err := sw.ping(); err != nil {
				return
			}
			hb.Reset(heartbeat)
		case res, ok := <-feed.Events():
			if !ok {
				return
			}
			out, err := live.Render(ctx, a.reads, a.asFetch(res))
			if err != nil {
				logger.Errorf("stream %s: render %s: %v", c.ID, uri, err)
				return
			}
			id := ""
			if out.Event == live.EventUpdate {
				id = out.Version
			}
			if err := sw.send(out.Event, id, out.Body); err != nil {
				return
			}
			if out.Event != live.EventUpdate {
				return
			}
		}
	}
}
