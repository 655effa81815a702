package conn

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/versions"
	"github.com/jsherman999/livefeed/internal/waiter"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCloseCancelsOwnedWaiters(t *testing.T) {
	clk := testclock.NewClock(epoch)
	reg := waiter.New(versions.New(versions.Options{Clock: clk}), clk)
	hub := NewHub(clk, 4)

	c := hub.Open(context.Background(), live.Socket, "127.0.0.1:5000")
	for _, uri := range []string{"/a", "/b"} {
		w, err := reg.Register(&waiter.Waiter{URI: uri, Mode: live.ModeValue, Mechanism: live.Socket, ConnID: c.ID})
		assert.Equal(t, err, nil)
		c.Track(w)
	}
	ran := false
	c.OnClose(func() { ran = true })
	assert.Equal(t, reg.Pending(), int64(2))
	assert.Equal(t, hub.Stats().ByKind[live.Socket], 1)
	assert.Equal(t, hub.Stats().Waiters, 2)

	c.Close()
	c.Close()
	assert.Equal(t, reg.Pending(), int64(0))
	assert.Equal(t, ran, true)
	assert.Equal(t, hub.Len(), 0)
	select {
	case <-c.Done():
	default:
		t.Fatal("context not cancelled")
	}

	// late tracking on a closed connection cancels at once
	w, _ := reg.Register(&waiter.Waiter{URI: "/c", Mode: live.ModeValue, Mechanism: live.Socket})
	c.Track(w)
	assert.Equal(t, (<-w.Done()).Outcome, live.Cancelled)
}

func TestSendDropsWhenFull(t *testing.T) {
	hub := NewHub(nil, 2)
	c := hub.Open(context.Background(), live.Stream, "")
	assert.Equal(t, c.Send([]byte("1")), true)
	assert.Equal(t, c.Send([]byte("2")), true)
	assert.Equal(t, c.Send([]byte("3")), false)
	assert.Equal(t, hub.Stats().Dropped, int64(1))
	assert.Equal(t, string(<-c.Outbound()), "1")

	hub.CloseAll()
	assert.Equal(t, c.Send([]byte("4")), false)
	assert.Equal(t, hub.Len(), 0)
}
