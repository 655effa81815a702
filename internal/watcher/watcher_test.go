package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/dispatch"
	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/store"
	"github.com/jsherman999/livefeed/internal/versions"
	"github.com/jsherman999/livefeed/internal/waiter"
)

var ctx = context.Background()

func setup() (*Watcher, *dispatch.Dispatcher, *store.Memory) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	reg := waiter.New(versions.New(versions.Options{Clock: clk}), clk)
	disp := dispatch.New(reg, st, dispatch.Options{Clock: clk})
	return New(nil, st, disp, Options{DedupeWindow: 4, Clock: clk}), disp, st
}

func payload(n Notification) []byte {
	b, _ := json.Marshal(n)
	return b
}

func await(t *testing.T, w *waiter.Waiter) live.Result {
	t.Helper()
	select {
	case res := <-w.Done():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not resolve")
	}
	return live.Result{}
}

func TestPutNotificationPublishes(t *testing.T) {
	w, disp, st := setup()
	snap, change, _ := st.Append(ctx, "/log", "text/plain", []byte("a"))
	disp.Prime(live.Snapshot{URI: "/log"})

	valueW, err := disp.Waiters().Register(&waiter.Waiter{URI: "/log", Mode: live.ModeValue, Mechanism: live.Socket})
	assert.Equal(t, err, nil)

	err = w.Handle(ctx, payload(Notification{Op: "put", URI: "/log", ETag: snap.ETag, Checkpoint: change.Checkpoint}))
	assert.Equal(t, err, nil)

	res := await(t, valueW)
	assert.Equal(t, res.Version, snap.ETag)
	assert.Equal(t, string(res.Payload), "a")
	cur, _ := disp.Current("/log")
	assert.Equal(t, cur.Checkpoint, change.Checkpoint)
}

func TestChangesNotificationCarriesDelta(t *testing.T) {
	w, disp, st := setup()
	snap, first, _ := st.Append(ctx, "/log", "", []byte("a"))
	assert.Equal(t, disp.Apply(ctx, snap, []live.Change{first}), nil)

	changesW, _ := disp.Waiters().Register(&waiter.Waiter{URI: "/log", Mode: live.ModeChanges, Since: first.Checkpoint, Mechanism: live.Socket})
	_, _, _ = st.Append(ctx, "/log", "", []byte("b"))
	snap, third, _ := st.Append(ctx, "/log", "", []byte("c"))

	err := w.Handle(ctx, payload(Notification{Op: "put", URI: "/log", ETag: snap.ETag, Checkpoint: third.Checkpoint}))
	assert.Equal(t, err, nil)
	res := await(t, changesW)
	assert.Equal(t, res.Version, third.Checkpoint)
	changes, _ := live.ParseChangesBody(res.Payload)
	assert.Equal(t, len(changes), 2)
	assert.Equal(t, string(changes[0].Payload), "b")
}

func TestDeleteNotificationAndDedupe(t *testing.T) {
	w, disp, st := setup()
	snap, _ := st.Put(ctx, "/doc", "", []byte("x"))
	assert.Equal(t, disp.Apply(ctx, snap, nil), nil)

	valueW, _ := disp.Waiters().Register(&waiter.Waiter{URI: "/doc", Mode: live.ModeValue, Since: snap.ETag, Mechanism: live.Socket})
	del := payload(Notification{Op: "delete", URI: "/doc"})
	assert.Equal(t, w.Handle(ctx, del), nil)
	assert.Equal(t, await(t, valueW).Deleted(), true)
	assert.Equal(t, w.seenRecently("delete\n/doc\n\n"), true)

	assert.Equal(t, errors.Is(w.Handle(ctx, []byte("{")), errors.NotValid), true)
	assert.Equal(t, errors.Is(w.Handle(ctx, payload(Notification{Op: "truncate", URI: "/x"})), errors.NotValid), true)
}

func TestSeenRecentlyRingEvicts(t *testing.T) {
	w, _, _ := setup()
	for _, k := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, w.seenRecently(k), false)
	}
	assert.Equal(t, w.seenRecently("a"), true)
	assert.Equal(t, w.seenRecently("e"), false)
	// "a" was the oldest slot and has been overwritten
	assert.Equal(t, w.seenRecently("a"), false)
}
