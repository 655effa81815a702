package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/versions"
	"github.com/jsherman999/livefeed/internal/waiter"
)

var bgCtx = context.Background()

type fakeStore struct {
	snap       live.Snapshot
	changesErr error
	// onRead runs inside GetCurrent, before the snapshot is returned.
	onRead func()
}

func (f *fakeStore) GetCurrent(ctx context.Context, uri string) (live.Snapshot, error) {
	if f.onRead != nil {
		f.onRead()
	}
	if f.snap.URI != uri {
		return live.Snapshot{}, errors.NotFoundf("resource %q", uri)
	}
	return f.snap, nil
}

func (f *fakeStore) ChangesSince(ctx context.Context, uri, after string) ([]live.Change, error) {
	return nil, f.changesErr
}

type recordingHooks struct {
	mu        sync.Mutex
	published []live.Event
	deleted   []string
}

func (h *recordingHooks) Published(ev live.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, ev)
}

func (h *recordingHooks) Deleted(uri string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, uri)
}

func newDispatcher(store live.ResourceStore, opts Options) (*Dispatcher, *recordingHooks) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	opts.Clock = clk
	reg := waiter.New(versions.New(versions.Options{Clock: clk}), clk)
	d := New(reg, store, opts)
	hooks := &recordingHooks{}
	d.SetHooks(hooks)
	return d, hooks
}

func register(t *testing.T, d *Dispatcher, uri string, mode live.Mode, since string) *waiter.Waiter {
	t.Helper()
	w, err := d.Waiters().Register(&waiter.Waiter{URI: uri, Mode: mode, Since: since, Mechanism: live.Socket})
	assert.Equal(t, err, nil)
	return w
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

func TestPublishWakesAndHooks(t *testing.T) {
	d, hooks := newDispatcher(nil, Options{})
	_, err := d.Publish(bgCtx, live.Event{URI: "/object", Version: `"a"`, Kind: live.KindValue, Payload: []byte("A")})
	assert.Equal(t, err, nil)

	w := register(t, d, "/object", live.ModeValue, `"a"`)
	out, err := d.Publish(bgCtx, live.Event{URI: "/object", Version: `"b"`, Kind: live.KindValue, Payload: []byte("B")})
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Woken, 1)

	res := await(t, w)
	assert.Equal(t, res.Version, `"b"`)
	assert.Equal(t, string(res.Payload), "B")
	assert.Equal(t, len(hooks.published), 2)

	cur, ok := d.Current("/object")
	assert.Equal(t, ok, true)
	assert.Equal(t, cur.ETag, `"b"`)
}

func TestPublishRejectsOutOfOrderCheckpoint(t *testing.T) {
	d, hooks := newDispatcher(nil, Options{})
	_, err := d.Publish(bgCtx, live.Event{URI: "/log", Version: "10", Kind: live.KindChanges})
	assert.Equal(t, err, nil)

	w := register(t, d, "/log", live.ModeChanges, "10")
	_, err = d.Publish(bgCtx, live.Event{URI: "/log", Version: "9", Kind: live.KindChanges})
	assert.Equal(t, errors.Is(err, live.ErrOutOfOrderPublish), true)
	assert.Equal(t, live.IsFatal(err), true)

	cur, _ := d.Current("/log")
	assert.Equal(t, cur.Checkpoint, "10")
	assert.Equal(t, w.Resolved(), false)
	assert.Equal(t, len(hooks.published), 1)
}

func TestPublishDuplicateIsNoop(t *testing.T) {
	d, hooks := newDispatcher(nil, Options{})
	_, _ = d.Publish(bgCtx, live.Event{URI: "/log", Version: "3", Kind: live.KindChanges})
	out, err := d.Publish(bgCtx, live.Event{URI: "/log", Version: "3", Kind: live.KindChanges})
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Duplicate, true)

	_, _ = d.Publish(bgCtx, live.Event{URI: "/v", Version: `"x"`, Kind: live.KindValue})
	out, _ = d.Publish(bgCtx, live.Event{URI: "/v", Version: `"x"`, Kind: live.KindValue})
	assert.Equal(t, out.Duplicate, true)
	assert.Equal(t, len(hooks.published), 2)
}

func TestPublishValidation(t *testing.T) {
	d, _ := newDispatcher(nil, Options{})
	_, err := d.Publish(bgCtx, live.Event{Version: "1", Kind: live.KindChanges})
	assert.Equal(t, errors.Is(err, errors.NotValid), true)
	_, err = d.Publish(bgCtx, live.Event{URI: "/x", Kind: live.KindValue})
	assert.Equal(t, errors.Is(err, errors.NotValid), true)
	_, err = d.Publish(bgCtx, live.Event{URI: "/x", Version: "1", Kind: "diff"})
	assert.Equal(t, errors.Is(err, errors.NotValid), true)
}

func TestDeleteReleasesWaiters(t *testing.T) {
	d, hooks := newDispatcher(nil, Options{})
	_, _ = d.Publish(bgCtx, live.Event{URI: "/object", Version: `"a"`, Kind: live.KindValue})
	w := register(t, d, "/object", live.ModeValue, `"a"`)

	n, err := d.Delete(bgCtx, "/object")
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)
	assert.Equal(t, await(t, w).Deleted(), true)
	assert.Equal(t, hooks.deleted, []string{"/object"})

	// deleting twice is quiet
	n, _ = d.Delete(bgCtx, "/object")
	assert.Equal(t, n, 0)
	assert.Equal(t, len(hooks.deleted), 1)

	// and a later publish recreates the resource
	_, err = d.Publish(bgCtx, live.Event{URI: "/object", Version: `"c"`, Kind: live.KindValue})
	assert.Equal(t, err, nil)
	cur, _ := d.Current("/object")
	assert.Equal(t, cur.Deleted, false)
}

func TestLargeValueDowngradedToHint(t *testing.T) {
	d, hooks := newDispatcher(nil, Options{MaxValuePayload: 4})
	_, _ = d.Publish(bgCtx, live.Event{URI: "/big", Version: `"a"`, Kind: live.KindValue})
	w := register(t, d, "/big", live.ModeValue, `"a"`)

	_, err := d.Publish(bgCtx, live.Event{URI: "/big", Version: `"b"`, Kind: live.KindValue, Payload: []byte("too large")})
	assert.Equal(t, err, nil)
	res := await(t, w)
	assert.Equal(t, res.Kind, live.KindHint)
	assert.Equal(t, res.Version, `"b"`)
	assert.Equal(t, len(res.Payload), 0)
	assert.Equal(t, hooks.published[1].Kind, live.KindHint)
}

func TestHintsUpgradeToValue(t *testing.T) {
	store := &fakeStore{snap: live.Snapshot{URI: "/doc", ETag: `"v3"`, ContentType: "text/plain", Content: []byte("full")}}
	d, hooks := newDispatcher(store, Options{HintUpgradeAfter: 3})
	_, _ = d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"v0"`, Kind: live.KindValue})

	for _, v := range []string{`"v1"`, `"v2"`} {
		w := register(t, d, "/doc", live.ModeValue, "")
		out, err := d.Publish(bgCtx, live.Event{URI: "/doc", Version: v, Kind: live.KindHint})
		assert.Equal(t, err, nil)
		assert.Equal(t, out.Upgraded, false)
		assert.Equal(t, await(t, w).Kind, live.KindHint)
	}

	value := register(t, d, "/doc", live.ModeValue, "")
	hint := register(t, d, "/doc", live.ModeHint, "")
	out, err := d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"v3"`, Kind: live.KindHint})
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Upgraded, true)

	assert.Equal(t, await(t, value).Kind, live.KindHint)
	assert.Equal(t, await(t, hint).Kind, live.KindHint)

	last := hooks.published[len(hooks.published)-1]
	assert.Equal(t, last.Upgrade, true)
	assert.Equal(t, last.Kind, live.KindValue)
	assert.Equal(t, string(last.Payload), "full")

	cur, _ := d.Current("/doc")
	assert.Equal(t, cur.HintStreak, 0)
}

func TestUpgradeWithoutStoreIsSkipped(t *testing.T) {
	d, hooks := newDispatcher(nil, Options{HintUpgradeAfter: 1})
	_, _ = d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"v0"`, Kind: live.KindValue})
	out, err := d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"v1"`, Kind: live.KindHint})
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Upgraded, false)
	assert.Equal(t, len(hooks.published), 2)
}

func TestUpgradeResetsStreak(t *testing.T) {
	store := &fakeStore{snap: live.Snapshot{URI: "/doc", ETag: `"v1"`, Content: []byte("full")}}
	d, _ := newDispatcher(store, Options{HintUpgradeAfter: 1})
	_, _ = d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"v0"`, Kind: live.KindValue})

	out, err := d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"v1"`, Kind: live.KindHint})
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Upgraded, true)

	cur, _ := d.Current("/doc")
	assert.Equal(t, cur.Kind, live.KindValue)
	assert.Equal(t, cur.ETag, `"v1"`)
	assert.Equal(t, cur.HintStreak, 0)
}

func TestPrimeSeedsOnce(t *testing.T) {
	d, _ := newDispatcher(nil, Options{})
	d.Prime(live.Snapshot{URI: "/object", ETag: `"a"`})
	d.Prime(live.Snapshot{URI: "/object", ETag: `"zzz"`})

	w := register(t, d, "/object", live.ModeValue, `"old"`)
	res := await(t, w)
	assert.Equal(t, res.Version, `"a"`)
	assert.Equal(t, res.Fetch, true)
}

func TestApplyPublishesChangesThenValue(t *testing.T) {
	d, hooks := newDispatcher(nil, Options{})
	changesW := register(t, d, "/log", live.ModeChanges, "")
	valueW := register(t, d, "/log", live.ModeValue, "")

	snap := live.Snapshot{URI: "/log", ETag: `"e1"`, Checkpoint: "7", ContentType: "text/plain", Content: []byte("ab")}
	err := d.Apply(bgCtx, snap, []live.Change{{URI: "/log", Checkpoint: "7", Payload: []byte("b")}})
	assert.Equal(t, err, nil)

	res := await(t, changesW)
	assert.Equal(t, res.Version, "7")
	changes, err := live.ParseChangesBody(res.Payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(changes[0].Payload), "b")
	assert.Equal(t, string(await(t, valueW).Payload), "ab")
	assert.Equal(t, len(hooks.published), 2)

	// applying the same write again changes nothing
	assert.Equal(t, d.Apply(bgCtx, snap, []live.Change{{URI: "/log", Checkpoint: "7"}}), nil)
	assert.Equal(t, len(hooks.published), 2)
}

// parkingHooks holds the first publish of version park inside Published
// until release is closed.
type parkingHooks struct {
	recordingHooks
	park    string
	parked  chan struct{}
	release chan struct{}
}

func (h *parkingHooks) Published(ev live.Event) {
	if ev.Version == h.park {
		close(h.parked)
		<-h.release
	}
	h.recordingHooks.Published(ev)
}

func TestHooksSeeCheckpointsInPublishOrder(t *testing.T) {
	d, _ := newDispatcher(nil, Options{})
	hooks := &parkingHooks{park: "10", parked: make(chan struct{}), release: make(chan struct{})}
	d.SetHooks(hooks)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := d.Publish(bgCtx, live.Event{URI: "/log", Version: "10", Kind: live.KindChanges})
		assert.Equal(t, err, nil)
	}()
	<-hooks.parked
	go func() {
		defer wg.Done()
		_, err := d.Publish(bgCtx, live.Event{URI: "/log", Version: "11", Kind: live.KindChanges})
		assert.Equal(t, err, nil)
	}()
	// give the second publish time to overtake if it could
	time.Sleep(20 * time.Millisecond)
	close(hooks.release)
	wg.Wait()

	got := []string{}
	for _, ev := range hooks.published {
		got = append(got, ev.Version)
	}
	assert.Equal(t, got, []string{"10", "11"})
}

func TestUpgradeYieldsToConcurrentPublish(t *testing.T) {
	store := &fakeStore{snap: live.Snapshot{URI: "/doc", ETag: `"old"`, Content: []byte("OLD")}}
	d, hooks := newDispatcher(store, Options{HintUpgradeAfter: 1})
	_, _ = d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"v0"`, Kind: live.KindValue})

	var holder *waiter.Waiter
	store.onRead = func() {
		store.onRead = nil
		// a new value lands while the upgrade is reading the store
		_, err := d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"new"`, Kind: live.KindValue, Payload: []byte("NEW")})
		assert.Equal(t, err, nil)
		holder = register(t, d, "/doc", live.ModeValue, `"new"`)
	}

	out, err := d.Publish(bgCtx, live.Event{URI: "/doc", Version: `"old"`, Kind: live.KindHint})
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Upgraded, false)

	cur, _ := d.Current("/doc")
	assert.Equal(t, cur.ETag, `"new"`)
	assert.Equal(t, holder.Resolved(), false)
	last := hooks.published[len(hooks.published)-1]
	assert.Equal(t, last.Version, `"new"`)
	assert.Equal(t, last.Upgrade, false)
}

func TestReadsRememberExpiredCursor(t *testing.T) {
	store := &fakeStore{changesErr: errors.Annotate(live.ErrCheckpointExpired, "pruned")}
	d, _ := newDispatcher(store, Options{})
	_, _ = d.Publish(bgCtx, live.Event{URI: "/log", Version: "9", Kind: live.KindChanges})

	// before the store has been asked, an older cursor is answered by a read
	res := await(t, register(t, d, "/log", live.ModeChanges, "3"))
	assert.Equal(t, res.Fetch, true)

	_, err := d.Reads().ChangesSince(bgCtx, "/log", "3")
	assert.Equal(t, errors.Is(err, live.ErrCheckpointExpired), true)

	res = await(t, register(t, d, "/log", live.ModeChanges, "3"))
	assert.Equal(t, res.Restart(), true)
	// other cursors are still left to the store
	assert.Equal(t, await(t, register(t, d, "/log", live.ModeChanges, "4")).Fetch, true)
}

func TestReadsWithoutStore(t *testing.T) {
	d, _ := newDispatcher(nil, Options{})
	assert.Equal(t, d.Reads(), nil)
}
