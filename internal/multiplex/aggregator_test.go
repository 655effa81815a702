package multiplex

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/versions"
	"github.com/jsherman999/livefeed/internal/waiter"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	reg *waiter.Registry
	clk *testclock.Clock
	agg *Aggregator
}

func newFixture() *fixture {
	clk := testclock.NewClock(epoch)
	reg := waiter.New(versions.New(versions.Options{Clock: clk}), clk)
	return &fixture{reg: reg, clk: clk, agg: New(reg, clk)}
}

func (f *fixture) publish(uri, version string, kind live.UpdateKind, payload string) {
	f.reg.Versions().With(uri, func(e *versions.Entry) {
		e.Set(version, kind)
		f.reg.ResolveAll(e, live.Event{URI: uri, Version: version, Kind: kind, Payload: []byte(payload)})
	})
}

// waitFor polls until the registry holds n waiters, so a publish made by the
// test lands after the aggregator has registered.
func (f *fixture) waitFor(t *testing.T, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.reg.Pending() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending waiters, have %d", n, f.reg.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

type waitResult struct {
	results map[string]live.Result
	err     error
}

func (f *fixture) waitAsync(reqs []Request, wait time.Duration) <-chan waitResult {
	ch := make(chan waitResult, 1)
	go func() {
		res, err := f.agg.Wait(context.Background(), reqs, wait, "conn-1")
		ch <- waitResult{res, err}
	}()
	return ch
}

func receive(t *testing.T, ch <-chan waitResult) waitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("multiplex wait did not return")
	}
	return waitResult{}
}

func TestWaitFirstWinsCancelsOthers(t *testing.T) {
	f := newFixture()
	for _, uri := range []string{"/a", "/b", "/c"} {
		f.publish(uri, "1", live.KindChanges, "")
	}

	ch := f.waitAsync([]Request{
		{URI: "/a", Mode: live.ModeChanges, Since: "1"},
		{URI: "/b", Mode: live.ModeChanges, Since: "1"},
		{URI: "/c", Mode: live.ModeChanges, Since: "1"},
	}, time.Minute)
	f.waitFor(t, 3)

	f.publish("/b", "2", live.KindChanges, "+b")
	got := receive(t, ch)
	assert.Equal(t, got.err, nil)
	assert.Equal(t, len(got.results), 1)
	assert.Equal(t, got.results["/b"].Version, "2")
	assert.Equal(t, string(got.results["/b"].Payload), "+b")

	// the other registrations are gone
	assert.Equal(t, f.reg.Pending(), int64(0))
}

func TestWaitReturnsOnlyChangedSubset(t *testing.T) {
	f := newFixture()
	f.publish("/a", "1", live.KindChanges, "")
	f.publish("/b", "3", live.KindChanges, "")

	// b already moved past the client's token; a did not
	results, err := f.agg.Wait(context.Background(), []Request{
		{URI: "/a", Mode: live.ModeChanges, Since: "1"},
		{URI: "/b", Mode: live.ModeChanges, Since: "2"},
	}, time.Minute, "conn-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(results), 1)
	_, hasA := results["/a"]
	assert.Equal(t, hasA, false)
	assert.Equal(t, results["/b"].Version, "3")
	assert.Equal(t, results["/b"].Fetch, true)
	assert.Equal(t, f.reg.Pending(), int64(0))
}

func TestWaitTimesOutEmpty(t *testing.T) {
	f := newFixture()
	f.publish("/a", `"x"`, live.KindValue, "")

	ch := f.waitAsync([]Request{{URI: "/a", Since: `"x"`}}, 30*time.Second)
	f.waitFor(t, 1)
	// the aggregator's own timer
	assert.Equal(t, f.clk.WaitAdvance(30*time.Second, 5*time.Second, 1), nil)

	got := receive(t, ch)
	assert.Equal(t, got.err, nil)
	assert.Equal(t, len(got.results), 0)
	assert.Equal(t, f.reg.Pending(), int64(0))
}

func TestWaitRejectsMalformedBeforeRegistering(t *testing.T) {
	f := newFixture()
	_, err := f.agg.Wait(context.Background(), []Request{
		{URI: "/a"},
		{URI: "/b", Mode: live.ModeHint},
	}, time.Minute, "conn-1")
	assert.Equal(t, errors.Is(err, live.ErrMalformedRegistration), true)
	assert.Equal(t, f.reg.Pending(), int64(0))

	_, err = f.agg.Wait(context.Background(), nil, time.Minute, "conn-1")
	assert.Equal(t, errors.Is(err, live.ErrMalformedRegistration), true)
}

func TestCheckWithNothingReady(t *testing.T) {
	f := newFixture()
	f.publish("/a", `"x"`, live.KindValue, "")
	results, err := f.agg.Check(context.Background(), []Request{{URI: "/a", Since: `"x"`}}, "conn-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(results), 0)
	assert.Equal(t, f.reg.Pending(), int64(0))
}

func TestWaitContextCancelled(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() {
		_, err := f.agg.Wait(ctx, []Request{{URI: "/a"}}, time.Minute, "conn-1")
		ch <- err
	}()
	f.waitFor(t, 1)
	cancel()
	select {
	case err := <-ch:
		assert.Equal(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("wait ignored cancellation")
	}
	assert.Equal(t, f.reg.Pending(), int64(0))
}

func TestNormalizeCollapsesDuplicates(t *testing.T) {
	reqs, err := Normalize([]Request{
		{URI: "/a", Since: "1"},
		{URI: "/b"},
		{URI: "/a", Since: "2"},
	}, live.LongPoll)
	assert.Equal(t, err, nil)
	assert.Equal(t, reqs, []Request{
		{URI: "/a", Mode: live.ModeValue, Since: "1"},
		{URI: "/b", Mode: live.ModeValue},
	})
}
