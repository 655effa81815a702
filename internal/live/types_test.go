package live

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/juju/errors"
)

func TestCompareCheckpoints(t *testing.T) {
	assert.Equal(t, CompareCheckpoints("9", "10"), -1)
	assert.Equal(t, CompareCheckpoints("10", "9"), 1)
	assert.Equal(t, CompareCheckpoints("10", "10"), 0)
	assert.Equal(t, CompareCheckpoints("01HX0000000000000000000000", "01HX0000000000000000000001"), -1)
	assert.Equal(t, CompareCheckpoints("b", "a"), 1)
}

func TestCheckRegistration(t *testing.T) {
	assert.Equal(t, CheckRegistration(ModeValue, LongPoll), nil)
	assert.Equal(t, CheckRegistration(ModeChanges, Stream), nil)
	assert.Equal(t, CheckRegistration(ModeHint, Socket), nil)
	assert.Equal(t, CheckRegistration(ModeHint, Callback), nil)

	err := CheckRegistration(ModeHint, LongPoll)
	assert.Equal(t, errors.Is(err, ErrMalformedRegistration), true)
	assert.Equal(t, IsFatal(err), true)

	err = CheckRegistration(Mode("diff"), Socket)
	assert.Equal(t, errors.Is(err, ErrMalformedRegistration), true)

	err = CheckRegistration(ModeValue, Mechanism("carrier-pigeon"))
	assert.Equal(t, errors.Is(err, ErrMalformedRegistration), true)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	assert.Equal(t, err, nil)
	assert.Equal(t, m, ModeValue)

	m, err = ParseMode("changes")
	assert.Equal(t, err, nil)
	assert.Equal(t, m, ModeChanges)

	_, err = ParseMode("patch")
	assert.Equal(t, errors.Is(err, ErrMalformedRegistration), true)
}

func TestResultFlags(t *testing.T) {
	assert.Equal(t, Result{Outcome: Notified, Reason: ReasonDeleted}.Deleted(), true)
	assert.Equal(t, Result{Outcome: TimedOut, Reason: ReasonDeleted}.Deleted(), false)
	assert.Equal(t, Result{Outcome: Notified, Reason: ReasonRestart}.Restart(), true)
	assert.Equal(t, TimedOut.String(), "timed-out")
}

type renderStore struct {
	snap    Snapshot
	changes []Change
	err     error
}

func (s renderStore) GetCurrent(ctx context.Context, uri string) (Snapshot, error) {
	if s.err != nil {
		return Snapshot{}, s.err
	}
	return s.snap, nil
}

func (s renderStore) ChangesSince(ctx context.Context, uri, after string) ([]Change, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.changes, nil
}

func TestRenderValue(t *testing.T) {
	res := Result{Outcome: Notified, Reason: ReasonUpdate, URI: "/a", Mode: ModeValue, Kind: KindValue,
		Version: `"b"`, ContentType: "text/plain", Payload: []byte("B")}
	out, err := Render(context.Background(), nil, res)
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Status, 200)
	assert.Equal(t, out.Headers["ETag"], `"b"`)
	assert.Equal(t, string(out.Body), "B")

	res.Fetch = true
	out, _ = Render(context.Background(), renderStore{snap: Snapshot{ETag: `"c"`, Content: []byte("C")}}, res)
	assert.Equal(t, out.Headers["ETag"], `"c"`)
	assert.Equal(t, string(out.Body), "C")

	out, _ = Render(context.Background(), renderStore{err: errors.NotFoundf("gone")}, res)
	assert.Equal(t, out.Event, EventDeleted)
}

func TestRenderChangesFetchReportsNewestChange(t *testing.T) {
	rs := renderStore{changes: []Change{{Checkpoint: "4", Payload: []byte("x")}, {Checkpoint: "5", Payload: []byte("y")}}}
	res := Result{Outcome: Notified, Reason: ReasonUpdate, URI: "/log", Mode: ModeChanges, Kind: KindChanges,
		Version: "4", PrevVersion: "3", Fetch: true}
	out, err := Render(context.Background(), rs, res)
	assert.Equal(t, err, nil)
	// the body and Changes-Id agree even when the store moved past "4"
	assert.Equal(t, out.Headers["Changes-Id"], "5")
	assert.Equal(t, out.Version, "5")
	assert.Equal(t, out.Headers["Previous-Changes-Id"], "3")
	changes, err := ParseChangesBody(out.Body)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changes), 2)
	assert.Equal(t, string(changes[1].Payload), "y")

	out, _ = Render(context.Background(), renderStore{err: errors.Annotate(ErrCheckpointExpired, "old")}, res)
	assert.Equal(t, out.Event, EventRestart)
	assert.Equal(t, out.Status, 404)
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()
	res := Result{Outcome: Notified, Reason: ReasonUpdate, URI: "/a", Mode: ModeValue, Kind: KindValue,
		Version: `"b"`, Fetch: true}

	got, err := Materialize(ctx, renderStore{snap: Snapshot{ETag: `"c"`, ContentType: "text/plain", Content: []byte("C")}}, res)
	assert.Equal(t, err, nil)
	assert.Equal(t, got.Fetch, false)
	assert.Equal(t, got.Version, `"c"`)
	assert.Equal(t, string(got.Payload), "C")

	got, _ = Materialize(ctx, renderStore{err: errors.NotFoundf("a")}, res)
	assert.Equal(t, got.Deleted(), true)

	// results that already carry their payload pass through
	res.Fetch = false
	got, _ = Materialize(ctx, renderStore{err: errors.New("unused")}, res)
	assert.Equal(t, got.Version, `"b"`)

	_, err = Materialize(ctx, renderStore{err: errors.New("boom")}, Result{Outcome: Notified, Reason: ReasonUpdate, Kind: KindValue, Fetch: true})
	assert.NotEqual(t, err, nil)
}
