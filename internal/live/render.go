package live

import (
	"context"
	"net/http"

	"github.com/juju/errors"
)

// Event names used on every push transport.
const (
	EventUpdate  = "update"
	EventDeleted = "deleted"
	EventRestart = "restart"
)

// Rendered is a resolved waiter turned into response status, headers and
// body, independent of the transport that carries it.
type Rendered struct {
	Status  int
	Event   string
	Version string
	Headers map[string]string
	Body    []byte
}

// Materialize turns a result that resolved without a payload (Fetch) into
// one that carries the content read from rs. A resource gone by then yields
// a deletion and a cursor rs no longer reaches yields a restart. Any other
// result, or a nil rs, is returned unchanged.
func Materialize(ctx context.Context, rs ResourceStore, res Result) (Result, error) {
	if !res.Fetch || rs == nil || res.Outcome != Notified || res.Reason != ReasonUpdate {
		return res, nil
	}
	switch res.Kind {
	case KindValue:
		snap, err := rs.GetCurrent(ctx, res.URI)
		if errors.Is(err, errors.NotFound) {
			return gone(res), nil
		}
		if err != nil {
			return res, errors.Trace(err)
		}
		res.Version = snap.ETag
		res.ContentType = snap.ContentType
		res.Payload = snap.Content

	case KindChanges:
		changes, err := rs.ChangesSince(ctx, res.URI, res.PrevVersion)
		switch {
		case errors.Is(err, ErrCheckpointExpired):
			res.Reason = ReasonRestart
			res.Version = ""
			res.Fetch = false
			return res, nil
		case errors.Is(err, errors.NotFound):
			return gone(res), nil
		case err != nil:
			return res, errors.Trace(err)
		}
		// the store may be ahead of the version the engine reported
		if n := len(changes); n > 0 {
			res.Version = changes[n-1].Checkpoint
		}
		res.ContentType = ChangesContentType
		res.Payload = ChangesBody(changes)

	default:
		return res, nil
	}
	res.Fetch = false
	return res, nil
}

func gone(res Result) Result {
	res.Reason = ReasonDeleted
	res.Version = ""
	res.Payload = nil
	res.Fetch = false
	return res
}

// Render produces the wire form of a Notified result. Fetch results are
// materialized from rs first.
func Render(ctx context.Context, rs ResourceStore, res Result) (Rendered, error) {
	res, err := Materialize(ctx, rs, res)
	if err != nil {
		return Rendered{}, errors.Trace(err)
	}
	switch {
	case res.Deleted():
		return Rendered{Status: http.StatusNotFound, Event: EventDeleted, Headers: map[string]string{}}, nil
	case res.Restart():
		return restart(), nil
	}

	out := Rendered{Status: http.StatusOK, Event: EventUpdate, Version: res.Version, Headers: map[string]string{}}
	switch res.Kind {
	case KindHint:
		out.Headers["Live-Hint"] = "true"
		if res.Mode != ModeChanges && res.Version != "" {
			out.Headers["ETag"] = res.Version
		}
		return out, nil

	case KindValue:
		out.Headers["ETag"] = res.Version
		setContentType(out.Headers, res.ContentType)
		out.Body = res.Payload
		return out, nil

	case KindChanges:
		out.Headers["Changes-Id"] = res.Version
		if res.PrevVersion != "" {
			out.Headers["Previous-Changes-Id"] = res.PrevVersion
		}
		setContentType(out.Headers, res.ContentType)
		out.Body = res.Payload
		return out, nil
	}
	return Rendered{}, errors.NotValidf("result kind %q", res.Kind)
}

func restart() Rendered {
	return Rendered{Status: http.StatusNotFound, Event: EventRestart, Headers: map[string]string{"Live-Restart": "true"}}
}

func setContentType(h map[string]string, ct string) {
	if ct != "" {
		h["Content-Type"] = ct
	}
}
