// Package live holds the vocabulary shared by every part of the update
// dispatch engine: update modes, delivery mechanisms, waiter results and
// the Resource Store contract.
package live

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// Mode is what a consumer asked to be told about.
type Mode string

const (
	ModeValue   Mode = "value"
	ModeChanges Mode = "changes"
	ModeHint    Mode = "hint"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeValue, ModeChanges, ModeHint:
		return Mode(s), nil
	case "":
		return ModeValue, nil
	}
	return "", errors.Annotatef(ErrMalformedRegistration, "unknown mode %q", s)
}

// UpdateKind is what a publisher announced.
type UpdateKind string

const (
	KindValue   UpdateKind = "value"
	KindChanges UpdateKind = "changes"
	KindHint    UpdateKind = "hint"
)

func ParseKind(s string) (UpdateKind, error) {
	switch UpdateKind(s) {
	case KindValue, KindChanges, KindHint:
		return UpdateKind(s), nil
	}
	return "", errors.NotValidf("update kind %q", s)
}

// Mechanism is the transport that owns a waiter.
type Mechanism string

const (
	LongPoll Mechanism = "long-poll"
	Stream   Mechanism = "stream"
	Socket   Mechanism = "socket"
	Callback Mechanism = "callback"
)

// CheckRegistration rejects mode/mechanism combinations no transport can render.
// Hints carry no payload, so a request/response or streaming GET has nothing to
// return for them.
func CheckRegistration(mode Mode, mech Mechanism) error {
	switch mode {
	case ModeValue, ModeChanges, ModeHint:
	default:
		return errors.Annotatef(ErrMalformedRegistration, "unknown mode %q", mode)
	}
	switch mech {
	case Socket, Callback:
		return nil
	case LongPoll, Stream:
		if mode == ModeHint {
			return errors.Annotatef(ErrMalformedRegistration, "mode %q cannot be served by %s", mode, mech)
		}
		return nil
	}
	return errors.Annotatef(ErrMalformedRegistration, "unknown mechanism %q", mech)
}

// Outcome is the terminal state of a waiter.
type Outcome int

const (
	Notified Outcome = iota + 1
	TimedOut
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Notified:
		return "notified"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	}
	return "pending"
}

// Reason qualifies a Notified result.
type Reason string

const (
	ReasonUpdate  Reason = "update"
	ReasonDeleted Reason = "deleted"
	// ReasonRestart means the consumer's checkpoint is no longer valid and it
	// must start over from an unconditional request.
	ReasonRestart Reason = "restart"
)

// Result is delivered exactly once to the owner of a waiter.
type Result struct {
	Outcome Outcome
	Reason  Reason

	URI  string
	Mode Mode
	Kind UpdateKind

	// Version is the ETag (value mode) or checkpoint (changes mode) the
	// consumer now has. PrevVersion is the token it had before.
	Version     string
	PrevVersion string

	ContentType string
	Payload     []byte

	// Fetch is set when the waiter resolved without a publish (the resource
	// had already moved on at registration time); the owner reads the
	// content from the Resource Store.
	Fetch bool
}

// Deleted reports whether the result signals a removed resource.
func (r Result) Deleted() bool { return r.Outcome == Notified && r.Reason == ReasonDeleted }

// Restart reports whether the result signals an expired checkpoint.
func (r Result) Restart() bool { return r.Outcome == Notified && r.Reason == ReasonRestart }

// Event is one change announced by the Publisher.
type Event struct {
	URI         string
	Version     string
	Kind        UpdateKind
	ContentType string
	Payload     []byte
	At          time.Time
	// Upgrade marks a full value re-sent to value consumers that have only
	// been given hints; hint consumers are not woken by it.
	Upgrade bool
}

// Snapshot is the current state of a resource as held by the Resource Store.
type Snapshot struct {
	URI         string    `json:"uri"`
	ETag        string    `json:"etag"`
	Checkpoint  string    `json:"checkpoint,omitempty"`
	ContentType string    `json:"content_type"`
	Content     []byte    `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Change is one entry of a resource's change history.
type Change struct {
	URI        string    `json:"uri"`
	Checkpoint string    `json:"checkpoint"`
	Payload    []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ResourceStore supplies current content and change history on demand.
type ResourceStore interface {
	// GetCurrent returns errors.NotFound for unknown or deleted resources.
	GetCurrent(ctx context.Context, uri string) (Snapshot, error)
	// ChangesSince returns the changes strictly after the checkpoint, oldest
	// first. It returns ErrCheckpointExpired when the history no longer
	// reaches back that far.
	ChangesSince(ctx context.Context, uri, after string) ([]Change, error)
}

// CompareCheckpoints orders two checkpoints of the same resource. Decimal
// cursors compare numerically, anything else (ULIDs) lexicographically.
func CompareCheckpoints(a, b string) int {
	if a == b {
		return 0
	}
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
