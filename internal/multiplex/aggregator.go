// Package multiplex folds several single-resource registrations made over
// one client connection into one logical wait.
package multiplex

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/waiter"
)

var logger = loggo.GetLogger("livefeed.multiplex")

// Request names one resource and the version the client already has.
type Request struct {
	URI   string    `json:"uri"`
	Mode  live.Mode `json:"mode,omitempty"`
	Since string    `json:"since,omitempty"`
}

type Aggregator struct {
	waiters *waiter.Registry
	clock   clock.Clock
}

func New(waiters *waiter.Registry, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Aggregator{waiters: waiters, clock: clk}
}

// Normalize validates a request set and collapses repeated URIs (the first
// occurrence wins). Nothing is registered when it fails.
func Normalize(reqs []Request, mech live.Mechanism) ([]Request, error) {
	if len(reqs) == 0 {
		return nil, errors.Annotate(live.ErrMalformedRegistration, "no resources requested")
	}
	seen := make(map[string]struct{}, len(reqs))
	out := make([]Request, 0, len(reqs))
	for _, req := range reqs {
		if req.URI == "" {
			return nil, errors.Annotate(live.ErrMalformedRegistration, "empty resource uri")
		}
		if req.Mode == "" {
			req.Mode = live.ModeValue
		}
		if err := live.CheckRegistration(req.Mode, mech); err != nil {
			return nil, errors.Trace(err)
		}
		if _, dup := seen[req.URI]; dup {
			continue
		}
		seen[req.URI] = struct{}{}
		out = append(out, req)
	}
	return out, nil
}

// Check answers with whatever is resolvable right now, without waiting.
func (a *Aggregator) Check(ctx context.Context, reqs []Request, connID string) (map[string]live.Result, error) {
	return a.Wait(ctx, reqs, 0, connID)
}

// Wait registers one waiter per request. Anything that resolves at
// registration is returned at once. Otherwise, with a positive wait, it
// blocks until the first waiter resolves, cancels the rest and returns the
// resolved subset; an elapsed wait returns an empty map.
func (a *Aggregator) Wait(ctx context.Context, reqs []Request, wait time.Duration, connID string) (map[string]live.Result, error) {
	reqs, err := Normalize(reqs, live.LongPoll)
	if err != nil {
		return nil, err
	}

	ws := make([]*waiter.Waiter, 0, len(reqs))
	for _, req := range reqs {
		w, err := a.waiters.Register(&waiter.Waiter{
			URI:       req.URI,
			Mode:      req.Mode,
			Since:     req.Since,
			Mechanism: live.LongPoll,
			ConnID:    connID,
		})
		if err != nil {
			cancelAll(ws)
			return nil, errors.Trace(err)
		}
		ws = append(ws, w)
	}

	results := make(map[string]live.Result)
	pending := ws[:0:0]
	for _, w := range ws {
		select {
		case res := <-w.Done():
			results[w.URI] = res
		default:
			pending = append(pending, w)
		}
	}
	if len(results) > 0 || wait <= 0 {
		settle(pending, results)
		return results, nil
	}

	// Every waiter reaches exactly one terminal state, so each forwarder
	// hands over exactly one result.
	first := make(chan live.Result, len(pending))
	for _, w := range pending {
		go func(w *waiter.Waiter) { first <- <-w.Done() }(w)
	}

	remaining := len(pending)
	select {
	case res := <-first:
		remaining--
		results[res.URI] = res
		logger.Tracef("connection %s: %s won the multiplex wait", connID, res.URI)
	case <-a.clock.After(wait):
		logger.Tracef("connection %s: multiplex wait of %s elapsed", connID, wait)
	case <-ctx.Done():
		cancelAll(pending)
		return nil, ctx.Err()
	}

	// A loser that resolved before its cancel landed is part of the answer.
	cancelAll(pending)
	for ; remaining > 0; remaining-- {
		if res := <-first; res.Outcome == live.Notified {
			results[res.URI] = res
		}
	}
	return results, nil
}

// settle cancels the still-pending waiters and keeps any that resolved
// before the cancel.
func settle(pending []*waiter.Waiter, results map[string]live.Result) {
	for _, w := range pending {
		if w.Cancel() {
			continue
		}
		res := <-w.Done()
		if res.Outcome == live.Notified {
			results[w.URI] = res
		}
	}
}

func cancelAll(ws []*waiter.Waiter) {
	for _, w := range ws {
		w.Cancel()
	}
}
