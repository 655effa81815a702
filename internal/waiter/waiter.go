package waiter

import (
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/jsherman999/livefeed/internal/live"
)

// Waiter is one blocked consumer. The owning transport reads exactly one
// Result from Done.
type Waiter struct {
	ID        string
	URI       string
	Mode      live.Mode
	Since     string
	Mechanism live.Mechanism
	// Deadline is zero for waiters that only end by notification or cancel.
	Deadline time.Time
	// ConnID names the owning connection. The waiter never keeps it alive.
	ConnID string

	resolved atomic.Bool
	done     chan live.Result
	timer    clock.Timer
	reg      *Registry
}

// Done yields the single terminal result.
func (w *Waiter) Done() <-chan live.Result { return w.done }

// Cancel withdraws the waiter. It is a no-op once the waiter has resolved.
func (w *Waiter) Cancel() bool {
	if w.reg == nil {
		return false
	}
	return w.reg.Cancel(w)
}

// Resolved reports whether a terminal result has been produced.
func (w *Waiter) Resolved() bool { return w.resolved.Load() }

func (w *Waiter) resolve(res live.Result) bool {
	if !w.resolved.CompareAndSwap(false, true) {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	res.URI = w.URI
	res.Mode = w.Mode
	w.done <- res
	return true
}
