package worker

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"

	"github.com/jsherman999/livefeed/internal/store"
)

func TestPruneWorkerRunsOnInterval(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, _ = st.Append(ctx, "/log", "", []byte("a"))
	_, _, _ = st.Append(ctx, "/log", "", []byte("b"))
	clk.Advance(2 * time.Hour)
	_, _, _ = st.Append(ctx, "/log", "", []byte("c"))

	w := NewPruneWorker(st, clk, time.Minute, time.Hour)
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	assert.Equal(t, clk.WaitAdvance(time.Minute, 5*time.Second, 1), nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		changes, _ := st.ChangesSince(ctx, "/log", "")
		if len(changes) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history not pruned: %d change(s) left", len(changes))
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}
