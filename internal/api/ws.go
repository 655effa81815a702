package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/socket"
)

const wsWriteTimeout = 10 * time.Second

// handleSocket upgrades to a WebSocket and runs a subscription session on
// it. The reader hands frames to the session; one writer goroutine drains
// the connection's outbound queue, so acks and events leave in queue order.
func (a *API) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Errorf("failed to accept websocket: %v", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	c := a.conns.Open(r.Context(), live.Socket, r.RemoteAddr)
	sess := socket.NewSession(a.agg, c, a.reads, socket.Options{
		Buffer: a.cfg.Socket.Outbox,
		Prime:  a.disp.Ensure,
	})
	logger.Debugf("socket %s opened from %s", c.ID, r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-c.Done():
				return
			case b := <-c.Outbound():
				ctx, cancel := context.WithTimeout(c.Context(), wsWriteTimeout)
				err := ws.Write(ctx, websocket.MessageText, b)
				cancel()
				if err != nil {
					logger.Debugf("socket %s: write error: %v", c.ID, err)
					c.Close()
					return
				}
			}
		}
	}()

	err = sess.Serve(c.Context(), func(ctx context.Context) ([]byte, error) {
		_, data, err := ws.Read(ctx)
		return data, err
	})
	logger.Debugf("socket %s closed: %v", c.ID, err)
	<-writerDone
	<-sess.Done()
}
