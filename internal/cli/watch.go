package cli

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/spf13/cobra"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/socket"
)

// errStreamOver means the server ended the stream for good (deleted or
// restart) and reconnecting would not help.
const errStreamOver = errors.ConstError("stream over")

func watchCmd(g *globals) *cobra.Command {
	var useWS bool
	var mode, since string

	cmd := &cobra.Command{
		Use:   "watch <uri>...",
		Short: "Follow resources as they change (event stream, or --ws for the socket)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if useWS {
				return watchSocket(ctx, g, args, live.Mode(mode), since)
			}
			if len(args) != 1 {
				return errors.New("the event stream follows one resource; use --ws for several")
			}
			return watchStream(ctx, g, resourcePath(args[0]), live.Mode(mode), since)
		},
	}
	cmd.Flags().BoolVar(&useWS, "ws", false, "use the WebSocket endpoint")
	cmd.Flags().StringVar(&mode, "mode", "value", "value|changes|hint (hint needs --ws)")
	cmd.Flags().StringVar(&since, "since", "", "ETag or checkpoint already held")
	return cmd
}

// watchStream follows one resource over the event stream, reconnecting
// with Last-Event-ID after transient failures.
func watchStream(ctx context.Context, g *globals, path string, mode live.Mode, since string) error {
	lastID := since
	if mode == live.ModeChanges {
		path += "?after=" + since
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			headers := map[string]string{"Accept": "text/event-stream"}
			if lastID != "" {
				headers["Last-Event-ID"] = lastID
			}
			resp, err := g.do(ctx, http.MethodGet, path, nil, headers)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return errors.Annotate(errStreamOver, "resource not found")
			}
			if err := expect(resp, http.StatusOK); err != nil {
				return err
			}

			var event, id string
			var data []string
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 64<<10), 16<<20)
			for sc.Scan() {
				line := sc.Text()
				if line == "" {
					if event != "" || len(data) > 0 {
						fmt.Printf("[%s] %s\n%s\n", event, id, strings.Join(data, "\n"))
						if id != "" {
							lastID = id
						}
						if event == live.EventDeleted || event == live.EventRestart {
							return errors.Annotatef(errStreamOver, "server sent %s", event)
						}
					}
					event, id, data = "", "", nil
					continue
				}
				k, v, _ := strings.Cut(line, ":")
				v = strings.TrimPrefix(v, " ")
				switch k {
				case "event":
					event = v
				case "id":
					id = v
				case "data":
					data = append(data, v)
				}
			}
			if err := sc.Err(); err != nil {
				return errors.Trace(err)
			}
			return errors.New("stream closed by server")
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errStreamOver) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			fmt.Fprintf(os.Stderr, "stream interrupted (attempt %d): %v\n", attempt, err)
		},
		// negative attempts retry until Stop fires
		Attempts:    -1,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if errors.Is(err, errStreamOver) {
		fmt.Fprintln(os.Stderr, errors.Cause(err))
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// watchSocket subscribes to every uri over one WebSocket and prints acks
// and events until interrupted.
func watchSocket(ctx context.Context, g *globals, uris []string, mode live.Mode, since string) error {
	base, err := g.baseURL()
	if err != nil {
		return err
	}
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	if err != nil {
		return errors.Annotate(err, "dial")
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	for i, uri := range uris {
		err := wsjson.Write(ctx, ws, socket.ClientMessage{
			Type:  socket.TypeSubscribe,
			ID:    fmt.Sprint(i + 1),
			URI:   resourcePath(uri),
			Mode:  mode,
			Since: since,
		})
		if err != nil {
			return errors.Annotate(err, "subscribe")
		}
	}

	for {
		var msg socket.ServerMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "read")
		}
		switch msg.Type {
		case socket.TypeEvent:
			version := msg.Headers["ETag"]
			if msg.Mode == live.ModeChanges {
				version = msg.Headers["Changes-Id"]
			}
			fmt.Printf("[%s %s] %s %s\n%s\n", msg.Event, msg.Mode, msg.URI, version, msg.Body)
		case socket.TypeError:
			fmt.Fprintf(os.Stderr, "error id=%s %s: %s\n", msg.ID, msg.Condition, msg.Text)
		default:
			fmt.Fprintf(os.Stderr, "%s id=%s %s\n", msg.Type, msg.ID, msg.URI)
		}
	}
}
