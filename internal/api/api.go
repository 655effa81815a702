// Package api is the HTTP face of the engine: long-poll and streaming GETs
// on resources, multiplexed waits, the subscription socket, webhook
// subscriptions and the write path that feeds the dispatcher.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jsherman999/livefeed/internal/config"
	"github.com/jsherman999/livefeed/internal/conn"
	"github.com/jsherman999/livefeed/internal/dispatch"
	"github.com/jsherman999/livefeed/internal/exporter"
	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/multiplex"
	"github.com/jsherman999/livefeed/internal/store"
	"github.com/jsherman999/livefeed/internal/webhook"
	"github.com/jsherman999/livefeed/internal/webui"
)

var logger = loggo.GetLogger("livefeed.api")

// maxBody bounds resource writes and multiplex request bodies.
const maxBody = 16 << 20

type Deps struct {
	Config     *config.Config
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Aggregator *multiplex.Aggregator
	Webhooks   *webhook.Manager
	Conns      *conn.Hub
	Clock      clock.Clock
}

type API struct {
	cfg      *config.Config
	store    store.Store
	reads    live.ResourceStore
	disp     *dispatch.Dispatcher
	agg      *multiplex.Aggregator
	webhooks *webhook.Manager
	conns    *conn.Hub
	clock    clock.Clock
}

func New(d Deps) *API {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	return &API{
		cfg:      d.Config,
		store:    d.Store,
		reads:    d.Dispatcher.Reads(),
		disp:     d.Dispatcher,
		agg:      d.Aggregator,
		webhooks: d.Webhooks,
		conns:    d.Conns,
		clock:    d.Clock,
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/connections", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, a.conns.Stats())
		})
		r.Get("/waiters", func(w http.ResponseWriter, r *http.Request) {
			out := map[string]any{
				"pending": a.disp.Waiters().Pending(),
				"tracked": a.disp.Waiters().Versions().Len(),
			}
			if uri := r.URL.Query().Get("uri"); uri != "" {
				out["uri"] = uri
				out["pending_for_uri"] = a.disp.Waiters().PendingFor(uri)
			}
			if a.webhooks != nil {
				out["webhooks"] = a.webhooks.Stats()
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Get("/resources", func(w http.ResponseWriter, r *http.Request) {
			limit := 500
			if l := r.URL.Query().Get("limit"); l != "" {
				if v, err := strconv.Atoi(l); err == nil && v > 0 {
					limit = v
				}
			}
			list, err := a.store.List(r.Context(), limit)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, list)
		})
	})

	// GET /export?format=json|csv|changes&uri=...
	r.Get("/export", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 10000
		if l := q.Get("limit"); l != "" {
			if v, err := strconv.Atoi(l); err == nil && v > 0 {
				limit = v
			}
		}
		b, ct, err := exporter.Export(r.Context(), a.store, q.Get("format"), q.Get("uri"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	})

	r.Get("/multi", a.handleMulti)
	r.Post("/multi", a.handleMulti)
	r.Get("/ws", a.handleSocket)

	if ui, err := webui.Handler(); err == nil {
		r.Handle("/ui/*", http.StripPrefix("/ui", ui))
	}

	// Everything else is a resource path.
	r.HandleFunc("/*", a.handleResource)
	return r
}

func (a *API) handleResource(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Path
	if base, id, ok := splitSubscriptionPath(uri); ok {
		a.handleSubscriptions(w, r, base, id)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if wantsStream(r) {
			a.handleStream(w, r, uri)
			return
		}
		a.handleGet(w, r, uri)
	case http.MethodPut:
		a.handlePut(w, r, uri)
	case http.MethodPost:
		a.handleAppend(w, r, uri)
	case http.MethodDelete:
		a.handleDelete(w, r, uri)
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

const subscriptionsSegment = "/subscriptions/"

// splitSubscriptionPath recognises "{uri}/subscriptions/" and
// "{uri}/subscriptions/{id}".
func splitSubscriptionPath(p string) (uri, id string, ok bool) {
	i := strings.LastIndex(p, subscriptionsSegment)
	if i <= 0 {
		return "", "", false
	}
	id = p[i+len(subscriptionsSegment):]
	if strings.Contains(id, "/") {
		return "", "", false
	}
	return p[:i], id, true
}

// waitFor reads the requested wait from "Wait: <seconds>" or
// "Prefer: wait=<seconds>", clamped to the configured maximum.
func (a *API) waitFor(r *http.Request) time.Duration {
	raw := r.Header.Get("Wait")
	if raw == "" {
		for _, p := range strings.Split(r.Header.Get("Prefer"), ",") {
			p = strings.TrimSpace(p)
			if v, ok := strings.CutPrefix(p, "wait="); ok {
				raw = v
				break
			}
		}
	}
	if raw == "" {
		return a.cfg.Wait.Default
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > a.cfg.Wait.Max {
		d = a.cfg.Wait.Max
	}
	return d
}

// asFetch turns a hint into a read of the store, for transports that cannot
// carry payload-less notifications.
func (a *API) asFetch(res live.Result) live.Result {
	if res.Outcome != live.Notified || res.Reason != live.ReasonUpdate || res.Kind != live.KindHint {
		return res
	}
	res.Fetch = true
	res.Payload = nil
	if res.Mode == live.ModeChanges {
		res.Kind = live.KindChanges
		if cur, ok := a.disp.Current(res.URI); ok && cur.Checkpoint != "" {
			res.Version = cur.Checkpoint
		}
		return res
	}
	res.Kind = live.KindValue
	return res
}

func applyHeaders(w http.ResponseWriter, h map[string]string) {
	for k, v := range h {
		w.Header().Set(k, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, live.ErrCheckpointExpired):
		w.Header().Set("Live-Restart", "true")
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errors.NotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, live.ErrMalformedRegistration), errors.Is(err, errors.NotValid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, live.ErrOutOfOrderPublish):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Errorf("request failed: %v", errors.ErrorStack(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
