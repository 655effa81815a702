package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/webhook"
)

// handleSubscriptions serves the callback subscription collection of a
// resource: POST and GET on "{uri}/subscriptions/", GET and DELETE on
// "{uri}/subscriptions/{id}".
func (a *API) handleSubscriptions(w http.ResponseWriter, r *http.Request, uri, id string) {
	if a.webhooks == nil {
		http.Error(w, "callbacks disabled", http.StatusNotImplemented)
		return
	}
	switch {
	case id == "" && r.Method == http.MethodPost:
		a.subscribe(w, r, uri)
	case id == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, a.webhooks.List(uri))
	case id != "" && r.Method == http.MethodGet:
		sub, err := a.webhooks.Get(uri, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	case id != "" && r.Method == http.MethodDelete:
		if _, err := webhook.DecodeID(id); err != nil {
			writeError(w, err)
			return
		}
		if err := a.webhooks.Unsubscribe(uri, id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) subscribe(w http.ResponseWriter, r *http.Request, uri string) {
	ctx := r.Context()
	mode, err := live.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, err)
		return
	}

	callback := strings.TrimSpace(r.Header.Get("Callback-URL"))
	if callback == "" {
		var req struct {
			CallbackURL string `json:"callback_url"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			writeError(w, errors.Annotatef(live.ErrMalformedRegistration, "bad json: %v", err))
			return
		}
		callback = strings.TrimSpace(req.CallbackURL)
	}

	if err := a.disp.Ensure(ctx, uri); err != nil {
		writeError(w, err)
		return
	}
	sub, created, err := a.webhooks.Subscribe(ctx, uri, mode, callback)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", uri+subscriptionsSegment+sub.ID)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sub)
}
