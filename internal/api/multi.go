package api

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/etag"
	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/multiplex"
)

// multiEntry is one resource's answer inside a multiplex response.
type multiEntry struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// parseMulti reads the request set from "u"/"inm" query pairs or from a
// JSON array body.
func parseMulti(w http.ResponseWriter, r *http.Request) ([]multiplex.Request, error) {
	if r.Method == http.MethodPost {
		var reqs []multiplex.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&reqs); err != nil {
			return nil, errors.Annotatef(live.ErrMalformedRegistration, "bad json: %v", err)
		}
		for i := range reqs {
			if reqs[i].Mode != live.ModeChanges {
				reqs[i].Since = etag.Normalize(reqs[i].Since)
			}
		}
		return reqs, nil
	}

	q := r.URL.Query()
	uris, tags := q["u"], q["inm"]
	mode, err := live.ParseMode(q.Get("mode"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	reqs := make([]multiplex.Request, 0, len(uris))
	for i, uri := range uris {
		req := multiplex.Request{URI: uri, Mode: mode}
		if i < len(tags) {
			req.Since = tags[i]
			if mode != live.ModeChanges {
				req.Since = etag.Normalize(tags[i])
			}
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// handleMulti waits on several resources at once and answers with the
// subset that changed, or 304 when none did within the wait.
func (a *API) handleMulti(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqs, err := parseMulti(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	reqs, err = multiplex.Normalize(reqs, live.LongPoll)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make(map[string]multiEntry, len(reqs))
	known := reqs[:0:0]
	for _, req := range reqs {
		err := a.disp.Ensure(ctx, req.URI)
		switch {
		case errors.Is(err, errors.NotFound):
			out[req.URI] = multiEntry{Code: http.StatusNotFound}
		case err != nil:
			writeError(w, err)
			return
		default:
			known = append(known, req)
		}
	}

	if len(known) > 0 {
		wait := a.waitFor(r)
		if len(out) > 0 {
			// missing resources already answer the request
			wait = 0
		}
		c := a.conns.Open(ctx, live.LongPoll, r.RemoteAddr)
		results, err := a.agg.Wait(ctx, known, wait, c.ID)
		c.Close()
		if err != nil {
			if ctx.Err() != nil {
				// client went away
				return
			}
			writeError(w, err)
			return
		}
		for uri, res := range results {
			rendered, err := live.Render(ctx, a.reads, a.asFetch(res))
			if err != nil {
				writeError(w, err)
				return
			}
			out[uri] = multiEntry{Code: rendered.Status, Headers: rendered.Headers, Body: string(rendered.Body)}
		}
	}

	if len(out) == 0 {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
