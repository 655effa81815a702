package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/etag"
	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/waiter"
)

func (a *API) handleGet(w http.ResponseWriter, r *http.Request, uri string) {
	ctx := r.Context()
	snap, err := a.store.GetCurrent(ctx, uri)
	if err != nil {
		writeError(w, err)
		return
	}
	a.disp.Prime(snap)
	setLinks(w, uri, snap.Checkpoint)

	if r.URL.Query().Has("after") {
		a.handleChanges(w, r, snap, r.URL.Query().Get("after"))
		return
	}
	if r.Method == http.MethodHead {
		w.Header().Set("ETag", snap.ETag)
		w.Header().Set("Content-Type", snap.ContentType)
		w.WriteHeader(http.StatusOK)
		return
	}

	inm := etag.First(r.Header.Get("If-None-Match"))
	if inm == "" || inm != snap.ETag {
		writeSnapshot(w, snap)
		return
	}
	wait := a.waitFor(r)
	if wait <= 0 {
		w.Header().Set("ETag", snap.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	res, err := a.longPoll(r, uri, live.ModeValue, inm, wait)
	if err != nil {
		writeError(w, err)
		return
	}
	a.writeResult(w, r, res)
}

func (a *API) handleChanges(w http.ResponseWriter, r *http.Request, snap live.Snapshot, after string) {
	uri := snap.URI
	if after != "" && after == snap.Checkpoint && r.Method == http.MethodGet {
		if wait := a.waitFor(r); wait > 0 {
			res, err := a.longPoll(r, uri, live.ModeChanges, after, wait)
			if err != nil {
				writeError(w, err)
				return
			}
			if res.Outcome == live.Notified && res.Reason == live.ReasonUpdate {
				w.Header().Add("Link", changesLink(uri, res.Version))
			}
			a.writeResult(w, r, res)
			return
		}
	}

	changes, err := a.reads.ChangesSince(r.Context(), uri, after)
	if err != nil {
		writeError(w, err)
		return
	}
	next := after
	if len(changes) > 0 {
		next = changes[len(changes)-1].Checkpoint
	} else if next == "" {
		next = snap.Checkpoint
	}
	w.Header().Set("Changes-Id", next)
	if after != "" {
		w.Header().Set("Previous-Changes-Id", after)
	}
	if next != "" {
		w.Header().Add("Link", changesLink(uri, next))
	}
	w.Header().Set("Content-Type", live.ChangesContentType)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(live.ChangesBody(changes))
	}
}

// longPoll registers one waiter for the request and blocks until it
// resolves or the client goes away.
func (a *API) longPoll(r *http.Request, uri string, mode live.Mode, since string, wait time.Duration) (live.Result, error) {
	c := a.conns.Open(r.Context(), live.LongPoll, r.RemoteAddr)
	defer c.Close()

	wt, err := a.disp.Waiters().Register(&waiter.Waiter{
		URI:       uri,
		Mode:      mode,
		Since:     since,
		Mechanism: live.LongPoll,
		Deadline:  a.clock.Now().Add(wait),
		ConnID:    c.ID,
	})
	if err != nil {
		return live.Result{}, errors.Trace(err)
	}
	c.Track(wt)
	select {
	case res := <-wt.Done():
		c.Untrack(wt)
		return res, nil
	case <-r.Context().Done():
		// the deferred Close cancels the waiter
		return live.Result{Outcome: live.Cancelled}, nil
	}
}

// writeResult renders a long-poll outcome.
func (a *API) writeResult(w http.ResponseWriter, r *http.Request, res live.Result) {
	switch res.Outcome {
	case live.Cancelled:
		return
	case live.TimedOut:
		if res.Mode == live.ModeChanges {
			w.Header().Set("Changes-Id", res.Version)
		} else {
			w.Header().Set("ETag", res.Version)
		}
		w.WriteHeader(http.StatusNotModified)
		return
	}

	out, err := live.Render(r.Context(), a.reads, a.asFetch(res))
	if err != nil {
		writeError(w, err)
		return
	}
	applyHeaders(w, out.Headers)
	w.WriteHeader(out.Status)
	if r.Method != http.MethodHead && len(out.Body) > 0 {
		_, _ = w.Write(out.Body)
	}
}

func writeSnapshot(w http.ResponseWriter, snap live.Snapshot) {
	w.Header().Set("ETag", snap.ETag)
	w.Header().Set("Content-Type", snap.ContentType)
	if !snap.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", snap.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snap.Content)
}

func changesLink(uri, checkpoint string) string {
	return fmt.Sprintf(`<%s?after=%s>; rel="changes-wait"`, uri, url.QueryEscape(checkpoint))
}

// setLinks advertises every way a client can follow the resource.
func setLinks(w http.ResponseWriter, uri, checkpoint string) {
	links := []string{
		fmt.Sprintf(`<%s>; rel="value-wait"`, uri),
		fmt.Sprintf(`<%s>; rel="value-stream"`, uri),
		`</multi>; rel="multiplex-wait"`,
		`</ws>; rel="multiplex-ws"`,
	}
	if checkpoint != "" {
		links = append(links, changesLink(uri, checkpoint))
	}
	for _, m := range []live.Mode{live.ModeValue, live.ModeChanges, live.ModeHint} {
		links = append(links, fmt.Sprintf(`<%s%s?mode=%s>; rel="%s-callback"`, uri, subscriptionsSegment, m, m))
	}
	w.Header().Set("Link", strings.Join(links, ", "))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, errors.NotValidf("request body: %v", err)
	}
	return b, nil
}

// handlePut replaces the content and publishes the new value.
func (a *API) handlePut(w http.ResponseWriter, r *http.Request, uri string) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := a.store.Put(r.Context(), uri, r.Header.Get("Content-Type"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.disp.Apply(r.Context(), snap, nil); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", snap.ETag)
	w.WriteHeader(http.StatusNoContent)
}

// handleAppend records one change and publishes it.
func (a *API) handleAppend(w http.ResponseWriter, r *http.Request, uri string) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, change, err := a.store.Append(r.Context(), uri, r.Header.Get("Content-Type"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.disp.Apply(r.Context(), snap, []live.Change{change}); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", snap.ETag)
	w.Header().Set("Changes-Id", change.Checkpoint)
	writeJSON(w, http.StatusCreated, map[string]string{
		"uri":        uri,
		"etag":       snap.ETag,
		"checkpoint": change.Checkpoint,
	})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request, uri string) {
	if err := a.store.Delete(r.Context(), uri); err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.disp.Delete(r.Context(), uri); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
