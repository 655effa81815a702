// Package exporter renders the resource inventory and change logs for
// offline inspection.
package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/live"
	"github.com/jsherman999/livefeed/internal/store"
)

type ResourceExport struct {
	Resources []live.Snapshot `json:"resources"`
}

func ExportResourcesJSON(ctx context.Context, st store.Store, limit int) ([]byte, string, error) {
	list, err := st.List(ctx, limit)
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	if list == nil {
		list = []live.Snapshot{}
	}
	b, err := json.MarshalIndent(ResourceExport{Resources: list}, "", "  ")
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	return b, "application/json", nil
}

func ExportResourcesCSV(ctx context.Context, st store.Store, limit int) ([]byte, string, error) {
	list, err := st.List(ctx, limit)
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	buf := new(bytes.Buffer)
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"uri", "etag", "checkpoint", "content_type", "updated_at"})
	for _, s := range list {
		_ = w.Write([]string{s.URI, s.ETag, s.Checkpoint, s.ContentType, s.UpdatedAt.Format(time.RFC3339)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", errors.Trace(err)
	}
	return buf.Bytes(), "text/csv", nil
}

// ExportChangesCSV writes the retained change log of one resource. Payloads
// are included as text.
func ExportChangesCSV(ctx context.Context, st store.Store, uri string) ([]byte, string, error) {
	changes, err := st.ChangesSince(ctx, uri, "")
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	buf := new(bytes.Buffer)
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"uri", "checkpoint", "created_at", "bytes", "payload"})
	for _, c := range changes {
		_ = w.Write([]string{uri, c.Checkpoint, c.CreatedAt.Format(time.RFC3339), strconv.Itoa(len(c.Payload)), string(c.Payload)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", errors.Trace(err)
	}
	return buf.Bytes(), "text/csv", nil
}

// Export dispatches on format: json or csv for the inventory, changes for
// one resource's log.
func Export(ctx context.Context, st store.Store, format, uri string, limit int) ([]byte, string, error) {
	switch format {
	case "", "json":
		return ExportResourcesJSON(ctx, st, limit)
	case "csv":
		return ExportResourcesCSV(ctx, st, limit)
	case "changes":
		if uri == "" {
			return nil, "", errors.NotValidf("changes export without uri")
		}
		return ExportChangesCSV(ctx, st, uri)
	}
	return nil, "", errors.NotValidf("export format %q", format)
}
