package exporter

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/store"
)

func seeded(t *testing.T) *store.Memory {
	st := store.NewMemory(testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()
	_, err := st.Put(ctx, "/a", "text/plain", []byte("hello"))
	assert.Equal(t, err, nil)
	_, _, err = st.Append(ctx, "/log", "", []byte("one"))
	assert.Equal(t, err, nil)
	_, _, err = st.Append(ctx, "/log", "", []byte("two"))
	assert.Equal(t, err, nil)
	return st
}

func TestExportJSON(t *testing.T) {
	b, ct, err := Export(context.Background(), seeded(t), "json", "", 10)
	assert.Equal(t, err, nil)
	assert.Equal(t, ct, "application/json")
	var out ResourceExport
	assert.Equal(t, json.Unmarshal(b, &out), nil)
	assert.Equal(t, len(out.Resources), 2)
	assert.Equal(t, out.Resources[0].URI, "/a")
}

func TestExportCSV(t *testing.T) {
	b, ct, err := Export(context.Background(), seeded(t), "csv", "", 10)
	assert.Equal(t, err, nil)
	assert.Equal(t, ct, "text/csv")
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Equal(t, len(lines), 3)
	assert.Equal(t, strings.HasPrefix(lines[0], "uri,etag,checkpoint"), true)
}

func TestExportChanges(t *testing.T) {
	b, _, err := Export(context.Background(), seeded(t), "changes", "/log", 10)
	assert.Equal(t, err, nil)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Equal(t, len(lines), 3)
	assert.Equal(t, strings.HasSuffix(lines[2], ",two"), true)

	_, _, err = Export(context.Background(), seeded(t), "changes", "", 10)
	assert.Equal(t, errors.Is(err, errors.NotValid), true)
	_, _, err = Export(context.Background(), seeded(t), "graphml", "", 10)
	assert.Equal(t, errors.Is(err, errors.NotValid), true)
}
