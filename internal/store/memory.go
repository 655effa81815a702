package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/etag"
	"github.com/jsherman999/livefeed/internal/live"
)

type memResource struct {
	snap    live.Snapshot
	changes []live.Change
}

// Memory keeps everything in process. It is selected when no database is
// configured and backs most tests.
type Memory struct {
	clock clock.Clock

	mu        sync.RWMutex
	resources map[string]*memResource
	seq       uint64
}

var _ Store = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Memory{clock: clk, resources: make(map[string]*memResource)}
}

func (m *Memory) GetCurrent(ctx context.Context, uri string) (live.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[uri]
	if !ok {
		return live.Snapshot{}, errors.NotFoundf("resource %q", uri)
	}
	snap := r.snap
	snap.Content = append([]byte(nil), r.snap.Content...)
	return snap, nil
}

func (m *Memory) ChangesSince(ctx context.Context, uri, after string) ([]live.Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[uri]
	if !ok {
		return nil, errors.NotFoundf("resource %q", uri)
	}
	if after == "" {
		return cloneChanges(r.changes), nil
	}
	if after == r.snap.Checkpoint {
		return nil, nil
	}
	for i, c := range r.changes {
		if c.Checkpoint == after {
			return cloneChanges(r.changes[i+1:]), nil
		}
	}
	return nil, errors.Annotatef(live.ErrCheckpointExpired, "%s after %q", uri, after)
}

func (m *Memory) Put(ctx context.Context, uri, contentType string, content []byte) (live.Snapshot, error) {
	if uri == "" {
		return live.Snapshot{}, errors.NotValidf("empty uri")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.resources[uri]
	if r == nil {
		r = &memResource{snap: live.Snapshot{URI: uri}}
		m.resources[uri] = r
	}
	r.snap.Content = append([]byte(nil), content...)
	r.snap.ContentType = contentTypeOr(contentType)
	r.snap.ETag = etag.Of(content)
	r.snap.UpdatedAt = m.clock.Now()
	return r.snap, nil
}

func (m *Memory) Append(ctx context.Context, uri, contentType string, payload []byte) (live.Snapshot, live.Change, error) {
	if uri == "" {
		return live.Snapshot{}, live.Change{}, errors.NotValidf("empty uri")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.resources[uri]
	if r == nil {
		r = &memResource{snap: live.Snapshot{URI: uri, ContentType: contentTypeOr(contentType)}}
		m.resources[uri] = r
	}
	m.seq++
	now := m.clock.Now()
	change := live.Change{
		URI:        uri,
		Checkpoint: strconv.FormatUint(m.seq, 10),
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  now,
	}
	r.changes = append(r.changes, change)
	r.snap.Content = append(r.snap.Content, payload...)
	r.snap.ETag = etag.Of(r.snap.Content)
	r.snap.Checkpoint = change.Checkpoint
	r.snap.UpdatedAt = now
	return r.snap, change, nil
}

func (m *Memory) Delete(ctx context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[uri]; !ok {
		return errors.NotFoundf("resource %q", uri)
	}
	delete(m.resources, uri)
	return nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]live.Snapshot, error) {
	m.mu.RLock()
	out := make([]live.Snapshot, 0, len(m.resources))
	for _, r := range m.resources {
		snap := r.snap
		snap.Content = nil
		out = append(out, snap)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Prune(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.resources {
		if len(r.changes) < 2 {
			continue
		}
		keep := r.changes[:0]
		last := len(r.changes) - 1
		for i, c := range r.changes {
			if i != last && c.CreatedAt.Before(before) {
				n++
				continue
			}
			keep = append(keep, c)
		}
		r.changes = keep
	}
	if n > 0 {
		logger.Debugf("pruned %d change(s) older than %s", n, before.Format(time.RFC3339))
	}
	return n, nil
}

func cloneChanges(in []live.Change) []live.Change {
	if len(in) == 0 {
		return nil
	}
	return append([]live.Change(nil), in...)
}
