// Package versions tracks the current version token of every resource the
// engine has seen. Entries are created lazily and never removed; deletion
// only tombstones them.
package versions

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/juju/clock"

	"github.com/jsherman999/livefeed/internal/live"
)

// Gone is the version a tombstoned resource reports.
const Gone = "\x00gone"

const shardCount = 64

type Resource struct {
	URI           string
	ETag          string
	Checkpoint    string
	Kind          live.UpdateKind
	LastChangedAt time.Time
	Deleted       bool
	// HintStreak counts hints published since the last full value.
	HintStreak int
	// Seq advances on every change applied to the entry.
	Seq uint64
}

// Version returns the token a consumer in the given mode compares against.
func (r Resource) Version(mode live.Mode) string {
	if r.Deleted {
		return Gone
	}
	if mode == live.ModeChanges {
		return r.Checkpoint
	}
	return r.ETag
}

type Options struct {
	// Validity bounds how long a cursor the Resource Store reported as
	// expired is remembered.
	Validity time.Duration
	Clock    clock.Clock
}

type Store struct {
	shards [shardCount]shard
	clock  clock.Clock

	validity time.Duration
	// expired holds cursors the Resource Store no longer reaches back to.
	// Checkpoints are never reissued, so an entry stays true until evicted.
	expired *ttlcache.Cache[string, time.Time]
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Entry is one resource's exclusive section. Its methods must only be
// called from inside Store.With.
type Entry struct {
	mu     sync.Mutex
	store  *Store
	res    Resource
	exists bool
}

func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Validity <= 0 {
		opts.Validity = time.Hour
	}
	s := &Store{
		clock:    opts.Clock,
		validity: opts.Validity,
		expired: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](opts.Validity),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entry)
	}
	return s
}

// Start runs the expiry loop of the checkpoint window until Stop.
func (s *Store) Start() { go s.expired.Start() }

func (s *Store) Stop() { s.expired.Stop() }

func (s *Store) shardFor(uri string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uri))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) entry(uri string) *Entry {
	sh := s.shardFor(uri)
	sh.mu.RLock()
	e, ok := sh.entries[uri]
	sh.mu.RUnlock()
	if ok {
		return e
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.entries[uri]; ok {
		return e
	}
	e = &Entry{store: s, res: Resource{URI: uri}}
	sh.entries[uri] = e
	return e
}

// With runs fn inside the resource's exclusive section.
func (s *Store) With(uri string, fn func(e *Entry)) {
	e := s.entry(uri)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (s *Store) Get(uri string) (Resource, bool) {
	var (
		res Resource
		ok  bool
	)
	s.With(uri, func(e *Entry) { res, ok = e.Current() })
	return res, ok
}

func (s *Store) Set(uri, version string, kind live.UpdateKind) {
	s.With(uri, func(e *Entry) { e.Set(version, kind) })
}

func (s *Store) Delete(uri string) {
	s.With(uri, func(e *Entry) { e.Tombstone() })
}

// Len returns the number of resources tracked.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		n += len(s.shards[i].entries)
		s.shards[i].mu.RUnlock()
	}
	return n
}

func (e *Entry) Current() (Resource, bool) { return e.res, e.exists }

// Set records a published version. Hints carry a value-mode token when
// they carry one at all.
func (e *Entry) Set(version string, kind live.UpdateKind) {
	now := e.store.clock.Now()
	switch kind {
	case live.KindChanges:
		e.res.Checkpoint = version
		e.res.HintStreak = 0
	case live.KindValue:
		e.res.ETag = version
		e.res.HintStreak = 0
	case live.KindHint:
		if version != "" {
			e.res.ETag = version
		}
		e.res.HintStreak++
	}
	e.res.Kind = kind
	e.res.LastChangedAt = now
	e.res.Seq++
	e.res.Deleted = false
	e.exists = true
}

// Seed installs versions learned from the Resource Store without counting
// as a change. Existing entries are left alone.
func (e *Entry) Seed(etag, checkpoint string) bool {
	if e.exists {
		return false
	}
	e.res.ETag = etag
	e.res.Checkpoint = checkpoint
	e.res.Kind = live.KindValue
	if checkpoint != "" {
		e.res.Kind = live.KindChanges
	}
	e.res.LastChangedAt = e.store.clock.Now()
	e.exists = true
	return true
}

func (e *Entry) ResetHintStreak() { e.res.HintStreak = 0 }

func (e *Entry) Tombstone() {
	e.res.Deleted = true
	e.res.LastChangedAt = e.store.clock.Now()
	e.res.Seq++
	e.res.HintStreak = 0
	e.exists = true
}

// CursorState classifies a changes cursor held by a consumer.
type CursorState int

const (
	// CursorCurrent is the resource's newest checkpoint.
	CursorCurrent CursorState = iota
	// CursorBehind is older than the newest checkpoint. Only the Resource
	// Store knows whether it can still be answered.
	CursorBehind
	// CursorExpired was reported by the Resource Store as outside its history.
	CursorExpired
	// CursorInvalid is empty or ahead of anything the engine has published.
	CursorInvalid
)

// Cursor classifies cp against the entry's current checkpoint.
func (e *Entry) Cursor(cp string) CursorState {
	switch {
	case cp == "":
		return CursorInvalid
	case cp == e.res.Checkpoint:
		return CursorCurrent
	case live.CompareCheckpoints(cp, e.res.Checkpoint) > 0:
		return CursorInvalid
	case e.store.expired.Get(cursorKey(e.res.URI, cp)) != nil:
		return CursorExpired
	}
	return CursorBehind
}

// MarkExpired remembers that the Resource Store can no longer answer
// changes after cp, so later registrations restart without asking it.
func (s *Store) MarkExpired(uri, cp string) {
	if cp == "" {
		return
	}
	s.expired.Set(cursorKey(uri, cp), s.clock.Now(), ttlcache.DefaultTTL)
}

func cursorKey(uri, cp string) string { return uri + "\n" + cp }
