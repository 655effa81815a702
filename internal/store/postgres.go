package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/db"
	"github.com/jsherman999/livefeed/internal/etag"
	"github.com/jsherman999/livefeed/internal/live"
)

// Postgres stores resources in the resources and resource_changes tables.
// Checkpoints are resource_changes ids rendered in decimal.
type Postgres struct{ db *db.DB }

var _ Store = (*Postgres)(nil)

func NewPostgres(d *db.DB) *Postgres { return &Postgres{db: d} }

func (s *Postgres) GetCurrent(ctx context.Context, uri string) (live.Snapshot, error) {
	snap := live.Snapshot{URI: uri}
	err := s.db.Pool.QueryRow(ctx, `
SELECT etag, checkpoint, content_type, content, updated_at FROM resources WHERE uri=$1
`, uri).Scan(&snap.ETag, &snap.Checkpoint, &snap.ContentType, &snap.Content, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return live.Snapshot{}, errors.NotFoundf("resource %q", uri)
	}
	if err != nil {
		return live.Snapshot{}, errors.Annotatef(err, "get %s", uri)
	}
	return snap, nil
}

func (s *Postgres) ChangesSince(ctx context.Context, uri, after string) ([]live.Change, error) {
	var current string
	err := s.db.Pool.QueryRow(ctx, `SELECT checkpoint FROM resources WHERE uri=$1`, uri).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFoundf("resource %q", uri)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "changes of %s", uri)
	}
	if after != "" && after == current {
		return nil, nil
	}

	var from int64
	if after != "" {
		id, perr := strconv.ParseInt(after, 10, 64)
		if perr != nil {
			return nil, errors.Annotatef(live.ErrCheckpointExpired, "%s after %q", uri, after)
		}
		var retained bool
		if err := s.db.Pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM resource_changes WHERE uri=$1 AND id=$2)
`, uri, id).Scan(&retained); err != nil {
			return nil, errors.Annotatef(err, "changes of %s", uri)
		}
		if !retained {
			return nil, errors.Annotatef(live.ErrCheckpointExpired, "%s after %q", uri, after)
		}
		from = id
	}

	rows, err := s.db.Pool.Query(ctx, `
SELECT id, payload, created_at FROM resource_changes WHERE uri=$1 AND id > $2 ORDER BY id
`, uri, from)
	if err != nil {
		return nil, errors.Annotatef(err, "changes of %s", uri)
	}
	defer rows.Close()
	var out []live.Change
	for rows.Next() {
		var (
			id int64
			c  = live.Change{URI: uri}
		)
		if err := rows.Scan(&id, &c.Payload, &c.CreatedAt); err != nil {
			return nil, errors.Trace(err)
		}
		c.Checkpoint = strconv.FormatInt(id, 10)
		out = append(out, c)
	}
	return out, errors.Trace(rows.Err())
}

func (s *Postgres) Put(ctx context.Context, uri, contentType string, content []byte) (live.Snapshot, error) {
	if uri == "" {
		return live.Snapshot{}, errors.NotValidf("empty uri")
	}
	if content == nil {
		content = []byte{}
	}
	snap := live.Snapshot{URI: uri, ETag: etag.Of(content), ContentType: contentTypeOr(contentType), Content: content}
	err := s.db.Pool.QueryRow(ctx, `
INSERT INTO resources(uri, etag, content_type, content, updated_at)
VALUES ($1,$2,$3,$4, now())
ON CONFLICT (uri) DO UPDATE SET etag=EXCLUDED.etag, content_type=EXCLUDED.content_type, content=EXCLUDED.content, updated_at=now()
RETURNING checkpoint, updated_at;
`, uri, snap.ETag, snap.ContentType, content).Scan(&snap.Checkpoint, &snap.UpdatedAt)
	if err != nil {
		return live.Snapshot{}, errors.Annotatef(err, "put %s", uri)
	}
	return snap, nil
}

func (s *Postgres) Append(ctx context.Context, uri, contentType string, payload []byte) (live.Snapshot, live.Change, error) {
	if uri == "" {
		return live.Snapshot{}, live.Change{}, errors.NotValidf("empty uri")
	}
	if payload == nil {
		payload = []byte{}
	}
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return live.Snapshot{}, live.Change{}, errors.Annotate(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO resources(uri, etag, content_type, content) VALUES ($1, '', $2, ''::bytea)
ON CONFLICT (uri) DO NOTHING;
`, uri, contentTypeOr(contentType)); err != nil {
		return live.Snapshot{}, live.Change{}, errors.Annotatef(err, "create %s", uri)
	}

	snap := live.Snapshot{URI: uri}
	if err := tx.QueryRow(ctx, `SELECT content, content_type FROM resources WHERE uri=$1 FOR UPDATE`, uri).
		Scan(&snap.Content, &snap.ContentType); err != nil {
		return live.Snapshot{}, live.Change{}, errors.Annotatef(err, "lock %s", uri)
	}

	var id int64
	change := live.Change{URI: uri, Payload: payload}
	if err := tx.QueryRow(ctx, `
INSERT INTO resource_changes(uri, payload) VALUES ($1,$2) RETURNING id, created_at;
`, uri, payload).Scan(&id, &change.CreatedAt); err != nil {
		return live.Snapshot{}, live.Change{}, errors.Annotatef(err, "append to %s", uri)
	}
	change.Checkpoint = strconv.FormatInt(id, 10)

	snap.Content = append(snap.Content, payload...)
	snap.ETag = etag.Of(snap.Content)
	snap.Checkpoint = change.Checkpoint
	if err := tx.QueryRow(ctx, `
UPDATE resources SET content=$2, etag=$3, checkpoint=$4, updated_at=now() WHERE uri=$1 RETURNING updated_at;
`, uri, snap.Content, snap.ETag, snap.Checkpoint).Scan(&snap.UpdatedAt); err != nil {
		return live.Snapshot{}, live.Change{}, errors.Annotatef(err, "update %s", uri)
	}
	if err := tx.Commit(ctx); err != nil {
		return live.Snapshot{}, live.Change{}, errors.Annotate(err, "commit")
	}
	return snap, change, nil
}

func (s *Postgres) Delete(ctx context.Context, uri string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM resources WHERE uri=$1`, uri)
	if err != nil {
		return errors.Annotatef(err, "delete %s", uri)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundf("resource %q", uri)
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, limit int) ([]live.Snapshot, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.Pool.Query(ctx, `
SELECT uri, etag, checkpoint, content_type, updated_at FROM resources ORDER BY uri LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Annotate(err, "list resources")
	}
	defer rows.Close()
	var out []live.Snapshot
	for rows.Next() {
		var snap live.Snapshot
		if err := rows.Scan(&snap.URI, &snap.ETag, &snap.Checkpoint, &snap.ContentType, &snap.UpdatedAt); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, snap)
	}
	return out, errors.Trace(rows.Err())
}

func (s *Postgres) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
DELETE FROM resource_changes c
WHERE c.created_at < $1
  AND c.id < (SELECT max(m.id) FROM resource_changes m WHERE m.uri = c.uri);
`, before)
	if err != nil {
		return 0, errors.Annotate(err, "prune changes")
	}
	if n := tag.RowsAffected(); n > 0 {
		logger.Debugf("pruned %d change(s) older than %s", n, before.Format(time.RFC3339))
	}
	return tag.RowsAffected(), nil
}
