package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("livefeed.db")

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	Name    string
	Content string
	Hash    string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, errors.Annotate(err, "read migrations dir")
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, errors.Annotatef(err, "read migration %s", e.Name())
		}
		h := sha256.Sum256(b)
		out = append(out, migration{Name: e.Name(), Content: string(b), Hash: hex.EncodeToString(h[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func ensureMigrationsTable(ctx context.Context, d *DB) error {
	_, err := d.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  name text PRIMARY KEY,
  sha256 text NOT NULL,
  applied_at timestamptz NOT NULL DEFAULT now()
);
`)
	return errors.Trace(err)
}

// ApplyMigrations runs every embedded migration not yet recorded, each in
// its own transaction. A recorded migration whose content changed is an error.
func ApplyMigrations(ctx context.Context, d *DB) (int, error) {
	if err := ensureMigrationsTable(ctx, d); err != nil {
		return 0, errors.Annotate(err, "ensure schema_migrations")
	}
	migs, err := loadMigrations()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migs {
		var existingHash string
		err := d.Pool.QueryRow(ctx, `SELECT sha256 FROM schema_migrations WHERE name=$1`, m.Name).Scan(&existingHash)
		switch {
		case err == nil:
			if existingHash != m.Hash {
				return applied, errors.Errorf("migration %s hash mismatch (db=%s fs=%s)", m.Name, existingHash, m.Hash)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, errors.Annotatef(err, "check %s", m.Name)
		}

		tx, err := d.Pool.Begin(ctx)
		if err != nil {
			return applied, errors.Annotate(err, "begin tx")
		}
		if _, err := tx.Exec(ctx, m.Content); err != nil {
			_ = tx.Rollback(ctx)
			return applied, errors.Annotatef(err, "apply %s", m.Name)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(name, sha256) VALUES ($1,$2)`, m.Name, m.Hash); err != nil {
			_ = tx.Rollback(ctx)
			return applied, errors.Annotatef(err, "record %s", m.Name)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, errors.Annotatef(err, "commit %s", m.Name)
		}
		logger.Infof("applied migration %s", m.Name)
		applied++
	}
	return applied, nil
}
