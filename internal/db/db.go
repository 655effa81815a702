// Package db owns the Postgres connection pool and the schema.
package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
)

// NotifyChannel is the LISTEN/NOTIFY channel the resources trigger fires on.
const NotifyChannel = "livefeed_events"

type DB struct {
	Pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Annotate(err, "parse dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Annotate(err, "connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Annotate(err, "ping")
	}
	return &DB{Pool: pool}, nil
}

// Listen acquires a dedicated connection subscribed to channel. The caller
// releases it when done.
func (d *DB) Listen(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := d.Pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "acquire listener")
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, errors.Annotatef(err, "listen %s", channel)
	}
	return conn, nil
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}
