// Package db persists storage backends, quotes, payments and staged files
// with sqlx over sqlite3 or postgres.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("db")

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

func New(driver, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("must set db_url")
	}

	switch driver {
	case DriverSQLite:
		if err := ensureFile(dsn); err != nil {
			return nil, err
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlx.Connect: %w", err)
	}

	if driver == DriverPostgres {
		// sqlx default is 0 (unlimited), while postgresql by default accepts up to 100 connections
		db.SetMaxOpenConns(80)
	} else {
		// a single writer avoids "database is locked" under concurrent requests
		db.SetMaxOpenConns(1)
	}

	r := &DB{
		driver: driver,
		db:     db,
	}
	if err := r.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("createSchema: %w", err)
	}

	return r, nil
}

type DB struct {
	driver string
	db     *sqlx.DB
}

func (r *DB) Close() error {
	return r.db.Close()
}

// Ping checks the database connection. It backs the health endpoint.
func (r *DB) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *DB) createSchema(ctx context.Context) error {
	// TODO: migrations
	const schema = `
CREATE TABLE IF NOT EXISTS storages (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_methods (
	id TEXT PRIMARY KEY,
	storage_id TEXT NOT NULL REFERENCES storages(id) ON DELETE CASCADE,
	chain_id TEXT NOT NULL,
	rpc_endpoint_url TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_payment_methods_storage ON payment_methods(storage_id);

CREATE TABLE IF NOT EXISTS accepted_tokens (
	id TEXT PRIMARY KEY,
	payment_method_id TEXT NOT NULL REFERENCES payment_methods(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accepted_tokens_method ON accepted_tokens(payment_method_id);

CREATE TABLE IF NOT EXISTS quotes (
	id TEXT PRIMARY KEY,
	quote_id TEXT NOT NULL UNIQUE,
	storage_id TEXT REFERENCES storages(id) ON DELETE SET NULL,
	duration BIGINT NOT NULL,
	token_address TEXT NOT NULL,
	approve_address TEXT NOT NULL,
	token_amount TEXT NOT NULL,
	status TEXT NOT NULL,
	nonce BIGINT NOT NULL,
	expiration TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	quote_id TEXT NOT NULL UNIQUE REFERENCES quotes(id) ON DELETE CASCADE,
	payment_method_id TEXT REFERENCES payment_methods(id) ON DELETE SET NULL,
	user_address TEXT NOT NULL,
	token_address TEXT NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	quote_id TEXT REFERENCES quotes(id) ON DELETE SET NULL,
	title TEXT NOT NULL,
	cid TEXT NOT NULL,
	public_url TEXT NOT NULL,
	length BIGINT NOT NULL,
	content_type TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_files_quote ON files(quote_id);
`

	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// ensureFile creates the sqlite database file when the dsn names a plain
// path.
func ensureFile(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Infow("creating db file", "path", path)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		f.Close()
	}
	return nil
}
