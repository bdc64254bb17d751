// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS responses (
	path      TEXT PRIMARY KEY,
	status    INTEGER NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB NOT NULL,
	stored_at INTEGER NOT NULL
)`

// SQLiteCache persists responses in an SQLite database so they survive
// restarts and are shared by all workers.
type SQLiteCache struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens or creates the database at file.
func OpenSQLite(file string, opts ...Option) (*SQLiteCache, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}

	if file != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite cache: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: open: %w", err)
	}
	if file == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite cache: %s: %w", stmt, err)
		}
	}
	return &SQLiteCache{db: db, opts: o}, nil
}

func (c *SQLiteCache) Fetch(ctx context.Context, path string, r *http.Request) (Entry, bool, error) {
	if bypass(r) {
		return Entry{}, false, nil
	}

	var (
		e        Entry
		header   string
		storedAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM responses WHERE path = ?`, path,
	).Scan(&e.StatusCode, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("sqlite cache: fetch %s: %w", path, err)
	}

	e.StoredAt = time.Unix(0, storedAt)
	if e.expired(c.opts.ttl, c.opts.now()) {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE path = ?`, path); err != nil {
			return Entry{}, false, fmt.Errorf("sqlite cache: expire %s: %w", path, err)
		}
		return Entry{}, false, nil
	}
	if err := sonic.ConfigStd.UnmarshalFromString(header, &e.Header); err != nil {
		return Entry{}, false, fmt.Errorf("sqlite cache: decode header of %s: %w", path, err)
	}
	return e, true, nil
}

func (c *SQLiteCache) Put(ctx context.Context, path string, e Entry) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = c.opts.now()
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	header, err := sonic.ConfigStd.MarshalToString(e.Header)
	if err != nil {
		return fmt.Errorf("sqlite cache: encode header: %w", err)
	}
	if e.Body == nil {
		e.Body = []byte{}
	}

	_, err = c.db.ExecContext(ctx, `INSERT INTO responses (path, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		path, e.StatusCode, header, e.Body, e.StoredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite cache: store %s: %w", path, err)
	}

	_, err = c.db.ExecContext(ctx, `DELETE FROM responses WHERE path NOT IN (
		SELECT path FROM responses ORDER BY stored_at DESC LIMIT ?)`, c.opts.maxEntries)
	if err != nil {
		return fmt.Errorf("sqlite cache: evict: %w", err)
	}
	return nil
}

// Len returns the number of stored entries.
func (c *SQLiteCache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses`).Scan(&n)
	return n, err
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
