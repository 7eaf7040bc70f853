package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Options controls how a sqlite database file is opened.
type Options struct {
	// BusyTimeout is how long a connection waits on a locked database (0 = 5s).
	BusyTimeout time.Duration
	// Synchronous is the synchronous pragma value ("" = NORMAL).
	Synchronous string
	// Immediate makes every transaction on the handle take the write lock at BEGIN.
	Immediate bool
	// MaxOpenConns bounds the connection pool (0 = database/sql default).
	MaxOpenConns int
}

// DSN builds a modernc.org/sqlite data source name for a WAL-mode database at path.
func DSN(path string, opts Options) string {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Synchronous == "" {
		opts.Synchronous = "NORMAL"
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(opts.BusyTimeout.Milliseconds(), 10)+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous("+opts.Synchronous+")")
	if opts.Immediate {
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens the database at path and applies schema, which may be empty.
func Open(ctx context.Context, path string, opts Options, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if schema != "" {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return db, nil
}
