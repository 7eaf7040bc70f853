// Package txn coordinates transactions over a sqlite store in WAL mode: one
// write transaction at a time, any number of concurrent read transactions,
// each reading the database as it was when the transaction began.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/FranksOps/frontier/internal/metrics"
	"github.com/FranksOps/frontier/internal/storage"
	"github.com/FranksOps/frontier/internal/storage/sqlite"
	"golang.org/x/sync/semaphore"
)

// Options configures a Manager.
type Options struct {
	// Persist keeps the directory on Close.
	Persist bool
	// Schema is applied when the store is opened.
	Schema string
	// FileName is the database file inside the directory (default "store.db").
	FileName string
	// BusyTimeout is forwarded to sqlite.
	BusyTimeout time.Duration
	Logger      *slog.Logger
}

// Manager owns the store directory and hands out transactions.
type Manager struct {
	dir     string
	path    string
	persist bool

	writer *sql.DB
	reader *sql.DB
	wsem   *semaphore.Weighted
	logger *slog.Logger
	closed atomic.Bool
}

// Open creates or opens a store in dir. An empty dir creates a fresh temporary
// directory.
func Open(ctx context.Context, dir string, optFns ...func(o *Options)) (*Manager, error) {
	opts := Options{FileName: "store.db"}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dir, err := prepareDir(dir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, opts.FileName)
	writer, err := sqlite.Open(ctx, path, sqlite.Options{
		BusyTimeout:  opts.BusyTimeout,
		Immediate:    true,
		MaxOpenConns: 1,
	}, opts.Schema)
	if err != nil {
		cleanup(dir, opts.Persist)
		return nil, storage.StorageErr("open writer", err)
	}

	reader, err := sqlite.Open(ctx, path, sqlite.Options{BusyTimeout: opts.BusyTimeout}, "")
	if err != nil {
		_ = writer.Close()
		cleanup(dir, opts.Persist)
		return nil, storage.StorageErr("open reader", err)
	}

	opts.Logger.Debug("store opened", "path", path, "persist", opts.Persist)

	return &Manager{
		dir:     dir,
		path:    path,
		persist: opts.Persist,
		writer:  writer,
		reader:  reader,
		wsem:    semaphore.NewWeighted(1),
		logger:  opts.Logger,
	}, nil
}

func prepareDir(dir string) (string, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "frontier-*")
		if err != nil {
			return "", fmt.Errorf("create temp dir: %v: %w", err, storage.ErrInvalidPath)
		}
		return tmp, nil
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return "", fmt.Errorf("%s is not a directory: %w", dir, storage.ErrInvalidPath)
	case err == nil:
		return dir, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("stat %s: %v: %w", dir, err, storage.ErrInvalidPath)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %v: %w", dir, err, storage.ErrInvalidPath)
	}
	return dir, nil
}

func cleanup(dir string, persist bool) {
	if !persist {
		_ = os.RemoveAll(dir)
	}
}

// Dir returns the store directory.
func (m *Manager) Dir() string { return m.dir }

// Persistent reports whether the directory survives Close.
func (m *Manager) Persistent() bool { return m.persist }

// Begin starts a transaction. Write transactions queue behind the current
// writer until ctx is done.
func (m *Manager) Begin(ctx context.Context, writable bool) (*Txn, error) {
	if m.closed.Load() {
		return nil, storage.StorageErr("begin", sql.ErrConnDone)
	}

	if !writable {
		tx, err := m.reader.BeginTx(ctx, nil)
		if err != nil {
			return nil, storage.StorageErr("begin read", err)
		}
		// A deferred transaction takes its snapshot on first read.
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
			_ = tx.Rollback()
			return nil, storage.StorageErr("pin snapshot", err)
		}
		return &Txn{m: m, tx: tx}, nil
	}

	if err := m.wsem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for writer: %w", err)
	}
	tx, err := m.writer.BeginTx(ctx, nil)
	if err != nil {
		m.wsem.Release(1)
		return nil, storage.StorageErr("begin write", err)
	}
	return &Txn{m: m, tx: tx, writable: true}, nil
}

// Update runs fn inside a write transaction, committing when fn returns nil
// and aborting otherwise.
func (m *Manager) Update(ctx context.Context, fn func(t *Txn) error) error {
	t, err := m.Begin(ctx, true)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		_ = t.Abort()
		return err
	}
	return t.Commit()
}

// View runs fn inside a read transaction.
func (m *Manager) View(ctx context.Context, fn func(t *Txn) error) error {
	t, err := m.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer t.Abort()
	return fn(t)
}

// Close closes the store and removes the directory unless it is persistent.
// It waits for an in-flight writer to finish.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	_ = m.wsem.Acquire(context.Background(), 1)
	defer m.wsem.Release(1)

	err := errors.Join(m.reader.Close(), m.writer.Close())
	if !m.persist {
		if rmErr := os.RemoveAll(m.dir); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("remove %s: %v: %w", m.dir, rmErr, storage.ErrInvalidPath))
		}
	}
	if err != nil {
		return storage.StorageErr("close", err)
	}
	return nil
}

// Txn is a single transaction. It is not safe for concurrent use.
type Txn struct {
	m        *Manager
	tx       *sql.Tx
	writable bool
	done     bool
}

// Writable reports whether the transaction may modify the store.
func (t *Txn) Writable() bool { return t.writable }

func (t *Txn) mode() string {
	if t.writable {
		return "write"
	}
	return "read"
}

// Exec runs a statement. It fails on read transactions.
func (t *Txn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !t.writable {
		return nil, fmt.Errorf("exec in read transaction: %w", storage.ErrInvalidArgument)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storage.StorageErr("exec", err)
	}
	return res, nil
}

// Query runs a query.
func (t *Txn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.StorageErr("query", err)
	}
	return rows, nil
}

// QueryRow runs a query expected to return at most one row.
func (t *Txn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Prepare creates a statement bound to the transaction.
func (t *Txn) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, storage.StorageErr("prepare", err)
	}
	return stmt, nil
}

// Commit makes the transaction's writes visible. A failed commit leaves the
// store as it was before the transaction.
func (t *Txn) Commit() error {
	if t.done {
		return fmt.Errorf("commit finished transaction: %w", storage.ErrInternal)
	}
	t.done = true
	if t.writable {
		defer t.m.wsem.Release(1)
	}

	if err := t.tx.Commit(); err != nil {
		_ = t.tx.Rollback()
		metrics.TxnTotal.WithLabelValues(t.mode(), "failed").Inc()
		t.m.logger.Warn("commit failed", "mode", t.mode(), "err", err)
		return storage.StorageErr("commit", err)
	}
	metrics.TxnTotal.WithLabelValues(t.mode(), "committed").Inc()
	return nil
}

// Abort discards the transaction. Calling it after Commit is a no-op, so it
// can be deferred.
func (t *Txn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.writable {
		defer t.m.wsem.Release(1)
	}

	outcome := "aborted"
	if !t.writable {
		outcome = "closed"
	}
	metrics.TxnTotal.WithLabelValues(t.mode(), outcome).Inc()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return storage.StorageErr("abort", err)
	}
	return nil
}
