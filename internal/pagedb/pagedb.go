// Package pagedb stores crawled page metadata and the link graph.
//
// Every page is keyed by its hashing.Hash identity and also receives a dense
// index in creation order, which scorers use to address per-page vectors.
// Outlinks are recorded once per (source, target) pair in discovery order.
// Page depth is the hop distance from the nearest seed and only decreases:
// when a shorter path is found the new depth is propagated through the stored
// outlinks inside the same write transaction.
package pagedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/FranksOps/frontier/internal/hashing"
	"github.com/FranksOps/frontier/internal/storage"
	"github.com/FranksOps/frontier/internal/txn"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	id INTEGER PRIMARY KEY,
	idx INTEGER NOT NULL UNIQUE,
	url TEXT NOT NULL,
	linked_from INTEGER NOT NULL,
	depth INTEGER NOT NULL,
	first_crawl INTEGER NOT NULL,
	last_crawl INTEGER NOT NULL,
	n_crawls INTEGER NOT NULL,
	n_changes INTEGER NOT NULL,
	score REAL NOT NULL,
	content_hash BLOB,
	is_seed INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS links (
	src INTEGER NOT NULL,
	pos INTEGER NOT NULL,
	dst INTEGER NOT NULL,
	score REAL NOT NULL,
	PRIMARY KEY (src, pos),
	UNIQUE (src, dst)
);
CREATE INDEX IF NOT EXISTS links_dst ON links (dst);
`

const pageColumns = `id, url, linked_from, depth, first_crawl, last_crawl, n_crawls, n_changes, score, content_hash, is_seed`

// Options configures a DB.
type Options struct {
	// Persist keeps the store directory on Close.
	Persist bool
	Logger  *slog.Logger
}

// DB is a page database. It is safe for concurrent use.
type DB struct {
	tm     *txn.Manager
	logger *slog.Logger
}

// Open opens the page database stored in dir. An empty dir uses a temporary
// directory.
func Open(ctx context.Context, dir string, optFns ...func(o *Options)) (*DB, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	tm, err := txn.Open(ctx, dir, func(o *txn.Options) {
		o.Schema = schema
		o.Persist = opts.Persist
		o.FileName = "pages.db"
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, fmt.Errorf("open page db: %w", err)
	}

	return &DB{tm: tm, logger: opts.Logger}, nil
}

// Dir returns the store directory.
func (db *DB) Dir() string { return db.tm.Dir() }

// Close closes the database, removing its directory unless persistent.
func (db *DB) Close() error {
	return db.tm.Close()
}

// key maps an identity onto a signed integer with the same ordering.
func key(id storage.PageID) int64 {
	return int64(uint64(id) ^ (1 << 63))
}

func fromKey(k int64) storage.PageID {
	return storage.PageID(uint64(k) ^ (1 << 63))
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(s rowScanner, p *storage.PageInfo) error {
	var id, from, first, last int64
	var seed int
	var hash []byte
	if err := s.Scan(&id, &p.URL, &from, &p.Depth, &first, &last, &p.NCrawls, &p.NChanges, &p.Score, &hash, &seed); err != nil {
		return err
	}
	p.ID = fromKey(id)
	p.LinkedFrom = fromKey(from)
	if from == 0 {
		p.LinkedFrom = 0
	}
	p.FirstCrawl = fromNanos(first)
	p.LastCrawl = fromNanos(last)
	p.ContentHash = nil
	if len(hash) > 0 {
		p.ContentHash = hash
	}
	p.IsSeed = seed != 0
	return nil
}

// linked_from stores 0 for "none" rather than key(0).
func fromColumn(id storage.PageID) int64 {
	if id == 0 {
		return 0
	}
	return key(id)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func validScore(s float64) bool {
	return !math.IsNaN(s) && !math.IsInf(s, 0) && s >= 0
}

func getInfo(ctx context.Context, t *txn.Txn, id storage.PageID) (*storage.PageInfo, error) {
	var p storage.PageInfo
	row := t.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, key(id))
	if err := scanPage(row, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("page %s: %w", id, storage.ErrNotFound)
		}
		return nil, storage.StorageErr("get page", err)
	}
	return &p, nil
}

func insertPage(ctx context.Context, t *txn.Txn, p *storage.PageInfo) error {
	_, err := t.Exec(ctx, `
	INSERT INTO pages (idx, `+pageColumns+`)
	VALUES ((SELECT COALESCE(MAX(idx) + 1, 0) FROM pages), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key(p.ID), p.URL, fromColumn(p.LinkedFrom), p.Depth, toNanos(p.FirstCrawl), toNanos(p.LastCrawl),
		p.NCrawls, p.NChanges, p.Score, p.ContentHash, boolInt(p.IsSeed))
	return err
}

func updatePage(ctx context.Context, t *txn.Txn, p *storage.PageInfo) error {
	_, err := t.Exec(ctx, `
	UPDATE pages SET linked_from = ?, depth = ?, first_crawl = ?, last_crawl = ?,
		n_crawls = ?, n_changes = ?, score = ?, content_hash = ?
	WHERE id = ?`,
		fromColumn(p.LinkedFrom), p.Depth, toNanos(p.FirstCrawl), toNanos(p.LastCrawl),
		p.NCrawls, p.NChanges, p.Score, p.ContentHash, key(p.ID))
	return err
}

// GetInfo returns the metadata of id, or storage.ErrNotFound.
func (db *DB) GetInfo(ctx context.Context, id storage.PageID) (*storage.PageInfo, error) {
	var p *storage.PageInfo
	err := db.tm.View(ctx, func(t *txn.Txn) error {
		var err error
		p, err = getInfo(ctx, t, id)
		return err
	})
	return p, err
}

// GetInfoByURL is GetInfo for the identity of rawURL.
func (db *DB) GetInfoByURL(ctx context.Context, rawURL string) (*storage.PageInfo, error) {
	return db.GetInfo(ctx, hashing.Hash(rawURL))
}

// Len returns the number of stored pages, crawled or not.
func (db *DB) Len(ctx context.Context) (int, error) {
	var n int
	err := db.tm.View(ctx, func(t *txn.Txn) error {
		if err := t.QueryRow(ctx, `SELECT count(*) FROM pages`).Scan(&n); err != nil {
			return storage.StorageErr("count pages", err)
		}
		return nil
	})
	return n, err
}

// Links returns the outlinks of id in discovery order.
func (db *DB) Links(ctx context.Context, id storage.PageID) ([]storage.LinkInfo, error) {
	var links []storage.LinkInfo
	err := db.tm.View(ctx, func(t *txn.Txn) error {
		rows, err := t.Query(ctx, `
		SELECT p.url, l.score FROM links l JOIN pages p ON p.id = l.dst
		WHERE l.src = ? ORDER BY l.pos`, key(id))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var l storage.LinkInfo
			if err := rows.Scan(&l.URL, &l.Score); err != nil {
				return storage.StorageErr("scan link", err)
			}
			links = append(links, l)
		}
		return storage.StorageErr("iterate links", rows.Err())
	})
	return links, err
}

// Delete removes a page and every edge touching it. Depths of pages reached
// through it are left as they are.
func (db *DB) Delete(ctx context.Context, id storage.PageID) error {
	return db.tm.Update(ctx, func(t *txn.Txn) error {
		res, err := t.Exec(ctx, `DELETE FROM pages WHERE id = ?`, key(id))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("page %s: %w", id, storage.ErrNotFound)
		}
		_, err = t.Exec(ctx, `DELETE FROM links WHERE src = ? OR dst = ?`, key(id), key(id))
		return err
	})
}

// Export writes every page to b in identity order.
func (db *DB) Export(ctx context.Context, b storage.Backend) (int, error) {
	it, err := db.Iterate(ctx)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for it.Next() {
		if err := b.Save(ctx, it.Page()); err != nil {
			return n, fmt.Errorf("export page %s: %w", it.Page().ID, err)
		}
		n++
	}
	return n, it.Err()
}
