package pagedb

import (
	"context"
	"database/sql"

	"github.com/FranksOps/frontier/internal/storage"
	"github.com/FranksOps/frontier/internal/txn"
)

// Snapshot is a consistent read-only view of the database. Writers are not
// blocked while it is open. Close releases it.
type Snapshot struct {
	t *txn.Txn
}

// Snapshot opens a read view pinned to the current committed state.
func (db *DB) Snapshot(ctx context.Context) (*Snapshot, error) {
	t, err := db.tm.Begin(ctx, false)
	if err != nil {
		return nil, err
	}
	return &Snapshot{t: t}, nil
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	return s.t.Abort()
}

// Len returns the number of pages in the snapshot.
func (s *Snapshot) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.t.QueryRow(ctx, `SELECT count(*) FROM pages`).Scan(&n); err != nil {
		return 0, storage.StorageErr("count pages", err)
	}
	return n, nil
}

// MaxIndex returns one past the largest dense page index, or 0 when empty.
func (s *Snapshot) MaxIndex(ctx context.Context) (int, error) {
	var n int
	if err := s.t.QueryRow(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM pages`).Scan(&n); err != nil {
		return 0, storage.StorageErr("max index", err)
	}
	return n, nil
}

// Pages iterates pages ordered by identity.
func (s *Snapshot) Pages(ctx context.Context) (*PageIterator, error) {
	return s.pages(ctx, `ORDER BY id`)
}

// PagesByIndex iterates pages ordered by dense index; Index reports it.
func (s *Snapshot) PagesByIndex(ctx context.Context) (*PageIterator, error) {
	return s.pages(ctx, `ORDER BY idx`)
}

func (s *Snapshot) pages(ctx context.Context, order string) (*PageIterator, error) {
	rows, err := s.t.Query(ctx, `SELECT idx, `+pageColumns+` FROM pages `+order)
	if err != nil {
		return nil, err
	}
	return &PageIterator{rows: rows}, nil
}

// Edges iterates every link as a pair of dense page indices, grouped by
// source in discovery order.
func (s *Snapshot) Edges(ctx context.Context) (*EdgeIterator, error) {
	rows, err := s.t.Query(ctx, `
	SELECT s.idx, d.idx, l.score FROM links l
	JOIN pages s ON s.id = l.src
	JOIN pages d ON d.id = l.dst
	ORDER BY s.idx, l.pos`)
	if err != nil {
		return nil, err
	}
	return &EdgeIterator{rows: rows}, nil
}

// PageIterator walks pages of a snapshot.
//
//	it, err := db.Iterate(ctx)
//	...
//	defer it.Close()
//	for it.Next() {
//		p := it.Page()
//	}
//	if err := it.Err(); err != nil { ... }
type PageIterator struct {
	rows  *sql.Rows
	snap  *Snapshot // owned when created by DB.Iterate
	cur   storage.PageInfo
	index int
	err   error
}

// Iterate returns an iterator over all pages ordered by identity, reading a
// snapshot taken now. It cannot be rewound; open a new one instead.
func (db *DB) Iterate(ctx context.Context) (*PageIterator, error) {
	snap, err := db.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	it, err := snap.Pages(ctx)
	if err != nil {
		_ = snap.Close()
		return nil, err
	}
	it.snap = snap
	return it, nil
}

// Next advances to the next page.
func (it *PageIterator) Next() bool {
	if it.err != nil || it.rows == nil {
		return false
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			it.err = storage.StorageErr("iterate pages", err)
		}
		return false
	}
	var p storage.PageInfo
	if err := scanPage(pageRow{it.rows, &it.index}, &p); err != nil {
		it.err = storage.StorageErr("scan page", err)
		return false
	}
	it.cur = p
	return true
}

// Page returns the current page. The value is owned by the caller.
func (it *PageIterator) Page() *storage.PageInfo {
	p := it.cur
	return &p
}

// Index returns the dense index of the current page.
func (it *PageIterator) Index() int { return it.index }

// Err returns the first error encountered.
func (it *PageIterator) Err() error { return it.err }

// Close releases the iterator and, for DB.Iterate, its snapshot.
func (it *PageIterator) Close() error {
	var err error
	if it.rows != nil {
		err = it.rows.Close()
		it.rows = nil
	}
	if it.snap != nil {
		if cerr := it.snap.Close(); err == nil {
			err = cerr
		}
		it.snap = nil
	}
	return err
}

// pageRow prepends the idx column to the page columns scanned by scanPage.
type pageRow struct {
	rows  *sql.Rows
	index *int
}

func (r pageRow) Scan(dest ...any) error {
	return r.rows.Scan(append([]any{r.index}, dest...)...)
}

// Edge is a link between two dense page indices.
type Edge struct {
	From, To int
	Score    float64
}

// EdgeIterator walks the links of a snapshot.
type EdgeIterator struct {
	rows *sql.Rows
	cur  Edge
	err  error
}

// Next advances to the next edge.
func (it *EdgeIterator) Next() bool {
	if it.err != nil || it.rows == nil {
		return false
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			it.err = storage.StorageErr("iterate edges", err)
		}
		return false
	}
	if err := it.rows.Scan(&it.cur.From, &it.cur.To, &it.cur.Score); err != nil {
		it.err = storage.StorageErr("scan edge", err)
		return false
	}
	return true
}

// Edge returns the current edge.
func (it *EdgeIterator) Edge() Edge { return it.cur }

// Err returns the first error encountered.
func (it *EdgeIterator) Err() error { return it.err }

// Close releases the iterator.
func (it *EdgeIterator) Close() error {
	if it.rows == nil {
		return nil
	}
	err := it.rows.Close()
	it.rows = nil
	return err
}
