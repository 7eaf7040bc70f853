package pagedb

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/FranksOps/frontier/internal/hashing"
	"github.com/FranksOps/frontier/internal/storage"
	"github.com/FranksOps/frontier/internal/txn"
)

// AddResult describes what an Add changed.
type AddResult struct {
	// Page is the crawled page after the update.
	Page storage.PageInfo
	// Created is set when the page was unknown before this crawl.
	Created bool
	// Changed is set when a re-crawl saw a different content hash.
	Changed bool
	// NewLinks are the placeholders created for previously unknown link targets.
	NewLinks []storage.PageInfo
	// Relaxed are pages whose depth decreased, directly or by propagation.
	Relaxed []storage.PageInfo
}

func validate(page *storage.CrawledPage) error {
	if page == nil || page.URL == "" {
		return fmt.Errorf("empty page URL: %w", storage.ErrInvalidArgument)
	}
	if !validScore(page.Score) {
		return fmt.Errorf("page score %v: %w", page.Score, storage.ErrInvalidArgument)
	}
	for i, l := range page.Links {
		if l.URL == "" {
			return fmt.Errorf("empty URL for link %d: %w", i, storage.ErrInvalidArgument)
		}
		if !validScore(l.Score) {
			return fmt.Errorf("link %d score %v: %w", i, l.Score, storage.ErrInvalidArgument)
		}
	}
	return nil
}

// Add records a crawl of page and its outlinks in one write transaction.
// Either every touched record is updated or none is.
func (db *DB) Add(ctx context.Context, page *storage.CrawledPage) (*AddResult, error) {
	if err := validate(page); err != nil {
		return nil, err
	}

	var res *AddResult
	err := db.tm.Update(ctx, func(t *txn.Txn) error {
		var err error
		res, err = add(ctx, t, page)
		return err
	})
	if err != nil {
		return nil, err
	}

	db.logger.Debug("page added",
		"url", page.URL,
		"created", res.Created,
		"new_links", len(res.NewLinks),
		"relaxed", len(res.Relaxed))
	return res, nil
}

func add(ctx context.Context, t *txn.Txn, page *storage.CrawledPage) (*AddResult, error) {
	id := hashing.Hash(page.URL)
	res := &AddResult{}

	info, err := getInfo(ctx, t, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		info = &storage.PageInfo{
			ID:          id,
			URL:         page.URL,
			FirstCrawl:  page.Time,
			LastCrawl:   page.Time,
			NCrawls:     1,
			Score:       page.Score,
			ContentHash: page.ContentHash,
			IsSeed:      true,
		}
		if err := insertPage(ctx, t, info); err != nil {
			return nil, err
		}
		res.Created = true
	case err != nil:
		return nil, err
	default:
		if info.NCrawls == 0 {
			info.FirstCrawl = page.Time
		} else if !bytes.Equal(info.ContentHash, page.ContentHash) {
			info.NChanges++
			res.Changed = true
		}
		info.NCrawls++
		info.LastCrawl = page.Time
		info.Score = page.Score
		info.ContentHash = page.ContentHash
		if err := updatePage(ctx, t, info); err != nil {
			return nil, err
		}
	}

	relaxed := make(map[storage.PageID]struct{})
	var order []storage.PageID
	markRelaxed := func(id storage.PageID) {
		if _, ok := relaxed[id]; !ok {
			relaxed[id] = struct{}{}
			order = append(order, id)
		}
	}

	for _, link := range page.Links {
		lid := hashing.Hash(link.URL)

		target, err := getInfo(ctx, t, lid)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			target = &storage.PageInfo{
				ID:         lid,
				URL:        link.URL,
				LinkedFrom: id,
				Depth:      info.Depth + 1,
				Score:      link.Score,
			}
			if err := insertPage(ctx, t, target); err != nil {
				return nil, err
			}
			res.NewLinks = append(res.NewLinks, *target)
		case err != nil:
			return nil, err
		case info.Depth+1 < target.Depth:
			target.Depth = info.Depth + 1
			target.LinkedFrom = id
			if err := updatePage(ctx, t, target); err != nil {
				return nil, err
			}
			markRelaxed(lid)
			if err := propagate(ctx, t, lid, target.Depth, markRelaxed); err != nil {
				return nil, err
			}
		}

		if _, err := t.Exec(ctx, `
		INSERT OR IGNORE INTO links (src, pos, dst, score)
		VALUES (?, (SELECT COALESCE(MAX(pos) + 1, 0) FROM links WHERE src = ?), ?, ?)`,
			key(id), key(id), key(lid), link.Score); err != nil {
			return nil, err
		}
	}

	for _, rid := range order {
		p, err := getInfo(ctx, t, rid)
		if err != nil {
			return nil, fmt.Errorf("reload relaxed page: %w", err)
		}
		res.Relaxed = append(res.Relaxed, *p)
	}

	res.Page = *info
	return res, nil
}

type depthUpdate struct {
	id    storage.PageID
	depth int
}

// propagate lowers the depth of pages reachable from start through stored
// outlinks, breadth first.
func propagate(ctx context.Context, t *txn.Txn, start storage.PageID, depth int, mark func(storage.PageID)) error {
	queue := []depthUpdate{{start, depth}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		rows, err := t.Query(ctx, `
		SELECT l.dst FROM links l JOIN pages p ON p.id = l.dst
		WHERE l.src = ? AND p.depth > ?`, key(cur.id), cur.depth+1)
		if err != nil {
			return err
		}
		var next []storage.PageID
		for rows.Next() {
			var k int64
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return storage.StorageErr("scan outlink", err)
			}
			next = append(next, fromKey(k))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storage.StorageErr("iterate outlinks", err)
		}

		for _, nid := range next {
			if _, err := t.Exec(ctx, `UPDATE pages SET depth = ?, linked_from = ? WHERE id = ? AND depth > ?`,
				cur.depth+1, fromColumn(cur.id), key(nid), cur.depth+1); err != nil {
				return err
			}
			mark(nid)
			queue = append(queue, depthUpdate{nid, cur.depth + 1})
		}
	}
	return nil
}

// AddSeeds registers urls as depth-0 seeds that have not been crawled yet.
// URLs already known are left untouched. It returns the created pages.
func (db *DB) AddSeeds(ctx context.Context, urls []string) ([]storage.PageInfo, error) {
	for _, u := range urls {
		if u == "" {
			return nil, fmt.Errorf("empty seed URL: %w", storage.ErrInvalidArgument)
		}
	}

	var created []storage.PageInfo
	err := db.tm.Update(ctx, func(t *txn.Txn) error {
		created = created[:0]
		for _, u := range urls {
			id := hashing.Hash(u)
			_, err := getInfo(ctx, t, id)
			if err == nil {
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			p := storage.PageInfo{ID: id, URL: u, IsSeed: true}
			if err := insertPage(ctx, t, &p); err != nil {
				return err
			}
			created = append(created, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
