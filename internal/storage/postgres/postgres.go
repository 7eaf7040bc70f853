package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/FranksOps/frontier/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
}

// ids are stored as the bit pattern of the uint64 identity.
const schema = `
CREATE TABLE IF NOT EXISTS frontier_pages (
	id BIGINT PRIMARY KEY,
	url TEXT NOT NULL,
	linked_from BIGINT NOT NULL,
	depth INTEGER NOT NULL,
	first_crawl TIMESTAMPTZ,
	last_crawl TIMESTAMPTZ,
	n_crawls INTEGER NOT NULL,
	n_changes INTEGER NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	content_hash BYTEA,
	is_seed BOOLEAN NOT NULL
);
`

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	_, err = pool.Exec(ctx, schema)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply pg schema: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Save upserts the page so repeated exports converge on the latest state.
func (b *postgresBackend) Save(ctx context.Context, page *storage.PageInfo) error {
	query := `
	INSERT INTO frontier_pages (
		id, url, linked_from, depth, first_crawl, last_crawl, n_crawls, n_changes, score, content_hash, is_seed
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		url = EXCLUDED.url,
		linked_from = EXCLUDED.linked_from,
		depth = EXCLUDED.depth,
		first_crawl = EXCLUDED.first_crawl,
		last_crawl = EXCLUDED.last_crawl,
		n_crawls = EXCLUDED.n_crawls,
		n_changes = EXCLUDED.n_changes,
		score = EXCLUDED.score,
		content_hash = EXCLUDED.content_hash,
		is_seed = EXCLUDED.is_seed
	`

	_, err := b.pool.Exec(ctx, query,
		int64(page.ID),
		page.URL,
		int64(page.LinkedFrom),
		page.Depth,
		nullTime(page.FirstCrawl),
		nullTime(page.LastCrawl),
		page.NCrawls,
		page.NChanges,
		page.Score,
		page.ContentHash,
		page.IsSeed,
	)

	if err != nil {
		return fmt.Errorf("save page %s: %w", page.ID, err)
	}

	return nil
}

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.PageInfo, error) {
	query := `SELECT id, url, linked_from, depth, first_crawl, last_crawl, n_crawls, n_changes, score, content_hash, is_seed FROM frontier_pages WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.URL != "" {
		query += fmt.Sprintf(` AND url = $%d`, paramCount)
		args = append(args, filter.URL)
		paramCount++
	}
	if filter.MaxDepth != nil {
		query += fmt.Sprintf(` AND depth <= $%d`, paramCount)
		args = append(args, *filter.MaxDepth)
		paramCount++
	}
	if filter.Crawled != nil {
		if *filter.Crawled {
			query += ` AND n_crawls > 0`
		} else {
			query += ` AND n_crawls = 0`
		}
	}

	query += ` ORDER BY id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var results []*storage.PageInfo
	for rows.Next() {
		var p storage.PageInfo
		var id, from int64
		var first, last *time.Time

		err := rows.Scan(
			&id, &p.URL, &from, &p.Depth, &first, &last,
			&p.NCrawls, &p.NChanges, &p.Score, &p.ContentHash, &p.IsSeed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}

		p.ID = storage.PageID(id)
		p.LinkedFrom = storage.PageID(from)
		if first != nil {
			p.FirstCrawl = *first
		}
		if last != nil {
			p.LastCrawl = *last
		}

		results = append(results, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}

	return results, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
