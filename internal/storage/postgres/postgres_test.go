package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/frontier/internal/storage"
)

func TestPostgresBackend(t *testing.T) {
	// Only run this test if FRONTIER_TEST_PG_DSN is set
	dsn := os.Getenv("FRONTIER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres backend test: FRONTIER_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	b, err := New(ctx, dsn)
	require.NoError(t, err)
	defer b.Close()

	now := time.Now().UTC()

	page := &storage.PageInfo{
		ID:          storage.PageID(0xfedcba9876543210),
		URL:         "http://example-pg.com",
		Depth:       0,
		FirstCrawl:  now.Add(-time.Hour),
		LastCrawl:   now,
		NCrawls:     2,
		NChanges:    1,
		Score:       0.75,
		ContentHash: []byte{1, 2, 3},
		IsSeed:      true,
	}

	require.NoError(t, b.Save(ctx, page))

	// saving twice must upsert, not duplicate
	page.NCrawls = 3
	require.NoError(t, b.Save(ctx, page))

	results, err := b.Query(ctx, storage.Filter{URL: "http://example-pg.com"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, page.ID, got.ID)
	assert.Equal(t, 3, got.NCrawls)
	assert.Equal(t, page.LastCrawl.Unix(), got.LastCrawl.Unix())
	assert.True(t, got.IsSeed)

	placeholder := &storage.PageInfo{ID: 99, URL: "http://example-pg.com/child", Depth: 1, LinkedFrom: page.ID}
	require.NoError(t, b.Save(ctx, placeholder))

	crawled := false
	results, err = b.Query(ctx, storage.Filter{URL: placeholder.URL, Crawled: &crawled})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].FirstCrawl.IsZero(), "uncrawled placeholder")
}
