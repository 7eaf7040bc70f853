package csvbackend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/frontier/internal/storage"
)

func TestCSVBackend(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "pages.csv")

	b, err := New(filePath)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	seed := &storage.PageInfo{
		ID:          1,
		URL:         "http://example.com/",
		Depth:       0,
		FirstCrawl:  now.Add(-2 * time.Hour),
		LastCrawl:   now,
		NCrawls:     3,
		NChanges:    1,
		Score:       0.5,
		ContentHash: []byte{0xde, 0xad},
		IsSeed:      true,
	}

	placeholder := &storage.PageInfo{
		ID:         2,
		URL:        "http://example.com/child",
		LinkedFrom: 1,
		Depth:      1,
		Score:      0.25,
	}

	require.NoError(t, b.Save(ctx, seed))
	require.NoError(t, b.Save(ctx, placeholder))

	results, err := b.Query(ctx, storage.Filter{URL: "http://example.com/child"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	got := results[0]
	assert.Equal(t, storage.PageID(2), got.ID)
	assert.Equal(t, storage.PageID(1), got.LinkedFrom)
	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, 0.25, got.Score)
	assert.True(t, got.FirstCrawl.IsZero(), "placeholder has no first crawl")

	crawled := true
	results, err = b.Query(ctx, storage.Filter{Crawled: &crawled})
	require.NoError(t, err)
	require.Len(t, results, 1)
	got = results[0]
	assert.True(t, got.IsSeed)
	assert.Equal(t, 3, got.NCrawls)
	assert.Equal(t, seed.ContentHash, got.ContentHash)
	assert.True(t, got.LastCrawl.Equal(now), "last crawl %v, want %v", got.LastCrawl, now)

	results, err = b.Query(ctx, storage.Filter{Offset: 1, Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, storage.PageID(2), results[0].ID)
}

func TestCSVBackend_Reopen(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "pages.csv")
	ctx := context.Background()

	b, err := New(filePath)
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx, &storage.PageInfo{ID: 7, URL: "http://a.com"}))
	b.Close()

	b, err = New(filePath)
	require.NoError(t, err)
	defer b.Close()

	results, err := b.Query(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 1, "header is written once")
}
