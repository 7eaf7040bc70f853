package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/frontier/internal/pagedb"
	"github.com/FranksOps/frontier/internal/storage"
)

func TestGenerateSummary(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	pages := []*storage.PageInfo{
		{
			URL:        "https://a.com/",
			IsSeed:     true,
			NCrawls:    3,
			NChanges:   1,
			FirstCrawl: start,
			LastCrawl:  start.Add(time.Minute),
		},
		{
			URL:        "https://a.com/x",
			Depth:      1,
			NCrawls:    1,
			FirstCrawl: start.Add(30 * time.Second),
			LastCrawl:  start.Add(2 * time.Minute),
		},
		{
			URL:   "https://b.com/",
			Depth: 2,
		},
	}

	summary := GenerateSummary(pages)

	assert.Equal(t, 3, summary.TotalPages)
	assert.Equal(t, 2, summary.Crawled)
	assert.Equal(t, 1, summary.Placeholders)
	assert.Equal(t, 1, summary.Seeds)
	assert.Equal(t, 4, summary.TotalCrawls)
	assert.Equal(t, 1, summary.TotalChanges)
	assert.Equal(t, 2, summary.MaxDepth)
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, summary.Depths)
	assert.Equal(t, 2, summary.Domains["a.com"])
	assert.Equal(t, 2*time.Minute, summary.Duration)
}

func TestGenerateSummary_Empty(t *testing.T) {
	summary := GenerateSummary(nil)
	assert.Zero(t, summary.TotalPages)
	assert.Zero(t, summary.Duration)
}

func TestFromPageDB(t *testing.T) {
	ctx := context.Background()
	db, err := pagedb.Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Add(ctx, &storage.CrawledPage{
		URL:  "https://a.com",
		Time: time.Unix(100, 0),
		Links: []storage.LinkInfo{
			{URL: "https://b.com", Score: 0.5},
			{URL: "https://c.com", Score: 0.5},
		},
	})
	require.NoError(t, err)

	summary, err := FromPageDB(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalPages)
	assert.Equal(t, 1, summary.Crawled)
	assert.Equal(t, 2, summary.Placeholders)
	assert.Equal(t, 2, summary.Depths[1])
}

func TestWriteJSON(t *testing.T) {
	summary := Summary{
		TotalPages: 5,
	}
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, summary))
	assert.Contains(t, buf.String(), `"TotalPages": 5`)
}

func TestWriteText(t *testing.T) {
	summary := Summary{
		TotalPages: 5,
		Crawled:    4,
		Depths: map[int]int{
			0: 1,
			1: 4,
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, summary))

	out := buf.String()
	assert.Contains(t, out, "Pages:         5")
	assert.Contains(t, out, "1: 4")
}

func TestWriteHTML(t *testing.T) {
	summary := Summary{
		TotalPages: 10,
		Domains: map[string]int{
			"<b>evil.com": 2,
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, summary))

	out := buf.String()
	assert.Contains(t, out, "<title>Frontier Report</title>")
	assert.Contains(t, out, "&lt;b&gt;evil.com", "domain is escaped")
}
