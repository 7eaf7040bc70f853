package scheduler

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/frontier/internal/hashing"
	"github.com/FranksOps/frontier/internal/pagedb"
	"github.com/FranksOps/frontier/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFreq(t *testing.T, db *pagedb.DB, optFns ...func(o *FreqOptions)) *FreqScheduler {
	t.Helper()
	s, err := NewFreq(context.Background(), db, "", optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addAt(t *testing.T, db *pagedb.DB, url string, at int64, hash string) {
	t.Helper()
	_, err := db.Add(context.Background(), &storage.CrawledPage{
		URL:         url,
		Time:        time.Unix(at, 0),
		ContentHash: []byte(hash),
	})
	require.NoError(t, err)
}

func countRequests(t *testing.T, s *FreqScheduler, n int) map[string]int {
	t.Helper()
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		got, err := s.Requests(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		counts[got[0]]++
	}
	return counts
}

func TestFreq_RulesMatchFrequencies(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	// one content change per second
	for i := 0; i < 100; i++ {
		addAt(t, db, "https://a.com", int64(i), string(rune('A'+i)))
	}
	addAt(t, db, "http://www.b", 0, "")
	addAt(t, db, "http://c.com", 0, "")
	addAt(t, db, "http://d.com", 0, "")

	rules, err := ParseFreqRules(strings.NewReader(`
# scale the observed change rate of secure pages
https://.*       x0.001
http://www\..*   200.0

.*               500.0
`))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	s := newFreq(t, db)
	n, err := s.LoadRules(ctx, rules)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	counts := countRequests(t, s, 1000)

	// frequencies 0.001, 1/200, 1/500 and 1/500 out of a total of 0.01
	assert.InEpsilon(t, 100, counts["https://a.com"], 0.05)
	assert.InEpsilon(t, 500, counts["http://www.b"], 0.05)
	assert.InEpsilon(t, 200, counts["http://c.com"], 0.05)
	assert.InEpsilon(t, 200, counts["http://d.com"], 0.05)
}

func TestFreq_RateMatching(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	addAt(t, db, "https://fast.com", 0, "")
	addAt(t, db, "https://slow.com", 0, "")

	s := newFreq(t, db)
	n, err := s.Load(ctx, slices.Values([]PageFreq{
		{ID: hashing.Hash("https://fast.com"), Freq: 0.3},
		{ID: hashing.Hash("https://slow.com"), Freq: 0.1},
		{ID: hashing.Hash("https://fast.com"), Freq: 0.3},
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	l, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, l)

	counts := countRequests(t, s, 2000)
	ratio := float64(counts["https://fast.com"]) / float64(counts["https://slow.com"])
	assert.InEpsilon(t, 3.0, ratio, 0.05)
}

func TestFreq_RateMatchingWithIngest(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	for _, u := range []string{"https://a.com", "https://b.com", "https://c.com"} {
		addAt(t, db, u, 0, "")
	}

	s := newFreq(t, db, func(o *FreqOptions) { o.DefaultFreq = 1 })
	_, err := s.Load(ctx, slices.Values([]PageFreq{
		{ID: hashing.Hash("https://a.com"), Freq: 5},
		{ID: hashing.Hash("https://b.com"), Freq: 0.7},
		{ID: hashing.Hash("https://c.com"), Freq: 1.3},
	}))
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 3000; i++ {
		got, err := s.Requests(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		counts[got[0]]++
		_, err = s.Add(ctx, &storage.CrawledPage{URL: got[0], Time: time.Unix(int64(i), 0)})
		require.NoError(t, err)
	}

	b := float64(counts["https://b.com"])
	assert.InEpsilon(t, 5/0.7, float64(counts["https://a.com"])/b, 0.05)
	assert.InEpsilon(t, 1.3/0.7, float64(counts["https://c.com"])/b, 0.05)
}

func TestFreq_LoadIsAtomic(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	addAt(t, db, "https://a.com", 0, "")

	s := newFreq(t, db)
	_, err := s.Load(ctx, slices.Values([]PageFreq{
		{ID: hashing.Hash("https://a.com"), Freq: 1},
		{ID: hashing.Hash("https://unknown.com"), Freq: 1},
	}))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	l, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, l)

	// non-positive frequencies are ignored
	n, err := s.Load(ctx, slices.Values([]PageFreq{{ID: hashing.Hash("https://a.com"), Freq: 0}}))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFreq_LoadSimple(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	addAt(t, db, "https://a.com", 0, "v1")
	addAt(t, db, "https://a.com", 10, "v2") // rate 0.1
	_, err := db.Add(ctx, &storage.CrawledPage{
		URL:   "https://b.com",
		Time:  time.Unix(0, 0),
		Links: []storage.LinkInfo{{URL: "https://c.com", Score: 0.5}},
	})
	require.NoError(t, err)

	s := newFreq(t, db)
	n, err := s.LoadSimple(ctx, 0.05, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "uncrawled c.com is not scheduled")

	var buf bytes.Buffer
	require.NoError(t, s.Dump(ctx, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	// a.com: 2*0.1 = 0.2, due after 5s; b.com: default 0.05, due after 20s
	assert.Equal(t, "5.000000 "+hashing.Hash("https://a.com").String()+" 0.2 https://a.com", lines[0])
	assert.Equal(t, "20.000000 "+hashing.Hash("https://b.com").String()+" 0.05 https://b.com", lines[1])
}

func TestFreq_MaxNCrawlsIsTerminal(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	addAt(t, db, "https://a.com", 0, "")

	s := newFreq(t, db, func(o *FreqOptions) {
		o.MaxNCrawls = 2
		o.DefaultFreq = 1
	})
	n, err := s.LoadSimple(ctx, 1, -1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Requests(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.com"}, got)

	addAt(t, db, "https://a.com", 1, "")
	got, err = s.Requests(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, s.Exhausted())

	// new pages no longer revive the schedule
	_, err = s.Add(ctx, &storage.CrawledPage{URL: "https://b.com", Time: time.Unix(2, 0)})
	require.NoError(t, err)
	got, err = s.Requests(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFreq_Margin(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	addAt(t, db, "https://a.com", 1000, "")

	now := time.Unix(1001, 0)
	s := newFreq(t, db, func(o *FreqOptions) {
		o.Margin = 0
		o.Now = func() time.Time { return now }
	})
	_, err := s.LoadSimple(ctx, 0.1, -1)
	require.NoError(t, err)

	// crawled 1s ago, period 10s
	got, err := s.Requests(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	now = time.Unix(1011, 0)
	got, err = s.Requests(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.com"}, got)
}

func TestFreq_AddSchedules(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	s := newFreq(t, db)
	_, err := s.Add(ctx, &storage.CrawledPage{URL: "https://a.com", Time: time.Unix(0, 0)})
	require.NoError(t, err)
	l, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, l, "no default frequency")

	s2 := newFreq(t, db, func(o *FreqOptions) { o.DefaultFreq = 0.5 })
	_, err = s2.Add(ctx, &storage.CrawledPage{URL: "https://b.com", Time: time.Unix(0, 0)})
	require.NoError(t, err)
	l, err = s2.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l)

	got, err := s2.Requests(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.com", "https://b.com", "https://b.com", "https://b.com", "https://b.com"}, got)

	// ingesting the crawl leaves the due time Requests already advanced
	_, err = s2.Add(ctx, &storage.CrawledPage{URL: "https://b.com", Time: time.Unix(1, 0)})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, s2.Dump(ctx, &buf))
	assert.True(t, strings.HasPrefix(buf.String(), "12.000000 "), buf.String())
}

func TestParseFreqRules_Errors(t *testing.T) {
	for _, in := range []string{
		"(unclosed 1.0",
		".* nope",
		".* x-1",
		".* 0",
		".* 1.0 extra",
	} {
		_, err := ParseFreqRules(strings.NewReader(in))
		assert.ErrorIs(t, err, storage.ErrInvalidArgument, in)
	}
}

func TestFreqRule_ScaleFallsThrough(t *testing.T) {
	scale, err := NewFreqRule(`https://.*`, "x2")
	require.NoError(t, err)
	fixed, err := NewFreqRule(`.*`, "100")
	require.NoError(t, err)
	rules := []FreqRule{scale, fixed}

	f, ok := matchFreq(rules, &storage.PageInfo{URL: "https://a.com"})
	require.True(t, ok)
	assert.Equal(t, 0.01, f)

	f, ok = matchFreq(rules, &storage.PageInfo{
		URL: "https://a.com", NCrawls: 2, NChanges: 1,
		FirstCrawl: time.Unix(0, 0), LastCrawl: time.Unix(4, 0),
	})
	require.True(t, ok)
	assert.Equal(t, 0.5, f)

	// patterns match the whole URL
	only, err := NewFreqRule(`https://a\.com`, "1")
	require.NoError(t, err)
	_, ok = matchFreq([]FreqRule{only}, &storage.PageInfo{URL: "https://a.com/x"})
	assert.False(t, ok)
}

func TestFreq_LoadSimpleIncludesSeeds(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	_, err := db.AddSeeds(ctx, []string{"https://seed.com"})
	require.NoError(t, err)

	s := newFreq(t, db)
	n, err := s.LoadSimple(ctx, 0.5, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Requests(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://seed.com", "https://seed.com"}, got)
}
