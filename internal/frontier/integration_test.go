//go:build integration

package frontier

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/frontier/internal/config"
	"github.com/FranksOps/frontier/internal/storage"
)

// mockBackend is an in-memory storage.Backend for verifying exports
type mockBackend struct {
	mu    sync.Mutex
	pages []*storage.PageInfo
}

func (m *mockBackend) Save(ctx context.Context, p *storage.PageInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, p)
	return nil
}

func (m *mockBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.PageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.PageInfo
	for _, p := range m.pages {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockBackend) Close() error { return nil }

// fetch returns the body hash and the absolute links of a page whose body
// lists one relative link per line.
func fetch(t *testing.T, raw string) ([]byte, []storage.LinkInfo) {
	t.Helper()
	resp, err := http.Get(raw)
	require.NoError(t, err, raw)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, raw)

	base, _ := url.Parse(raw)
	var links []storage.LinkInfo
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	for sc.Scan() {
		ref, err := url.Parse(strings.TrimSpace(sc.Text()))
		if err != nil || ref.String() == "" {
			continue
		}
		links = append(links, storage.LinkInfo{URL: base.ResolveReference(ref).String(), Score: 0.5})
	}
	sum := sha256.Sum256(body)
	return sum[:], links
}

func TestIntegration_BasicCrawl(t *testing.T) {
	// 1. Setup mock target server
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "/page1\n/page2\n")
	})
	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "/page3\n/\n")
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "")
	})
	mux.HandleFunc("/page3", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("page3 is beyond the depth limit")
	})

	targetServer := httptest.NewServer(mux)
	defer targetServer.Close()

	// 2. Setup frontier
	s := config.Default()
	s.Dir = t.TempDir()
	s.SoftRate = 0
	s.HardRate = 0
	s.MaxCrawlDepth = 1
	s.UpdateInterval = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	f, err := Open(ctx, s, logger)
	require.NoError(t, err)
	defer f.Close()

	root := targetServer.URL + "/"
	require.NoError(t, f.Seed(ctx, []string{root}))

	// 3. Execute crawl
	crawled := map[string]int{}
	for {
		urls, err := f.Retrieve(ctx, 2)
		require.NoError(t, err)
		if len(urls) == 0 {
			break
		}
		for _, u := range urls {
			crawled[u]++
			hash, links := fetch(t, u)
			_, err := f.Ingest(ctx, u, 0.5, links, hash)
			require.NoError(t, err, u)
		}
	}

	// 4. Verify results
	require.Len(t, crawled, 3, "root, page1 and page2")
	for u, n := range crawled {
		assert.Equal(t, 1, n, u)
	}

	backend := &mockBackend{}
	require.NoError(t, Export(ctx, f.DB(), backend))
	require.Len(t, backend.pages, 4)
	for _, p := range backend.pages {
		switch {
		case p.URL == root:
			assert.Equal(t, 0, p.Depth)
			assert.True(t, p.IsSeed)
		case strings.HasSuffix(p.URL, "/page3"):
			assert.Equal(t, 2, p.Depth)
			assert.False(t, p.Crawled())
		default:
			assert.Equal(t, 1, p.Depth, p.URL)
			assert.True(t, p.Crawled(), p.URL)
		}
	}
}
