package storage

import (
	"context"
	"fmt"
	"time"
)

// PageID is the 64-bit identity of a page, derived from its URL.
type PageID uint64

func (id PageID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// LinkInfo is an outlink discovered on a crawled page.
type LinkInfo struct {
	URL   string
	Score float64 // link importance in [0,1]
}

// CrawledPage is one ingestion record describing a fetch result.
type CrawledPage struct {
	URL         string
	Time        time.Time
	Score       float64 // content score in [0,1]
	ContentHash []byte  // optional
	Links       []LinkInfo
}

// PageInfo is the persisted metadata of a page.
type PageInfo struct {
	ID          PageID
	URL         string
	LinkedFrom  PageID // predecessor on the shortest known path, 0 for seeds
	Depth       int
	FirstCrawl  time.Time // zero until the page is crawled
	LastCrawl   time.Time
	NCrawls     int
	NChanges    int
	Score       float64
	ContentHash []byte
	IsSeed      bool
}

// Crawled reports whether the page has been fetched at least once.
func (p *PageInfo) Crawled() bool {
	return p.NCrawls > 0
}

// ContentLength returns the length of the stored content hash.
func (p *PageInfo) ContentLength() int {
	return len(p.ContentHash)
}

// Rate estimates how often the page content changes, in changes per second.
// It returns -1 when there is not enough history.
func (p *PageInfo) Rate() float64 {
	if p.NCrawls < 2 {
		return -1
	}
	delta := p.LastCrawl.Sub(p.FirstCrawl).Seconds()
	if delta <= 0 {
		return -1
	}
	return float64(p.NChanges) / delta
}

// Filter allows querying exported PageInfo records.
type Filter struct {
	URL      string
	MaxDepth *int
	Crawled  *bool
	Limit    int
	Offset   int
}

// Match reports whether p satisfies every set field of the filter.
// Limit and Offset are not considered.
func (f Filter) Match(p *PageInfo) bool {
	if f.URL != "" && p.URL != f.URL {
		return false
	}
	if f.MaxDepth != nil && p.Depth > *f.MaxDepth {
		return false
	}
	if f.Crawled != nil && p.Crawled() != *f.Crawled {
		return false
	}
	return true
}

// Backend defines the interface for exporting and querying page records
// outside of the transactional store.
type Backend interface {
	Save(ctx context.Context, page *PageInfo) error
	Query(ctx context.Context, filter Filter) ([]*PageInfo, error)
	Close() error
}
