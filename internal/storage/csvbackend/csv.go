package csvbackend

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/FranksOps/frontier/internal/storage"
)

// ensure csvBackend implements storage.Backend
var _ storage.Backend = (*csvBackend)(nil)

type csvBackend struct {
	mu   sync.Mutex
	file *os.File
}

// headers defines the CSV column order
var headers = []string{
	"id",
	"url",
	"linked_from",
	"depth",
	"first_crawl",
	"last_crawl",
	"n_crawls",
	"n_changes",
	"score",
	"content_hash",
	"is_seed",
}

// New creates a new CSV-backed storage.Backend.
func New(filePath string) (storage.Backend, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open csv export: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv export: %w", err)
	}

	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}

	return &csvBackend{
		file: f,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (b *csvBackend) Save(ctx context.Context, page *storage.PageInfo) error {
	record := []string{
		strconv.FormatUint(uint64(page.ID), 10),
		page.URL,
		strconv.FormatUint(uint64(page.LinkedFrom), 10),
		strconv.Itoa(page.Depth),
		formatTime(page.FirstCrawl),
		formatTime(page.LastCrawl),
		strconv.Itoa(page.NCrawls),
		strconv.Itoa(page.NChanges),
		strconv.FormatFloat(page.Score, 'g', -1, 64),
		hex.EncodeToString(page.ContentHash),
		strconv.FormatBool(page.IsSeed),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek csv export: %w", err)
	}

	w := csv.NewWriter(b.file)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	w.Flush()

	if err := w.Error(); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}

	return nil
}

func (b *csvBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.PageInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek csv export: %w", err)
	}
	defer func() {
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	r := csv.NewReader(b.file)

	_, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return []*storage.PageInfo{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var matched []*storage.PageInfo
	skipped := 0

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}

		if len(record) != len(headers) {
			continue // skip malformed rows
		}

		id, _ := strconv.ParseUint(record[0], 10, 64)
		from, _ := strconv.ParseUint(record[2], 10, 64)
		depth, _ := strconv.Atoi(record[3])
		nCrawls, _ := strconv.Atoi(record[6])
		nChanges, _ := strconv.Atoi(record[7])
		score, _ := strconv.ParseFloat(record[8], 64)
		hash, _ := hex.DecodeString(record[9])
		isSeed, _ := strconv.ParseBool(record[10])
		if len(hash) == 0 {
			hash = nil
		}

		p := &storage.PageInfo{
			ID:          storage.PageID(id),
			URL:         record[1],
			LinkedFrom:  storage.PageID(from),
			Depth:       depth,
			FirstCrawl:  parseTime(record[4]),
			LastCrawl:   parseTime(record[5]),
			NCrawls:     nCrawls,
			NChanges:    nChanges,
			Score:       score,
			ContentHash: hash,
			IsSeed:      isSeed,
		}

		if !filter.Match(p) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}

		matched = append(matched, p)
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}

	return matched, nil
}

func (b *csvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
