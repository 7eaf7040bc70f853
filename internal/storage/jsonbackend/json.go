package jsonbackend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/FranksOps/frontier/internal/storage"
	"github.com/klauspost/compress/zstd"
)

// ensure jsonBackend implements storage.Backend
var _ storage.Backend = (*jsonBackend)(nil)

type jsonBackend struct {
	mu   sync.Mutex
	file *os.File
	path string
	zw   *zstd.Encoder // nil for plain NDJSON
}

// New creates a new NDJSON-backed storage.Backend. Paths ending in ".zst" are
// written as a zstd stream; each Close ends a frame so the file can be
// reopened for appending.
func New(filePath string) (storage.Backend, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open json export: %w", err)
	}

	b := &jsonBackend{file: f, path: filePath}
	if compressed(filePath) {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		b.zw = zw
	}

	return b, nil
}

func compressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

func (b *jsonBackend) Save(ctx context.Context, page *storage.PageInfo) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var w io.Writer = b.file
	if b.zw != nil {
		w = b.zw
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write json record: %w", err)
	}

	return nil
}

func (b *jsonBackend) reader() (io.Reader, func(), error) {
	if b.zw == nil {
		return b.file, func() {}, nil
	}
	// End the current frame so everything written so far decodes; later
	// writes start a new frame in the same file.
	if err := b.zw.Close(); err != nil {
		return nil, nil, err
	}
	b.zw.Reset(b.file)
	f, err := os.Open(b.path)
	if err != nil {
		return nil, nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return zr, func() { zr.Close(); f.Close() }, nil
}

func (b *jsonBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.PageInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek json export: %w", err)
	}
	defer func() {
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	r, release, err := b.reader()
	if err != nil {
		return nil, fmt.Errorf("open json export: %w", err)
	}
	defer release()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var matched []*storage.PageInfo
	skipped := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var p storage.PageInfo
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("decode json record: %w", err)
		}

		if !filter.Match(&p) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}

		matched = append(matched, &p)
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			return matched, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan json export: %w", err)
	}

	return matched, nil
}

func (b *jsonBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.zw != nil {
		if err := b.zw.Close(); err != nil {
			b.file.Close()
			return fmt.Errorf("close zstd writer: %w", err)
		}
	}
	return b.file.Close()
}
