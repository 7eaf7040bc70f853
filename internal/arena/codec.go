package arena

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

var magic = [4]byte{'F', 'A', 'V', '1'}

type header struct {
	Magic    [4]byte
	Len      uint64
	ElemSize uint32
	RawLen   uint32
	CompLen  uint32 // 0 when the payload is stored uncompressed
}

// WriteTo encodes the vector as a little-endian payload compressed with lz4
// block compression.
func (v *Vector[T]) WriteTo(w io.Writer) (int64, error) {
	var zero T
	var raw bytes.Buffer
	if err := binary.Write(&raw, binary.LittleEndian, v.data); err != nil {
		return 0, fmt.Errorf("arena: encode: %w", err)
	}

	payload := raw.Bytes()
	h := header{
		Magic:    magic,
		Len:      uint64(len(v.data)),
		ElemSize: uint32(binary.Size(zero)),
		RawLen:   uint32(len(payload)),
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
	n, err := lz4.CompressBlock(payload, compressed, nil)
	if err != nil {
		return 0, fmt.Errorf("arena: compress: %w", err)
	}
	// n == 0 means the data was incompressible
	if n > 0 && n < len(payload) {
		h.CompLen = uint32(n)
		payload = compressed[:n]
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return 0, fmt.Errorf("arena: write header: %w", err)
	}
	written, err := w.Write(payload)
	total := int64(binary.Size(&h)) + int64(written)
	if err != nil {
		return total, fmt.Errorf("arena: write payload: %w", err)
	}
	return total, nil
}

// ReadFrom replaces the contents of v with a vector encoded by WriteTo.
func (v *Vector[T]) ReadFrom(r io.Reader) (int64, error) {
	var zero T
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return 0, fmt.Errorf("arena: read header: %w", err)
	}
	read := int64(binary.Size(&h))

	if h.Magic != magic {
		return read, errors.New("arena: bad magic")
	}
	if int(h.ElemSize) != binary.Size(zero) {
		return read, fmt.Errorf("arena: element size %d, want %d", h.ElemSize, binary.Size(zero))
	}
	if uint64(h.RawLen) != h.Len*uint64(h.ElemSize) {
		return read, errors.New("arena: corrupt length")
	}
	if err := v.checkLen(int(h.Len)); err != nil {
		return read, err
	}

	stored := h.RawLen
	if h.CompLen > 0 {
		stored = h.CompLen
	}
	buf := make([]byte, stored)
	n, err := io.ReadFull(r, buf)
	read += int64(n)
	if err != nil {
		return read, fmt.Errorf("arena: read payload: %w", err)
	}

	raw := buf
	if h.CompLen > 0 {
		raw = make([]byte, h.RawLen)
		m, err := lz4.UncompressBlock(buf, raw)
		if err != nil {
			return read, fmt.Errorf("arena: decompress: %w", err)
		}
		if m != int(h.RawLen) {
			return read, errors.New("arena: short decompressed payload")
		}
	}

	data := make([]T, h.Len)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, data); err != nil {
		return read, fmt.Errorf("arena: decode: %w", err)
	}
	v.data = data
	return read, nil
}
