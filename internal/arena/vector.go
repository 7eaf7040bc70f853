// Package arena provides dense, index-addressed numeric vectors for per-page
// scalars such as scores and degrees.
//
// A Vector grows by doubling its capacity and can be bounded with MaxLen, in
// which case growth past the bound fails with storage.ErrMemory instead of
// allocating. Vectors are not safe for concurrent mutation; scorers own their
// vectors for the duration of a run.
package arena

import (
	"fmt"

	"github.com/FranksOps/frontier/internal/storage"
)

// Number is the set of element types a Vector can hold.
type Number interface {
	~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// Options configures a Vector.
type Options struct {
	// MaxLen bounds the vector length (0 = unbounded).
	MaxLen int
	// InitialCap preallocates capacity.
	InitialCap int
}

// Vector is a growable array indexed by dense page index.
type Vector[T Number] struct {
	data   []T
	maxLen int
}

// New returns a zero-filled vector of length n.
func New[T Number](n int, optFns ...func(o *Options)) (*Vector[T], error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if n < 0 {
		return nil, fmt.Errorf("arena: negative length %d: %w", n, storage.ErrInvalidArgument)
	}

	v := &Vector[T]{maxLen: opts.MaxLen}
	if err := v.checkLen(n); err != nil {
		return nil, err
	}

	c := max(n, opts.InitialCap)
	if v.maxLen > 0 {
		c = min(c, v.maxLen)
	}
	v.data = make([]T, n, c)
	return v, nil
}

// MustNew is New for callers that use no length bound.
func MustNew[T Number](n int) *Vector[T] {
	v, err := New[T](n)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Vector[T]) checkLen(n int) error {
	if v.maxLen > 0 && n > v.maxLen {
		return fmt.Errorf("arena: length %d exceeds limit %d: %w", n, v.maxLen, storage.ErrMemory)
	}
	return nil
}

// Len returns the number of elements.
func (v *Vector[T]) Len() int { return len(v.data) }

// Cap returns the allocated capacity.
func (v *Vector[T]) Cap() int { return cap(v.data) }

// Get returns element i. It panics when i is out of range, like a slice.
func (v *Vector[T]) Get(i int) T { return v.data[i] }

// Set stores x at i.
func (v *Vector[T]) Set(i int, x T) { v.data[i] = x }

// Add increments element i by x.
func (v *Vector[T]) Add(i int, x T) { v.data[i] += x }

// Grow extends the vector to length n with zero values. Capacity doubles until
// it fits n. Shrinking is a no-op.
func (v *Vector[T]) Grow(n int) error {
	if n <= len(v.data) {
		return nil
	}
	if err := v.checkLen(n); err != nil {
		return err
	}
	if n > cap(v.data) {
		c := max(cap(v.data), 8)
		for c < n {
			c *= 2
		}
		if v.maxLen > 0 {
			c = min(c, v.maxLen)
		}
		grown := make([]T, len(v.data), c)
		copy(grown, v.data)
		v.data = grown
	}
	v.data = v.data[:n]
	return nil
}

// Append adds x at the end, growing as needed.
func (v *Vector[T]) Append(x T) error {
	n := len(v.data)
	if err := v.Grow(n + 1); err != nil {
		return err
	}
	v.data[n] = x
	return nil
}

// Fill sets every element to x.
func (v *Vector[T]) Fill(x T) {
	for i := range v.data {
		v.data[i] = x
	}
}

// Sum returns the sum of all elements as float64.
func (v *Vector[T]) Sum() float64 {
	var s float64
	for _, x := range v.data {
		s += float64(x)
	}
	return s
}

// Slice exposes the backing storage. It is invalidated by Grow and Append.
func (v *Vector[T]) Slice() []T { return v.data }

// Swap exchanges the contents of v and o. Power iterations use it to flip
// current and next buffers without copying.
func (v *Vector[T]) Swap(o *Vector[T]) {
	v.data, o.data = o.data, v.data
}

// Clone returns an independent copy.
func (v *Vector[T]) Clone() *Vector[T] {
	data := make([]T, len(v.data))
	copy(data, v.data)
	return &Vector[T]{data: data, maxLen: v.maxLen}
}
