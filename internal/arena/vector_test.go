package arena

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/FranksOps/frontier/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVector_GrowDoubles(t *testing.T) {
	v, err := New[float64](0)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, v.Append(float64(i)))
	}
	assert.Equal(t, 100, v.Len())
	assert.Equal(t, 128, v.Cap(), "capacity doubles from 8")
	assert.Equal(t, 99.0, v.Get(99))
	assert.Equal(t, 4950.0, v.Sum())

	require.NoError(t, v.Grow(50), "shrink is a no-op")
	assert.Equal(t, 100, v.Len())

	require.NoError(t, v.Grow(130))
	assert.Equal(t, 256, v.Cap())
	assert.Equal(t, 0.0, v.Get(129), "grown tail is zeroed")
}

func TestVector_MaxLen(t *testing.T) {
	v, err := New[uint32](4, func(o *Options) { o.MaxLen = 10 })
	require.NoError(t, err)

	require.NoError(t, v.Grow(10))
	assert.LessOrEqual(t, v.Cap(), 10)

	err = v.Append(1)
	assert.ErrorIs(t, err, storage.ErrMemory)
	assert.Equal(t, 10, v.Len())

	_, err = New[uint32](11, func(o *Options) { o.MaxLen = 10 })
	assert.ErrorIs(t, err, storage.ErrMemory)

	_, err = New[uint32](-1)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestVector_SetAddFillSwap(t *testing.T) {
	a := MustNew[int64](3)
	b := MustNew[int64](3)

	a.Set(0, 5)
	a.Add(0, 2)
	b.Fill(1)

	a.Swap(b)
	assert.Equal(t, []int64{1, 1, 1}, a.Slice())
	assert.Equal(t, []int64{7, 0, 0}, b.Slice())

	c := b.Clone()
	c.Set(0, 0)
	assert.Equal(t, int64(7), b.Get(0), "clone is independent")
}

func TestVector_Codec(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	cases := map[string]*Vector[float64]{
		"empty":    MustNew[float64](0),
		"repeated": MustNew[float64](1000),
		"random":   MustNew[float64](257),
	}
	cases["repeated"].Fill(0.25)
	for i := range cases["random"].Slice() {
		cases["random"].Set(i, rng.Float64())
	}

	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := v.WriteTo(&buf)
			require.NoError(t, err)
			assert.Equal(t, int64(buf.Len()), n)

			got := MustNew[float64](0)
			m, err := got.ReadFrom(&buf)
			require.NoError(t, err)
			assert.Equal(t, n, m)
			assert.Equal(t, v.Len(), got.Len())
			assert.Equal(t, v.Slice(), got.Slice())
		})
	}

	var buf bytes.Buffer
	_, err := cases["repeated"].WriteTo(&buf)
	require.NoError(t, err)
	assert.Less(t, buf.Len(), 8000, "constant payload compresses")
}

func TestVector_CodecElemMismatch(t *testing.T) {
	var buf bytes.Buffer
	_, err := MustNew[float64](4).WriteTo(&buf)
	require.NoError(t, err)

	_, err = MustNew[float32](0).ReadFrom(&buf)
	assert.Error(t, err)
}
