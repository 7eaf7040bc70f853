package domaintemp

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_DecayAndIncrement(t *testing.T) {
	e := New(func(o *Options) { o.Window = 10 * time.Second })
	t0 := time.Unix(1000, 0)

	assert.Equal(t, 0.0, e.CurrentRate("a.com", t0))

	e.RecordCrawl("a.com", t0)
	assert.InDelta(t, 0.1, e.CurrentRate("a.com", t0), 1e-12)

	// one window later the temperature has decayed by 1/e
	assert.InDelta(t, 0.1/math.E, e.CurrentRate("a.com", t0.Add(10*time.Second)), 1e-12)

	// reading does not mutate
	assert.InDelta(t, 0.1, e.CurrentRate("a.com", t0), 1e-12)

	e.RecordCrawl("a.com", t0.Add(10*time.Second))
	assert.InDelta(t, (1/math.E+1)/10, e.CurrentRate("a.com", t0.Add(10*time.Second)), 1e-12)

	assert.Equal(t, 0.0, e.CurrentRate("b.com", t0))
}

func TestEstimator_SteadyStateMatchesRate(t *testing.T) {
	e := New(func(o *Options) { o.Window = 20 * time.Second })
	t0 := time.Unix(0, 0)

	// 2 requests per second for many windows
	var now time.Time
	for i := 0; i < 2000; i++ {
		now = t0.Add(time.Duration(i) * 500 * time.Millisecond)
		e.RecordCrawl("a.com", now)
	}
	assert.InDelta(t, 2.0, e.CurrentRate("a.com", now), 0.1)
}

func TestEstimator_OutOfOrderEvent(t *testing.T) {
	e := New(func(o *Options) { o.Window = 10 * time.Second })
	t0 := time.Unix(1000, 0)

	e.RecordCrawl("a.com", t0)
	e.RecordCrawl("a.com", t0.Add(-10*time.Second))

	assert.InDelta(t, (1+1/math.E)/10, e.CurrentRate("a.com", t0), 1e-12)
}

func TestEstimator_BoundedTable(t *testing.T) {
	e := New(func(o *Options) {
		o.Window = time.Second
		o.MaxDomains = 2
	})
	t0 := time.Unix(0, 0)

	e.RecordCrawl("a.com", t0)
	e.RecordCrawl("b.com", t0)
	e.RecordCrawl("b.com", t0)

	// both entries still hot: c.com is not tracked
	e.RecordCrawl("c.com", t0)
	assert.Equal(t, 2, e.Len())
	assert.Equal(t, 0.0, e.CurrentRate("c.com", t0))

	// a.com has cooled below one event and is replaced
	later := t0.Add(time.Second)
	e.RecordCrawl("c.com", later)
	assert.Equal(t, 2, e.Len())
	assert.Equal(t, 0.0, e.CurrentRate("a.com", later))
	assert.InDelta(t, 1.0, e.CurrentRate("c.com", later), 1e-12)
}

func TestEstimator_Reset(t *testing.T) {
	e := New()
	assert.Equal(t, time.Minute, e.Window())

	e.RecordCrawl("a.com", time.Unix(0, 0))
	e.Reset(5 * time.Second)
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, 5*time.Second, e.Window())
}

func TestEstimator_SetWindowKeepsHistory(t *testing.T) {
	e := New(func(o *Options) { o.Window = 10 * time.Second })
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		e.RecordCrawl("a.com", now)
	}
	assert.InDelta(t, 1.0, e.CurrentRate("a.com", now), 1e-12)

	e.SetWindow(5 * time.Second)
	assert.Equal(t, 5*time.Second, e.Window())
	assert.Equal(t, 1, e.Len())
	assert.InDelta(t, 2.0, e.CurrentRate("a.com", now), 1e-12)

	e.SetWindow(0)
	assert.Equal(t, 5*time.Second, e.Window())
}

func TestEstimator_Concurrent(t *testing.T) {
	e := New()
	now := time.Unix(0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.RecordCrawl("a.com", now)
				_ = e.CurrentRate("a.com", now)
			}
		}()
	}
	wg.Wait()

	assert.InDelta(t, 800.0/60, e.CurrentRate("a.com", now), 1e-9)
}
