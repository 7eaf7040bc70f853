// Package domaintemp estimates recent per-domain crawl rates.
//
// Each domain carries a temperature n that decays as dn/dt = -n/T between
// crawl events and rises by one on every event. The rate estimate is n/T
// requests per second, evaluated lazily from the time of the last update.
package domaintemp

import (
	"math"
	"sync"
	"time"
)

// Options configures an Estimator.
type Options struct {
	// Window is the smoothing window T (default 60s).
	Window time.Duration
	// MaxDomains bounds the table (0 = unbounded). A full table replaces its
	// coldest entry if that entry has cooled below one event; otherwise the
	// new domain is not tracked.
	MaxDomains int
}

type entry struct {
	n    float64
	last time.Time
}

// Estimator tracks domain temperatures. It is safe for concurrent use.
type Estimator struct {
	mu      sync.Mutex
	window  float64 // seconds
	max     int
	domains map[string]*entry
}

// New returns an empty estimator.
func New(optFns ...func(o *Options)) *Estimator {
	opts := Options{Window: time.Minute}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	return &Estimator{
		window:  opts.Window.Seconds(),
		max:     opts.MaxDomains,
		domains: make(map[string]*entry),
	}
}

// Window returns the smoothing window.
func (e *Estimator) Window() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.window * float64(time.Second))
}

func (e *Estimator) decayed(en *entry, t time.Time) float64 {
	dt := t.Sub(en.last).Seconds()
	if dt <= 0 {
		return en.n
	}
	return en.n * math.Exp(-dt/e.window)
}

// RecordCrawl registers one crawl of domain at time t. Events older than the
// domain's last update contribute their already-decayed weight.
func (e *Estimator) RecordCrawl(domain string, t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.domains[domain]
	if !ok {
		if e.max > 0 && len(e.domains) >= e.max && !e.evictColdest(t) {
			return
		}
		e.domains[domain] = &entry{n: 1, last: t}
		return
	}

	if t.Before(en.last) {
		en.n += math.Exp(-en.last.Sub(t).Seconds() / e.window)
		return
	}
	en.n = e.decayed(en, t) + 1
	en.last = t
}

func (e *Estimator) evictColdest(t time.Time) bool {
	coldest := ""
	temp := math.Inf(1)
	for d, en := range e.domains {
		if n := e.decayed(en, t); n < temp {
			coldest, temp = d, n
		}
	}
	if temp >= 1 {
		return false
	}
	delete(e.domains, coldest)
	return true
}

// CurrentRate returns the estimated crawl rate of domain at time t in
// requests per second. It does not modify the estimator.
func (e *Estimator) CurrentRate(domain string, t time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.domains[domain]
	if !ok {
		return 0
	}
	return e.decayed(en, t) / e.window
}

// Len returns the number of tracked domains.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.domains)
}

// SetWindow changes T and keeps every domain's decayed event count, so a
// domain's rate reads n/T under the new window. Non-positive windows are
// ignored.
func (e *Estimator) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = window.Seconds()
}

// Reset forgets every domain and, when window is positive, changes T.
func (e *Estimator) Reset(window time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if window > 0 {
		e.window = window.Seconds()
	}
	e.domains = make(map[string]*entry)
}
