// Package scheduler decides which URLs to fetch next.
//
// BFScheduler hands out the best-scored uncrawled pages, subject to per-domain
// crawl rate limits and a maximum crawl depth, and keeps its scores fresh by
// re-running a link-analysis scorer in the background. FreqScheduler revisits
// crawled pages at per-page target frequencies.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FranksOps/frontier/internal/domaintemp"
	"github.com/FranksOps/frontier/internal/hashing"
	"github.com/FranksOps/frontier/internal/metrics"
	"github.com/FranksOps/frontier/internal/pagedb"
	"github.com/FranksOps/frontier/internal/scorer"
	"github.com/FranksOps/frontier/internal/storage"
	"github.com/FranksOps/frontier/internal/txn"
	"github.com/FranksOps/frontier/pkg/ratelimit"
	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
)

const bfSchema = `
CREATE TABLE IF NOT EXISTS scores (
	id INTEGER PRIMARY KEY,
	score REAL NOT NULL
);
`

const (
	scoreBatchSize   = 100
	admissionSteps   = 5
	scorerStateFile  = "scorer.state"
	seedScore        = 1.0
	defaultBFTimeout = 5 * time.Second
)

// BFOptions configures a BFScheduler.
type BFOptions struct {
	// Scorer re-scores the link graph in update passes (default PageRank).
	Scorer scorer.Scorer
	// Persist keeps the score store directory on Close.
	Persist bool
	// SoftRate is the preferred per-domain crawl rate in requests per second
	// and HardRate the rate admitted requests never exceed. Zero disables a
	// limit.
	SoftRate float64
	HardRate float64
	// MaxCrawlDepth excludes deeper pages; negative means unlimited.
	MaxCrawlDepth int
	// UpdateInterval paces background update passes (default 1m).
	UpdateInterval time.Duration
	// MinNewPages skips a background pass until this many pages appeared
	// since the previous one (at least 1).
	MinNewPages int
	// Window is the domain temperature smoothing window. It defaults to
	// 10/HardRate seconds, or one minute without a hard limit.
	Window time.Duration
	// MaxDomains bounds the domain temperature table.
	MaxDomains int
	// Domain groups URLs for rate limiting (default hashing.Domain).
	Domain hashing.DomainFunc
	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultBFOptions returns options with no rate limits and no depth limit.
func DefaultBFOptions() BFOptions {
	return BFOptions{
		MaxCrawlDepth:  -1,
		UpdateInterval: time.Minute,
		MinNewPages:    1,
		Domain:         hashing.Domain,
		Now:            time.Now,
	}
}

type journalKind int

const (
	journalUpsert journalKind = iota
	journalRemove
	journalDepth
)

// journalOp is a foreground change made while an update pass rebuilds the
// index; the pass replays it onto the rebuilt index before publishing.
type journalOp struct {
	kind journalKind
	c    candidate
}

// BFScheduler is a best-first scheduler over the uncrawled pages of a PageDB.
// Add and Requests are meant for one foreground caller; the background
// worker started by UpdateStart runs concurrently with them.
type BFScheduler struct {
	db     *pagedb.DB
	store  *txn.Manager
	scorer scorer.Scorer
	temp   *domaintemp.Estimator
	opts   BFOptions
	logger *slog.Logger

	mu       sync.Mutex // guards the fields below
	index    *readiness
	journal  []journalOp // non-nil while an update pass runs
	inflight *roaring64.Bitmap
	soft     float64
	hard     float64
	maxDepth int
	interval time.Duration
	autoWin  bool

	updateMu  sync.Mutex // one update pass or reload at a time
	newPages  atomic.Int64
	lastErr   atomic.Pointer[error]
	workerMu  sync.Mutex
	worker    *bfWorker
	closeOnce sync.Once
}

type bfWorker struct {
	cancel context.CancelFunc
	pacer  *ratelimit.Limiter
	done   chan struct{}
}

// NewBF opens a best-first scheduler over db. Its score store lives in dir
// (a temporary directory when empty). Uncrawled pages already in db are loaded
// into the index.
func NewBF(ctx context.Context, db *pagedb.DB, dir string, optFns ...func(o *BFOptions)) (*BFScheduler, error) {
	opts := DefaultBFOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Scorer == nil {
		opts.Scorer = scorer.NewPageRank(func(o *scorer.Options) { o.Logger = opts.Logger })
	}
	if opts.Domain == nil {
		opts.Domain = hashing.Domain
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = time.Minute
	}
	if opts.MinNewPages < 1 {
		opts.MinNewPages = 1
	}
	autoWindow := opts.Window <= 0
	if autoWindow {
		opts.Window = windowFor(opts.HardRate)
	}

	store, err := txn.Open(ctx, dir, func(o *txn.Options) {
		o.Persist = opts.Persist
		o.Schema = bfSchema
		o.FileName = "scores.db"
		o.BusyTimeout = defaultBFTimeout
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	s := &BFScheduler{
		db:     db,
		store:  store,
		scorer: opts.Scorer,
		temp: domaintemp.New(func(o *domaintemp.Options) {
			o.Window = opts.Window
			o.MaxDomains = opts.MaxDomains
		}),
		opts:     opts,
		logger:   opts.Logger.With("scheduler", "bf"),
		index:    newReadiness(),
		inflight: roaring64.New(),
		soft:     opts.SoftRate,
		hard:     opts.HardRate,
		maxDepth: opts.MaxCrawlDepth,
		interval: opts.UpdateInterval,
		autoWin:  autoWindow,
	}

	if err := s.loadScorerState(); err != nil {
		s.logger.Warn("ignoring scorer state", "err", err)
	}
	if err := s.Reload(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func windowFor(hard float64) time.Duration {
	if hard <= 0 {
		return time.Minute
	}
	return time.Duration(10 / hard * float64(time.Second))
}

// Dir returns the score store directory.
func (s *BFScheduler) Dir() string { return s.store.Dir() }

// Reload rebuilds the index from the uncrawled pages in the PageDB, using the
// last stored scores where available. It waits for a running update pass.
func (s *BFScheduler) Reload(ctx context.Context) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	scores := make(map[storage.PageID]float64)
	err := s.store.View(ctx, func(t *txn.Txn) error {
		rows, err := t.Query(ctx, `SELECT id, score FROM scores`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var score float64
			if err := rows.Scan(&id, &score); err != nil {
				return storage.StorageErr("scan score", err)
			}
			scores[storage.PageID(id)] = score
		}
		return storage.StorageErr("iterate scores", rows.Err())
	})
	if err != nil {
		return err
	}

	snap, err := s.db.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer snap.Close()
	pages, err := snap.PagesByIndex(ctx)
	if err != nil {
		return err
	}
	defer pages.Close()

	index := newReadiness()
	for pages.Next() {
		p := pages.Page()
		if p.Crawled() {
			continue
		}
		score := p.Score
		if p.IsSeed {
			score = seedScore
		}
		if v, ok := scores[p.ID]; ok {
			score = v
		}
		index.upsert(p.ID, p.URL, p.Depth, score)
	}
	if err := pages.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	s.newPages.Store(int64(index.Len()))
	return nil
}

// SetCrawlRate sets the soft and hard per-domain rate limits in requests per
// second. Zero disables a limit. Unless a window was configured, a new hard
// limit moves domain temperatures to a window matched to it; their history
// is kept.
func (s *BFScheduler) SetCrawlRate(soft, hard float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soft, s.hard = soft, hard
	if !s.autoWin {
		return
	}
	if w := windowFor(hard); w != s.temp.Window() {
		s.temp.SetWindow(w)
	}
}

// SetMaxCrawlDepth excludes pages deeper than d; negative means unlimited.
func (s *BFScheduler) SetMaxCrawlDepth(d int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxDepth = d
	s.index.unpark(func(c *candidate) bool { return s.depthAllowed(c.depth) })
}

// SetUpdateInterval changes the pace of background update passes.
func (s *BFScheduler) SetUpdateInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	s.workerMu.Lock()
	if s.worker != nil {
		s.worker.pacer.SetRate(1 / d.Seconds())
	}
	s.workerMu.Unlock()
}

func (s *BFScheduler) depthAllowed(depth int) bool {
	return s.maxDepth < 0 || depth <= s.maxDepth
}

// Len returns the number of candidates, including those excluded by depth.
func (s *BFScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// LastError returns the last failure of the background worker.
func (s *BFScheduler) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *BFScheduler) setErr(err error) {
	s.lastErr.Store(&err)
}

func (s *BFScheduler) record(op journalOp) {
	if s.journal != nil {
		s.journal = append(s.journal, op)
	}
}

// Add records a crawled page in the PageDB and updates the index: the page
// leaves it, newly discovered links enter it and relaxed depths are applied.
func (s *BFScheduler) Add(ctx context.Context, page *storage.CrawledPage) (*pagedb.AddResult, error) {
	res, err := s.db.Add(ctx, page)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := res.Page.ID
	if s.inflight.Contains(uint64(id)) {
		// already counted when it was handed out
		s.inflight.Remove(uint64(id))
	} else {
		s.temp.RecordCrawl(s.opts.Domain(page.URL), now)
	}

	if s.index.remove(id) {
		s.record(journalOp{kind: journalRemove, c: candidate{id: id}})
	}
	for _, p := range res.NewLinks {
		c := s.index.upsert(p.ID, p.URL, p.Depth, p.Score)
		s.record(journalOp{kind: journalUpsert, c: *c})
	}
	for _, p := range res.Relaxed {
		c, ok := s.index.setDepth(p.ID, p.Depth)
		if !ok {
			continue
		}
		if s.depthAllowed(c.depth) {
			s.index.wake(c)
		}
		s.record(journalOp{kind: journalDepth, c: *c})
	}

	n := len(res.NewLinks)
	if res.Created {
		n++
	}
	s.newPages.Add(int64(n))
	return res, nil
}

// AddSeeds registers uncrawled seed pages and makes them candidates.
func (s *BFScheduler) AddSeeds(ctx context.Context, urls []string) error {
	created, err := s.db.AddSeeds(ctx, urls)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range created {
		c := s.index.upsert(p.ID, p.URL, p.Depth, seedScore)
		s.record(journalOp{kind: journalUpsert, c: *c})
	}
	s.newPages.Add(int64(len(created)))
	return nil
}

// limits returns the successive admission ceilings of one Requests call,
// from the soft limit up to the hard limit in geometric steps. +Inf means no
// ceiling.
func limits(soft, hard float64) []float64 {
	inf := math.Inf(1)
	switch {
	case soft <= 0 && hard <= 0:
		return []float64{inf}
	case hard <= 0:
		return []float64{soft, inf}
	case soft <= 0 || hard <= soft:
		return []float64{hard}
	}
	out := make([]float64, admissionSteps)
	step := math.Log(hard/soft) / (admissionSteps - 1)
	for k := range out {
		out[k] = soft * math.Exp(float64(k)*step)
	}
	out[admissionSteps-1] = hard
	return out
}

// Requests returns up to n URLs, best score first. A candidate is admitted
// only while its domain's current rate is below the active ceiling, which
// starts at the soft limit and rises toward the hard limit only when the
// lower ceilings cannot fill the batch. Candidates over every ceiling stay
// queued. Each admitted URL counts as a crawl of its domain right away.
func (s *BFScheduler) Requests(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, limit := range limits(s.soft, s.hard) {
		var skipped []*candidate
		for len(out) < n {
			c := s.index.pop()
			if c == nil {
				break
			}
			if !s.depthAllowed(c.depth) {
				s.index.park(c)
				continue
			}
			domain := s.opts.Domain(c.url)
			if s.temp.CurrentRate(domain, now) >= limit {
				skipped = append(skipped, c)
				continue
			}
			s.temp.RecordCrawl(domain, now)
			s.inflight.Add(uint64(c.id))
			s.record(journalOp{kind: journalRemove, c: candidate{id: c.id}})
			out = append(out, c.url)
		}
		for _, c := range skipped {
			s.index.requeue(c)
		}
		if len(skipped) > 0 {
			metrics.AdmissionSkippedTotal.WithLabelValues(limitLabel(limit, s.hard)).Add(float64(len(skipped)))
		}
		if len(out) >= n {
			break
		}
	}

	metrics.RecordRequests("bf", len(out))
	return out, nil
}

func limitLabel(limit, hard float64) string {
	switch {
	case math.IsInf(limit, 1):
		return "none"
	case limit == hard:
		return "hard"
	default:
		return "soft"
	}
}

// Update runs one re-scoring pass: it scores a snapshot of the PageDB,
// stores the scores, and publishes a rebuilt index. Foreground changes made
// during the pass are carried over.
func (s *BFScheduler) Update(ctx context.Context) (err error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	logger := s.logger.With("run_id", uuid.NewString())
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.UpdateDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	s.newPages.Store(0)
	entries := s.beginPass()
	published := false
	defer func() {
		if !published {
			s.abortPass()
		}
	}()

	scores, err := s.score(ctx, logger)
	if err != nil {
		return err
	}
	if err := s.storeScores(ctx, scores); err != nil {
		return err
	}
	n := s.publish(entries, scores)
	published = true

	if err := s.saveScorerState(); err != nil {
		logger.Warn("saving scorer state", "err", err)
	}
	logger.Info("index updated", "candidates", n, "scored", len(scores), "elapsed", time.Since(start))
	return nil
}

// beginPass copies the index and starts journaling foreground changes.
func (s *BFScheduler) beginPass() []candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = make([]journalOp, 0)
	return s.index.snapshot()
}

func (s *BFScheduler) abortPass() {
	s.mu.Lock()
	s.journal = nil
	s.mu.Unlock()
}

// publish builds an index from entries with fresh scores, replays the
// journal onto it and swaps it in. It returns the new candidate count.
func (s *BFScheduler) publish(entries []candidate, scores map[storage.PageID]float64) int {
	index := newReadiness()
	for _, c := range entries {
		if v, ok := scores[c.id]; ok {
			c.score = v
		}
		index.restore(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.journal {
		switch op.kind {
		case journalUpsert:
			c := op.c
			if v, ok := scores[c.id]; ok {
				c.score = v
			}
			index.restore(c)
		case journalRemove:
			index.remove(op.c.id)
		case journalDepth:
			if c, ok := index.setDepth(op.c.id, op.c.depth); ok && s.depthAllowed(c.depth) {
				index.wake(c)
			}
		}
	}
	s.index = index
	s.journal = nil
	return index.Len()
}

// score runs the scorer on a PageDB snapshot and returns scores scaled so
// the best page has score 1, comparable with link scores.
func (s *BFScheduler) score(ctx context.Context, logger *slog.Logger) (map[storage.PageID]float64, error) {
	snap, err := s.db.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	g, err := scorer.BuildGraph(ctx, snap)
	snap.Close()
	if err != nil {
		return nil, err
	}

	res, err := s.scorer.Score(ctx, g)
	switch {
	case errors.Is(err, storage.ErrPrecision):
		logger.Warn("using unconverged scores", "scorer", s.scorer.Name(), "err", err)
	case err != nil:
		return nil, err
	}

	top := 0.0
	for _, v := range res.Scores.Slice() {
		top = math.Max(top, v)
	}
	scores := make(map[storage.PageID]float64, g.Len())
	for i, id := range g.IDs {
		v := res.Scores.Get(i)
		if top > 0 {
			v /= top
		}
		scores[id] = v
	}
	return scores, nil
}

func (s *BFScheduler) storeScores(ctx context.Context, scores map[storage.PageID]float64) error {
	ids := make([]storage.PageID, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	for start := 0; start < len(ids); start += scoreBatchSize {
		batch := ids[start:min(start+scoreBatchSize, len(ids))]
		err := s.store.Update(ctx, func(t *txn.Txn) error {
			stmt, err := t.Prepare(ctx, `
			INSERT INTO scores (id, score) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET score = excluded.score`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, id := range batch {
				if _, err := stmt.ExecContext(ctx, int64(id), scores[id]); err != nil {
					return storage.StorageErr("store score", err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *BFScheduler) statePath() (string, bool) {
	if _, ok := s.scorer.(scorer.Checkpointer); !ok || !s.store.Persistent() {
		return "", false
	}
	return filepath.Join(s.store.Dir(), scorerStateFile), true
}

func (s *BFScheduler) saveScorerState() error {
	path, ok := s.statePath()
	if !ok {
		return nil
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := s.scorer.(scorer.Checkpointer).SaveState(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *BFScheduler) loadScorerState() error {
	path, ok := s.statePath()
	if !ok {
		return nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return s.scorer.(scorer.Checkpointer).LoadState(f)
}

// UpdateStart launches the background worker. It returns storage.ErrThread
// when the worker is already running.
func (s *BFScheduler) UpdateStart() error {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if s.worker != nil {
		return fmt.Errorf("update worker already running: %w", storage.ErrThread)
	}

	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	w := &bfWorker{
		cancel: cancel,
		pacer:  ratelimit.NewLimiter(1/interval.Seconds(), 0),
		done:   make(chan struct{}),
	}
	s.worker = w
	go s.run(ctx, w)
	s.logger.Info("update worker started", "interval", interval)
	return nil
}

func (s *BFScheduler) run(ctx context.Context, w *bfWorker) {
	defer close(w.done)
	for {
		if err := w.pacer.Wait(ctx); err != nil {
			return
		}
		if s.newPages.Load() < int64(s.opts.MinNewPages) {
			continue
		}
		if err := s.Update(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.logger.Error("update pass failed", "err", err)
		}
	}
}

// UpdateStop stops the background worker and waits for it to exit. It
// returns storage.ErrThread when no worker is running.
func (s *BFScheduler) UpdateStop() error {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if s.worker == nil {
		return fmt.Errorf("update worker not running: %w", storage.ErrThread)
	}
	w := s.worker
	s.worker = nil
	w.cancel()
	w.pacer.Stop()
	<-w.done
	s.logger.Info("update worker stopped")
	return nil
}

// Close stops the worker if running and closes the score store. The PageDB
// is left open.
func (s *BFScheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if stopErr := s.UpdateStop(); stopErr != nil && !errors.Is(stopErr, storage.ErrThread) {
			err = stopErr
		}
		err = errors.Join(err, s.store.Close())
	})
	return err
}
