// Package frontier is the ingest/retrieve surface of a crawl frontier. It
// wires a PageDB, a scheduler and the optional metrics server together and
// validates what crawlers hand in.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/frontier/internal/config"
	"github.com/FranksOps/frontier/internal/hashing"
	"github.com/FranksOps/frontier/internal/metrics"
	"github.com/FranksOps/frontier/internal/pagedb"
	"github.com/FranksOps/frontier/internal/report"
	"github.com/FranksOps/frontier/internal/scheduler"
	"github.com/FranksOps/frontier/internal/scorer"
	"github.com/FranksOps/frontier/internal/storage"
)

// Scheduler decides which URLs to crawl next.
type Scheduler interface {
	Add(ctx context.Context, page *storage.CrawledPage) (*pagedb.AddResult, error)
	Requests(ctx context.Context, n int) ([]string, error)
	Close() error
}

// Seeder is implemented by schedulers that accept seed URLs directly.
type Seeder interface {
	AddSeeds(ctx context.Context, urls []string) error
}

var (
	_ Scheduler = (*scheduler.BFScheduler)(nil)
	_ Scheduler = (*scheduler.FreqScheduler)(nil)
	_ Seeder    = (*scheduler.BFScheduler)(nil)
)

// Options configures a Frontier.
type Options struct {
	// Now stamps ingested pages (default time.Now).
	Now    func() time.Time
	Logger *slog.Logger
}

// Frontier accepts crawl results and hands out the next URLs to fetch.
type Frontier struct {
	sched  Scheduler
	db     *pagedb.DB // owned when set by Open
	server *metrics.Server
	now    func() time.Time
	logger *slog.Logger
}

// New returns a frontier over sched. Closing the frontier closes sched.
func New(sched Scheduler, optFns ...func(o *Options)) (*Frontier, error) {
	if sched == nil {
		return nil, fmt.Errorf("nil scheduler: %w", storage.ErrInvalidArgument)
	}
	opts := Options{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Frontier{sched: sched, now: opts.Now, logger: opts.Logger}, nil
}

// Open builds a frontier from settings: a PageDB under Dir/pages, the
// configured scheduler under Dir/schedule and, when MetricsPort is set, the
// metrics server.
func Open(ctx context.Context, s config.Settings, logger *slog.Logger) (*Frontier, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	sub := func(name string) string {
		if s.Dir == "" {
			return ""
		}
		return filepath.Join(s.Dir, name)
	}

	db, err := pagedb.Open(ctx, sub("pages"), func(o *pagedb.Options) {
		o.Persist = s.Persist
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	sched, err := openScheduler(ctx, s, db, sub("schedule"), logger)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	f, err := New(sched, func(o *Options) { o.Logger = logger })
	if err != nil {
		return nil, errors.Join(err, sched.Close(), db.Close())
	}
	f.db = db
	if s.MetricsPort > 0 {
		f.server = metrics.Start(s.MetricsPort, logger)
	}
	logger.Info("frontier opened",
		"dir", db.Dir(),
		"scheduler", s.Scheduler,
		"persist", s.Persist)
	return f, nil
}

func openScheduler(ctx context.Context, s config.Settings, db *pagedb.DB, dir string, logger *slog.Logger) (Scheduler, error) {
	if s.Scheduler == config.SchedulerFreq {
		return openFreq(ctx, s, db, dir, logger)
	}

	scoreOpts := func(o *scorer.Options) {
		o.Damping = s.Damping
		o.UseContentScores = s.UseContentScores
		o.Logger = logger
	}
	var sc scorer.Scorer = scorer.NewPageRank(scoreOpts)
	if s.Scorer == config.ScorerHITS {
		sc = scorer.NewHITS(scoreOpts)
	}

	bf, err := scheduler.NewBF(ctx, db, dir, func(o *scheduler.BFOptions) {
		o.Scorer = sc
		o.Persist = s.Persist
		o.SoftRate = s.SoftRate
		o.HardRate = s.HardRate
		o.MaxCrawlDepth = s.MaxCrawlDepth
		o.UpdateInterval = s.UpdateInterval
		o.MinNewPages = s.MinNewPages
		if s.GroupSites {
			o.Domain = hashing.RegistrableDomain
		}
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}
	if s.UpdateInterval > 0 {
		if err := bf.UpdateStart(); err != nil {
			return nil, errors.Join(err, bf.Close())
		}
	}
	return bf, nil
}

func openFreq(ctx context.Context, s config.Settings, db *pagedb.DB, dir string, logger *slog.Logger) (Scheduler, error) {
	var rules []scheduler.FreqRule
	if s.FreqRules != "" {
		f, err := os.Open(s.FreqRules)
		if err != nil {
			return nil, fmt.Errorf("open rules: %v: %w", err, storage.ErrInvalidPath)
		}
		rules, err = scheduler.ParseFreqRules(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.FreqRules, err)
		}
	}

	fs, err := scheduler.NewFreq(ctx, db, dir, func(o *scheduler.FreqOptions) {
		o.Persist = s.Persist
		o.Margin = s.FreqMargin
		o.MaxNCrawls = s.MaxNCrawls
		o.DefaultFreq = s.FreqDefault
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	var n int
	if rules != nil {
		n, err = fs.LoadRules(ctx, rules)
	} else {
		n, err = fs.LoadSimple(ctx, s.FreqDefault, s.FreqScale)
	}
	if err != nil {
		return nil, errors.Join(err, fs.Close())
	}
	logger.Info("frequency schedule loaded", "pages", n, "rules", len(rules))
	return fs, nil
}

// Scheduler returns the underlying scheduler.
func (f *Frontier) Scheduler() Scheduler { return f.sched }

// DB returns the PageDB opened by Open, or nil for frontiers built with New.
func (f *Frontier) DB() *pagedb.DB { return f.db }

func checkURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty URL: %w", storage.ErrInvalidArgument)
	}
	if _, err := url.Parse(raw); err != nil {
		return fmt.Errorf("%v: %w", err, storage.ErrInvalidArgument)
	}
	return nil
}

func checkScore(what string, s float64) error {
	if math.IsNaN(s) || s < 0 || s > 1 {
		return fmt.Errorf("%s score %v outside [0,1]: %w", what, s, storage.ErrInvalidArgument)
	}
	return nil
}

// Ingest records one crawl result: the page's content score, its outlinks
// and an optional content hash. The page is stamped with the current time.
func (f *Frontier) Ingest(ctx context.Context, rawURL string, score float64, links []storage.LinkInfo, contentHash []byte) (*pagedb.AddResult, error) {
	if err := checkURL(rawURL); err != nil {
		return nil, err
	}
	if err := checkScore("page", score); err != nil {
		return nil, err
	}
	for i, l := range links {
		if err := checkURL(l.URL); err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		if err := checkScore("link", l.Score); err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
	}

	res, err := f.sched.Add(ctx, &storage.CrawledPage{
		URL:         rawURL,
		Time:        f.now(),
		Score:       score,
		ContentHash: contentHash,
		Links:       links,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", rawURL, err)
	}
	metrics.RecordIngest(hashing.Domain(rawURL), len(res.NewLinks))
	return res, nil
}

// Retrieve returns up to n URLs to crawl next.
func (f *Frontier) Retrieve(ctx context.Context, n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("retrieve %d URLs: %w", n, storage.ErrInvalidArgument)
	}
	return f.sched.Requests(ctx, n)
}

// Seed registers urls as uncrawled depth-0 pages. Schedulers that do not
// take seeds directly get them through the PageDB opened by Open.
func (f *Frontier) Seed(ctx context.Context, urls []string) error {
	for _, u := range urls {
		if err := checkURL(u); err != nil {
			return err
		}
	}
	if s, ok := f.sched.(Seeder); ok {
		return s.AddSeeds(ctx, urls)
	}
	if f.db == nil {
		return fmt.Errorf("scheduler takes no seeds: %w", storage.ErrInvalidArgument)
	}
	_, err := f.db.AddSeeds(ctx, urls)
	return err
}

// Summary aggregates the pages of the PageDB opened by Open.
func (f *Frontier) Summary(ctx context.Context) (report.Summary, error) {
	if f.db == nil {
		return report.Summary{}, fmt.Errorf("frontier has no page db: %w", storage.ErrInvalidArgument)
	}
	return report.FromPageDB(ctx, f.db)
}

// Export copies every page of db to each backend concurrently.
func Export(ctx context.Context, db *pagedb.DB, backends ...storage.Backend) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		g.Go(func() error {
			_, err := db.Export(ctx, b)
			return err
		})
	}
	return g.Wait()
}

// Close shuts down the metrics server, the scheduler and the PageDB opened
// by Open.
func (f *Frontier) Close() error {
	var err error
	if f.server != nil {
		err = f.server.Stop(context.Background())
	}
	err = errors.Join(err, f.sched.Close())
	if f.db != nil {
		err = errors.Join(err, f.db.Close())
	}
	return err
}
