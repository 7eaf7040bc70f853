package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/FranksOps/frontier/internal/metrics"
	"github.com/FranksOps/frontier/internal/pagedb"
	"github.com/FranksOps/frontier/internal/storage"
	"github.com/FranksOps/frontier/internal/txn"
)

const freqSchema = `
CREATE TABLE IF NOT EXISTS schedule (
	id INTEGER PRIMARY KEY,
	url TEXT NOT NULL,
	due REAL NOT NULL,
	freq REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS schedule_due ON schedule (due, id);
CREATE TABLE IF NOT EXISTS state (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const upsertSchedule = `
INSERT INTO schedule (id, url, due, freq) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET url = excluded.url, due = excluded.due, freq = excluded.freq`

// FreqOptions configures a FreqScheduler.
type FreqOptions struct {
	// Persist keeps the schedule directory on Close.
	Persist bool
	// Margin, when non-negative, ends a batch at a page crawled less than
	// 1/(freq*(1+Margin)) seconds ago by the wall clock.
	Margin float64
	// MaxNCrawls retires pages crawled this many times (0 = unlimited). Once
	// every scheduled page is retired, Requests stays empty for good.
	MaxNCrawls int
	// DefaultFreq schedules pages that Add sees for the first time
	// (0 = leave them unscheduled).
	DefaultFreq float64
	Now         func() time.Time
	Logger      *slog.Logger
}

// DefaultFreqOptions returns options with the margin disabled.
func DefaultFreqOptions() FreqOptions {
	return FreqOptions{Margin: -1, Now: time.Now}
}

// PageFreq is a target crawl frequency, in crawls per second, for one page.
type PageFreq struct {
	ID   storage.PageID
	Freq float64
}

// FreqScheduler revisits pages at their target frequencies.
//
// The schedule runs on a virtual clock: the clock reads the due time of the
// earliest entry, so the head of the schedule is always due. Handing a page
// out moves its due time forward by 1/freq, which makes each page's share of
// the returned URLs proportional to its frequency.
type FreqScheduler struct {
	db        *pagedb.DB
	store     *txn.Manager
	opts      FreqOptions
	logger    *slog.Logger
	exhausted atomic.Bool
}

// NewFreq opens a frequency scheduler over db with its schedule stored in
// dir (a temporary directory when empty). The schedule starts empty; fill it
// with LoadSimple, Load or LoadRules.
func NewFreq(ctx context.Context, db *pagedb.DB, dir string, optFns ...func(o *FreqOptions)) (*FreqScheduler, error) {
	opts := DefaultFreqOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	store, err := txn.Open(ctx, dir, func(o *txn.Options) {
		o.Persist = opts.Persist
		o.Schema = freqSchema
		o.FileName = "schedule.db"
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	s := &FreqScheduler{db: db, store: store, opts: opts, logger: opts.Logger.With("scheduler", "freq")}

	var exhausted int
	err = store.View(ctx, func(t *txn.Txn) error {
		err := t.QueryRow(ctx, `SELECT value FROM state WHERE name = 'exhausted'`).Scan(&exhausted)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return storage.StorageErr("read state", err)
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s.exhausted.Store(exhausted != 0)
	return s, nil
}

// Dir returns the schedule directory.
func (s *FreqScheduler) Dir() string { return s.store.Dir() }

// Close closes the schedule store. The PageDB is left open.
func (s *FreqScheduler) Close() error { return s.store.Close() }

// Exhausted reports whether every page reached MaxNCrawls.
func (s *FreqScheduler) Exhausted() bool { return s.exhausted.Load() }

func clock(ctx context.Context, t *txn.Txn) (float64, error) {
	var now float64
	if err := t.QueryRow(ctx, `SELECT COALESCE(MIN(due), 0) FROM schedule`).Scan(&now); err != nil {
		return 0, storage.StorageErr("read clock", err)
	}
	return now, nil
}

func (s *FreqScheduler) retired(p *storage.PageInfo) bool {
	return s.opts.MaxNCrawls > 0 && p.NCrawls >= s.opts.MaxNCrawls
}

// load replaces the schedule entries produced by next inside one write
// transaction. Pages start one period after the current clock.
func (s *FreqScheduler) load(ctx context.Context, next func(yield func(p *storage.PageInfo, freq float64) bool) error) (int, error) {
	n := 0
	err := s.store.Update(ctx, func(t *txn.Txn) error {
		n = 0
		now, err := clock(ctx, t)
		if err != nil {
			return err
		}
		stmt, err := t.Prepare(ctx, upsertSchedule)
		if err != nil {
			return err
		}
		defer stmt.Close()

		var execErr error
		err = next(func(p *storage.PageInfo, freq float64) bool {
			if _, execErr = stmt.ExecContext(ctx, int64(p.ID), p.URL, now+1/freq, freq); execErr != nil {
				execErr = storage.StorageErr("schedule page", execErr)
				return false
			}
			n++
			return true
		})
		if execErr != nil {
			return execErr
		}
		return err
	})
	return n, err
}

// eachPage walks the PageDB, calling fn for every page until it returns false.
func (s *FreqScheduler) eachPage(ctx context.Context, fn func(p *storage.PageInfo) bool) error {
	it, err := s.db.Iterate(ctx)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if !fn(it.Page()) {
			break
		}
	}
	return it.Err()
}

// LoadSimple schedules every crawled page below MaxNCrawls, plus the seeds
// that were not crawled yet. A page's frequency is
// scale times its change rate when both are positive and def otherwise;
// pages that end up with a non-positive frequency are skipped. It returns the
// number of scheduled pages.
func (s *FreqScheduler) LoadSimple(ctx context.Context, def, scale float64) (int, error) {
	n, err := s.load(ctx, func(yield func(*storage.PageInfo, float64) bool) error {
		return s.eachPage(ctx, func(p *storage.PageInfo) bool {
			if (!p.Crawled() && !p.IsSeed) || s.retired(p) {
				return true
			}
			freq := def
			if scale > 0 {
				if rate := p.Rate(); rate > 0 {
					freq = scale * rate
				}
			}
			if freq <= 0 {
				return true
			}
			return yield(p, freq)
		})
	})
	if err == nil {
		s.logger.Info("schedule loaded", "pages", n, "default", def, "scale", scale)
	}
	return n, err
}

// LoadRules schedules every page matched by a rule, first match wins. A
// scaling rule is skipped for pages without a known change rate.
func (s *FreqScheduler) LoadRules(ctx context.Context, rules []FreqRule) (int, error) {
	n, err := s.load(ctx, func(yield func(*storage.PageInfo, float64) bool) error {
		return s.eachPage(ctx, func(p *storage.PageInfo) bool {
			if s.retired(p) {
				return true
			}
			freq, ok := matchFreq(rules, p)
			if !ok {
				return true
			}
			return yield(p, freq)
		})
	})
	if err == nil {
		s.logger.Info("schedule loaded from rules", "pages", n, "rules", len(rules))
	}
	return n, err
}

// Load schedules explicit page frequencies atomically: either every entry is
// stored or none is. Entries with a non-positive frequency are ignored; an
// unknown page fails the whole load with storage.ErrNotFound.
func (s *FreqScheduler) Load(ctx context.Context, freqs iter.Seq[PageFreq]) (int, error) {
	return s.load(ctx, func(yield func(*storage.PageInfo, float64) bool) error {
		for pf := range freqs {
			if pf.Freq <= 0 {
				continue
			}
			p, err := s.db.GetInfo(ctx, pf.ID)
			if err != nil {
				return fmt.Errorf("load frequency of %s: %w", pf.ID, err)
			}
			if !yield(p, pf.Freq) {
				return nil
			}
		}
		return nil
	})
}

// Requests returns up to n URLs, most overdue first, and moves each one's due
// time forward by one period. Pages that reached MaxNCrawls or disappeared
// from the PageDB leave the schedule.
func (s *FreqScheduler) Requests(ctx context.Context, n int) ([]string, error) {
	if n <= 0 || s.exhausted.Load() {
		return nil, nil
	}
	now := s.opts.Now()

	var out []string
	exhausted := false
	err := s.store.Update(ctx, func(t *txn.Txn) error {
		out = out[:0]
		removed := false
	pop:
		for len(out) < n {
			var (
				k         int64
				url       string
				due, freq float64
			)
			err := t.QueryRow(ctx, `SELECT id, url, due, freq FROM schedule ORDER BY due, id LIMIT 1`).
				Scan(&k, &url, &due, &freq)
			if errors.Is(err, sql.ErrNoRows) {
				break pop
			}
			if err != nil {
				return storage.StorageErr("read schedule head", err)
			}
			id := storage.PageID(k)

			keep := false
			p, err := s.db.GetInfo(ctx, id)
			switch {
			case err == nil:
				if s.opts.Margin >= 0 && p.Crawled() {
					if now.Sub(p.LastCrawl).Seconds() < 1/(freq*(1+s.opts.Margin)) {
						break pop
					}
				}
				keep = !s.retired(p)
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}

			if !keep {
				if _, err := t.Exec(ctx, `DELETE FROM schedule WHERE id = ?`, k); err != nil {
					return storage.StorageErr("retire page", err)
				}
				removed = true
				continue
			}
			if _, err := t.Exec(ctx, `UPDATE schedule SET due = ? WHERE id = ?`, due+1/freq, k); err != nil {
				return storage.StorageErr("reschedule page", err)
			}
			out = append(out, url)
		}

		if removed && s.opts.MaxNCrawls > 0 {
			var left int
			if err := t.QueryRow(ctx, `SELECT count(*) FROM schedule`).Scan(&left); err != nil {
				return storage.StorageErr("count schedule", err)
			}
			if left == 0 {
				if _, err := t.Exec(ctx, `INSERT OR REPLACE INTO state (name, value) VALUES ('exhausted', 1)`); err != nil {
					return storage.StorageErr("mark exhausted", err)
				}
				exhausted = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		s.exhausted.Store(true)
		s.logger.Info("every page reached the crawl limit", "max_n_crawls", s.opts.MaxNCrawls)
	}
	metrics.RecordRequests("freq", len(out))
	return out, nil
}

// Add records a crawl in the PageDB. Pages already on the schedule keep
// their due time, Requests has advanced it. Unscheduled pages are scheduled
// one DefaultFreq period after the clock when DefaultFreq is positive.
func (s *FreqScheduler) Add(ctx context.Context, page *storage.CrawledPage) (*pagedb.AddResult, error) {
	res, err := s.db.Add(ctx, page)
	if err != nil {
		return nil, err
	}

	err = s.store.Update(ctx, func(t *txn.Txn) error {
		now, err := clock(ctx, t)
		if err != nil {
			return err
		}
		k := int64(res.Page.ID)

		var freq float64
		err = t.QueryRow(ctx, `SELECT freq FROM schedule WHERE id = ?`, k).Scan(&freq)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		if s.opts.DefaultFreq <= 0 || s.retired(&res.Page) {
			return nil
		}
		_, err = t.Exec(ctx, upsertSchedule, k, res.Page.URL, now+1/s.opts.DefaultFreq, s.opts.DefaultFreq)
		return storage.StorageErr("schedule page", err)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Len returns the number of scheduled pages.
func (s *FreqScheduler) Len(ctx context.Context) (int, error) {
	var n int
	err := s.store.View(ctx, func(t *txn.Txn) error {
		return storage.StorageErr("count schedule", t.QueryRow(ctx, `SELECT count(*) FROM schedule`).Scan(&n))
	})
	return n, err
}

// Dump writes the schedule in due order, one "due id freq url" line per page.
func (s *FreqScheduler) Dump(ctx context.Context, w io.Writer) error {
	return s.store.View(ctx, func(t *txn.Txn) error {
		rows, err := t.Query(ctx, `SELECT id, url, due, freq FROM schedule ORDER BY due, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				k         int64
				url       string
				due, freq float64
			)
			if err := rows.Scan(&k, &url, &due, &freq); err != nil {
				return storage.StorageErr("scan schedule", err)
			}
			if _, err := fmt.Fprintf(w, "%.6f %s %g %s\n", due, storage.PageID(k), freq, url); err != nil {
				return err
			}
		}
		return storage.StorageErr("iterate schedule", rows.Err())
	})
}
