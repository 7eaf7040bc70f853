// Package scorer computes page importance from link graph snapshots.
package scorer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/FranksOps/frontier/internal/arena"
	"github.com/FranksOps/frontier/internal/storage"
)

// Scorer turns a graph snapshot into one score per node.
type Scorer interface {
	Name() string
	// Score returns per-node scores for g. When the iteration cap is hit
	// before convergence it returns the best-effort result together with
	// storage.ErrPrecision.
	Score(ctx context.Context, g *Graph) (*Result, error)
}

// Checkpointer is implemented by scorers that keep warm-start state between
// runs.
type Checkpointer interface {
	SaveState(w io.Writer) error
	LoadState(r io.Reader) error
}

// Result holds the output of one scoring run.
type Result struct {
	// Scores is indexed by graph node.
	Scores *arena.Vector[float64]
	// Hub is set by HITS only.
	Hub        *arena.Vector[float64]
	Iterations int
	Delta      float64
}

// Options is shared by the iterative scorers.
type Options struct {
	// Damping is the PageRank damping factor (default 0.85).
	Damping float64
	// Epsilon stops the iteration once the largest per-node change is below it.
	Epsilon float64
	// MaxIterations caps the iteration count (default 100).
	MaxIterations int
	// UseContentScores blends stored content scores into link scores.
	UseContentScores bool
	Logger           *slog.Logger
}

func defaultOptions() Options {
	return Options{
		Damping:       0.85,
		Epsilon:       1e-4,
		MaxIterations: 100,
	}
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Damping <= 0 || opts.Damping >= 1 {
		opts.Damping = 0.85
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = 1e-4
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// maxDelta returns the L-infinity distance between a and b.
func maxDelta(a, b *arena.Vector[float64]) float64 {
	x, y := a.Slice(), b.Slice()
	d := 0.0
	for i := range x {
		d = math.Max(d, math.Abs(x[i]-y[i]))
	}
	return d
}

// warmState remembers the last vector a scorer produced, keyed by page
// identity, so the next run on a grown graph can start close to the answer.
type warmState struct {
	mu     sync.Mutex
	ids    *arena.Vector[uint64]
	values *arena.Vector[float64]
}

func (w *warmState) remember(g *Graph, v *arena.Vector[float64]) {
	ids := arena.MustNew[uint64](g.Len())
	for i, id := range g.IDs {
		ids.Set(i, uint64(id))
	}
	w.mu.Lock()
	w.ids, w.values = ids, v.Clone()
	w.mu.Unlock()
}

// seed copies remembered values into v for the longest prefix of nodes whose
// identities match, and returns the length of that prefix.
func (w *warmState) seed(g *Graph, v *arena.Vector[float64]) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ids == nil {
		return 0
	}
	n := min(w.ids.Len(), g.Len())
	i := 0
	for ; i < n; i++ {
		if w.ids.Get(i) != uint64(g.IDs[i]) {
			break
		}
		v.Set(i, w.values.Get(i))
	}
	return i
}

func (w *warmState) SaveState(out io.Writer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids, values := w.ids, w.values
	if ids == nil {
		ids, values = arena.MustNew[uint64](0), arena.MustNew[float64](0)
	}
	if _, err := ids.WriteTo(out); err != nil {
		return fmt.Errorf("save scorer ids: %w", err)
	}
	if _, err := values.WriteTo(out); err != nil {
		return fmt.Errorf("save scorer values: %w", err)
	}
	return nil
}

func (w *warmState) LoadState(in io.Reader) error {
	ids, values := arena.MustNew[uint64](0), arena.MustNew[float64](0)
	if _, err := ids.ReadFrom(in); err != nil {
		return fmt.Errorf("load scorer ids: %w", err)
	}
	if _, err := values.ReadFrom(in); err != nil {
		return fmt.Errorf("load scorer values: %w", err)
	}
	if ids.Len() != values.Len() {
		return fmt.Errorf("scorer state has %d ids and %d values: %w", ids.Len(), values.Len(), storage.ErrInternal)
	}
	w.mu.Lock()
	w.ids, w.values = ids, values
	w.mu.Unlock()
	return nil
}
