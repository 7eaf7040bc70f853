package scorer

import (
	"context"
	"fmt"
	"math"

	"github.com/FranksOps/frontier/internal/arena"
	"github.com/FranksOps/frontier/internal/metrics"
	"github.com/FranksOps/frontier/internal/storage"
	"golang.org/x/sync/errgroup"
)

var (
	_ Scorer       = (*HITS)(nil)
	_ Checkpointer = (*HITS)(nil)
)

// HITS computes hub and authority scores:
//
//	auth[i] = sum over j->i of hub[j]
//	hub[i]  = sum over i->j of w[j] * auth[j]
//
// both from the previous round and L2-normalized. w is 1, or the content
// score of j with UseContentScores, so hubs pointing at valuable content rank
// higher. Authority is the page score.
type HITS struct {
	opts Options
	warmState
}

// NewHITS returns a HITS scorer.
func NewHITS(optFns ...func(o *Options)) *HITS {
	return &HITS{opts: applyOptions(optFns)}
}

func (h *HITS) Name() string { return "hits" }

func normalize(v *arena.Vector[float64]) {
	s := v.Slice()
	norm := 0.0
	for _, x := range s {
		norm += x * x
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range s {
		s[i] /= norm
	}
}

// Score runs HITS on g. The hub vector is remembered for warm starts.
func (h *HITS) Score(ctx context.Context, g *Graph) (*Result, error) {
	n := g.Len()
	if n == 0 {
		return &Result{Scores: arena.MustNew[float64](0), Hub: arena.MustNew[float64](0)}, nil
	}

	hub := arena.MustNew[float64](n)
	hub.Fill(1)
	h.seed(g, hub)
	normalize(hub)
	auth := arena.MustNew[float64](n)
	auth.Fill(1 / math.Sqrt(float64(n)))

	nextHub := arena.MustNew[float64](n)
	nextAuth := arena.MustNew[float64](n)

	res := &Result{}
	converged := false
	for res.Iterations < h.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations++

		var eg errgroup.Group
		eg.Go(func() error {
			nextAuth.Fill(0)
			for u := 0; u < n; u++ {
				hu := hub.Get(u)
				for _, v := range g.Out(u) {
					nextAuth.Add(int(v), hu)
				}
			}
			normalize(nextAuth)
			return nil
		})
		eg.Go(func() error {
			for u := 0; u < n; u++ {
				s := 0.0
				for _, v := range g.Out(u) {
					w := 1.0
					if h.opts.UseContentScores {
						w = g.Content.Get(int(v))
					}
					s += w * auth.Get(int(v))
				}
				nextHub.Set(u, s)
			}
			normalize(nextHub)
			return nil
		})
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		res.Delta = math.Max(maxDelta(auth, nextAuth), maxDelta(hub, nextHub))
		auth.Swap(nextAuth)
		hub.Swap(nextHub)
		if res.Delta < h.opts.Epsilon {
			converged = true
			break
		}
	}

	res.Scores = auth
	res.Hub = hub
	h.remember(g, hub)
	metrics.ScorerIterations.WithLabelValues(h.Name()).Observe(float64(res.Iterations))

	if !converged {
		h.opts.Logger.Warn("hits did not converge",
			"iterations", res.Iterations, "delta", res.Delta, "epsilon", h.opts.Epsilon)
		return res, fmt.Errorf("hits delta %g after %d iterations: %w", res.Delta, res.Iterations, storage.ErrPrecision)
	}
	return res, nil
}
