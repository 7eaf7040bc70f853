package scorer

import (
	"context"
	"fmt"

	"github.com/FranksOps/frontier/internal/arena"
	"github.com/FranksOps/frontier/internal/metrics"
	"github.com/FranksOps/frontier/internal/storage"
)

var (
	_ Scorer       = (*PageRank)(nil)
	_ Checkpointer = (*PageRank)(nil)
)

// PageRank scores pages by power iteration:
//
//	next[i] = d * sum over j->i of cur[j]/outdeg(j) + rem * t[i]
//
// where rem = 1 - sum of the first term, which covers both the (1-d) teleport
// and the mass of dangling pages, so scores always sum to one. The teleport
// vector t is uniform, or with UseContentScores proportional to the content
// scores of crawled pages (uniform again if they are all zero).
type PageRank struct {
	opts Options
	warmState
}

// NewPageRank returns a PageRank scorer.
func NewPageRank(optFns ...func(o *Options)) *PageRank {
	return &PageRank{opts: applyOptions(optFns)}
}

func (pr *PageRank) Name() string { return "pagerank" }

func teleport(g *Graph, useContent bool) *arena.Vector[float64] {
	n := g.Len()
	t := arena.MustNew[float64](n)
	if useContent {
		if sum := g.Content.Sum(); sum > 0 {
			for i := 0; i < n; i++ {
				t.Set(i, g.Content.Get(i)/sum)
			}
			return t
		}
	}
	t.Fill(1 / float64(n))
	return t
}

// Score runs PageRank on g. The result is remembered for warm starts.
func (pr *PageRank) Score(ctx context.Context, g *Graph) (*Result, error) {
	n := g.Len()
	if n == 0 {
		return &Result{Scores: arena.MustNew[float64](0)}, nil
	}

	cur := arena.MustNew[float64](n)
	cur.Fill(1 / float64(n))
	if pr.seed(g, cur) > 0 {
		// new pages start at the uniform value; renormalize the mix
		sum := cur.Sum()
		for i := 0; i < n; i++ {
			cur.Set(i, cur.Get(i)/sum)
		}
	}
	next := arena.MustNew[float64](n)
	t := teleport(g, pr.opts.UseContentScores)
	d := pr.opts.Damping

	res := &Result{}
	converged := false
	for res.Iterations < pr.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations++

		next.Fill(0)
		for u := 0; u < n; u++ {
			deg := g.OutDegree(u)
			if deg == 0 {
				continue
			}
			share := d * cur.Get(u) / float64(deg)
			for _, v := range g.Out(u) {
				next.Add(int(v), share)
			}
		}

		rem := 1 - next.Sum()
		for i := 0; i < n; i++ {
			next.Add(i, rem*t.Get(i))
		}

		res.Delta = maxDelta(cur, next)
		cur.Swap(next)
		if res.Delta < pr.opts.Epsilon {
			converged = true
			break
		}
	}

	res.Scores = cur
	pr.remember(g, cur)
	metrics.ScorerIterations.WithLabelValues(pr.Name()).Observe(float64(res.Iterations))

	if !converged {
		pr.opts.Logger.Warn("pagerank did not converge",
			"iterations", res.Iterations, "delta", res.Delta, "epsilon", pr.opts.Epsilon)
		return res, fmt.Errorf("pagerank delta %g after %d iterations: %w", res.Delta, res.Iterations, storage.ErrPrecision)
	}
	return res, nil
}
