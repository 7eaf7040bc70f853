package scorer

import (
	"context"
	"fmt"

	"github.com/FranksOps/frontier/internal/arena"
	"github.com/FranksOps/frontier/internal/pagedb"
	"github.com/FranksOps/frontier/internal/storage"
)

// Graph is a compressed adjacency snapshot of the link graph. Nodes are
// numbered 0..Len()-1 in dense page index order.
type Graph struct {
	IDs     []storage.PageID
	Content *arena.Vector[float64] // content score of crawled pages, 0 otherwise
	Offsets *arena.Vector[uint32]  // outlinks of node i are Targets[Offsets[i]:Offsets[i+1]]
	Targets *arena.Vector[uint32]
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.IDs) }

// OutDegree returns the number of outlinks of node i.
func (g *Graph) OutDegree(i int) int {
	return int(g.Offsets.Get(i+1) - g.Offsets.Get(i))
}

// Out returns the targets of node i. The slice aliases the graph.
func (g *Graph) Out(i int) []uint32 {
	return g.Targets.Slice()[g.Offsets.Get(i):g.Offsets.Get(i+1)]
}

// BuildGraph reads pages and links from snap.
func BuildGraph(ctx context.Context, snap *pagedb.Snapshot) (*Graph, error) {
	maxIdx, err := snap.MaxIndex(ctx)
	if err != nil {
		return nil, err
	}
	n, err := snap.Len(ctx)
	if err != nil {
		return nil, err
	}

	// dense index -> node, -1 for deleted pages
	node, err := arena.New[int32](maxIdx)
	if err != nil {
		return nil, err
	}
	node.Fill(-1)

	g := &Graph{IDs: make([]storage.PageID, 0, n)}
	if g.Content, err = arena.New[float64](0, func(o *arena.Options) { o.InitialCap = n }); err != nil {
		return nil, err
	}

	pages, err := snap.PagesByIndex(ctx)
	if err != nil {
		return nil, err
	}
	for pages.Next() {
		p := pages.Page()
		node.Set(pages.Index(), int32(len(g.IDs)))
		g.IDs = append(g.IDs, p.ID)
		content := 0.0
		if p.Crawled() {
			content = p.Score
		}
		if err := g.Content.Append(content); err != nil {
			pages.Close()
			return nil, err
		}
	}
	if err := pages.Err(); err != nil {
		pages.Close()
		return nil, err
	}
	if err := pages.Close(); err != nil {
		return nil, storage.StorageErr("close page iterator", err)
	}

	edges, err := snap.Edges(ctx)
	if err != nil {
		return nil, err
	}
	defer edges.Close()

	var list []pagedb.Edge
	for edges.Next() {
		e := edges.Edge()
		from, to := node.Get(e.From), node.Get(e.To)
		if from < 0 || to < 0 {
			return nil, fmt.Errorf("edge %d->%d references a missing page: %w", e.From, e.To, storage.ErrInternal)
		}
		list = append(list, pagedb.Edge{From: int(from), To: int(to), Score: e.Score})
	}
	if err := edges.Err(); err != nil {
		return nil, err
	}

	if err := g.setEdges(list); err != nil {
		return nil, err
	}
	return g, nil
}

// NewGraph builds a graph of n nodes from edges sorted by source. Content
// scores may be nil.
func NewGraph(ids []storage.PageID, content []float64, edges []pagedb.Edge) (*Graph, error) {
	n := len(ids)
	g := &Graph{IDs: ids, Content: arena.MustNew[float64](n)}
	for i, c := range content {
		g.Content.Set(i, c)
	}
	if err := g.setEdges(edges); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) setEdges(edges []pagedb.Edge) error {
	n := len(g.IDs)
	var err error
	if g.Offsets, err = arena.New[uint32](n + 1); err != nil {
		return err
	}
	if g.Targets, err = arena.New[uint32](0, func(o *arena.Options) { o.InitialCap = len(edges) }); err != nil {
		return err
	}

	cur := 0
	for _, e := range edges {
		if e.From < cur-1 || e.From >= n || e.To < 0 || e.To >= n {
			return fmt.Errorf("edge %d->%d out of order or range: %w", e.From, e.To, storage.ErrInternal)
		}
		for cur <= e.From {
			g.Offsets.Set(cur, uint32(g.Targets.Len()))
			cur++
		}
		if err := g.Targets.Append(uint32(e.To)); err != nil {
			return err
		}
	}
	for cur <= n {
		g.Offsets.Set(cur, uint32(g.Targets.Len()))
		cur++
	}
	return nil
}
