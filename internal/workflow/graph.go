package workflow

import (
	"fmt"
	"slices"
)

type edgeKey[S ~string] struct {
	from S
	to   S
}

// Edge is one allowed state-to-state move.
type Edge[S ~string] struct {
	From    S
	To      S
	Guard   Guard[S]
	Before  Hook[S]
	After   Hook[S]
	Ability string
}

// EdgeOption configures an edge while the graph is being declared.
type EdgeOption[S ~string] func(*Edge[S])

// WithGuard attaches a guard. Repeated calls require every guard to allow.
func WithGuard[S ~string](g Guard[S]) EdgeOption[S] {
	return func(e *Edge[S]) {
		if g == nil {
			return
		}
		if e.Guard == nil {
			e.Guard = g
			return
		}
		e.Guard = AllOf(e.Guard, g)
	}
}

// WithBefore attaches a hook run before the status mutation.
func WithBefore[S ~string](h Hook[S]) EdgeOption[S] {
	return func(e *Edge[S]) {
		e.Before = chainHooks(e.Before, h)
	}
}

// WithAfter attaches a hook run after the status is persisted.
func WithAfter[S ~string](h Hook[S]) EdgeOption[S] {
	return func(e *Edge[S]) {
		e.After = chainHooks(e.After, h)
	}
}

// WithAbility tags the edge with an authorization capability.
func WithAbility[S ~string](ability string) EdgeOption[S] {
	return func(e *Edge[S]) {
		e.Ability = ability
	}
}

// Graph is the immutable allow-list of transitions for one document type.
type Graph[S ~string] struct {
	documentType string
	column       string
	edges        map[edgeKey[S]]Edge[S]
}

// DocumentType names the governed document type.
func (g *Graph[S]) DocumentType() string {
	return g.documentType
}

// Column names the governed status column.
func (g *Graph[S]) Column() string {
	return g.column
}

// Edge returns the declared edge between from and to.
func (g *Graph[S]) Edge(from, to S) (Edge[S], bool) {
	e, ok := g.edges[edgeKey[S]{from: from, to: to}]
	return e, ok
}

// EdgesFrom lists the edges leaving from, ordered by target state.
func (g *Graph[S]) EdgesFrom(from S) []Edge[S] {
	var out []Edge[S]
	for key, e := range g.edges {
		if key.from == from {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Edge[S]) int {
		switch {
		case a.To < b.To:
			return -1
		case a.To > b.To:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Len returns the number of declared edges.
func (g *Graph[S]) Len() int {
	return len(g.edges)
}

// GraphBuilder declares edges before freezing them into a Graph.
type GraphBuilder[S ~string] struct {
	documentType string
	column       string
	edges        map[edgeKey[S]]Edge[S]
	err          error
}

// NewGraph starts a graph for documentType governing column. An empty column
// defaults to "status".
func NewGraph[S ~string](documentType, column string) *GraphBuilder[S] {
	if column == "" {
		column = "status"
	}
	return &GraphBuilder[S]{documentType: documentType, column: column, edges: make(map[edgeKey[S]]Edge[S])}
}

// Allow declares the edge from -> to. Self-loops must be declared explicitly.
func (b *GraphBuilder[S]) Allow(from, to S, opts ...EdgeOption[S]) *GraphBuilder[S] {
	if b.err != nil {
		return b
	}
	if from == "" || to == "" {
		b.err = fmt.Errorf("workflow: %s edge with empty state", b.documentType)
		return b
	}
	key := edgeKey[S]{from: from, to: to}
	if _, exists := b.edges[key]; exists {
		b.err = fmt.Errorf("%w: %s %s -> %s", ErrDuplicateEdge, b.documentType, from, to)
		return b
	}
	edge := Edge[S]{From: from, To: to}
	for _, opt := range opts {
		opt(&edge)
	}
	b.edges[key] = edge
	return b
}

// AllowFrom declares the same target and options for several source states.
func (b *GraphBuilder[S]) AllowFrom(froms []S, to S, opts ...EdgeOption[S]) *GraphBuilder[S] {
	for _, from := range froms {
		b.Allow(from, to, opts...)
	}
	return b
}

// Build freezes the declared edges.
func (b *GraphBuilder[S]) Build() (*Graph[S], error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.documentType == "" {
		return nil, fmt.Errorf("workflow: document type required")
	}
	edges := make(map[edgeKey[S]]Edge[S], len(b.edges))
	for k, v := range b.edges {
		edges[k] = v
	}
	return &Graph[S]{documentType: b.documentType, column: b.column, edges: edges}, nil
}

// MustBuild is Build for package-level graph declarations.
func (b *GraphBuilder[S]) MustBuild() *Graph[S] {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}
