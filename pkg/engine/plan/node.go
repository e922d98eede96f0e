// Package plan defines the query plan model executed by the resolve package.
//
// A plan is an immutable tree of nodes describing which subgraphs to call, in
// what order, and where to merge their results into the response. Plans are
// produced upstream (planner, composition) and are treated as read-only for
// the lifetime of the engine; a single plan may be shared by any number of
// concurrent executions.
package plan

type NodeKind int

const (
	NodeKindFetch NodeKind = iota + 1
	NodeKindSequence
	NodeKindParallel
	NodeKindFlatten
	NodeKindDefer
	NodeKindCondition
)

// Node is the closed set of plan node variants. The executor dispatches on the
// concrete type; adding a variant is a compile-time-checked change.
type Node interface {
	NodeKind() NodeKind
}

// Fetch describes one call to one subgraph.
//
// A Fetch with empty Requires is a root fetch: the operation is sent as-is
// with the forwarded client variables. A Fetch with non-empty Requires is an
// entity fetch: the executor builds deduplicated entity representations from
// the response tree at the current anchor and sends them as the
// "representations" variable of an _entities operation.
type Fetch struct {
	// Service is the subgraph identifier, resolved against the routing
	// snapshot at execution time.
	Service string

	// Operation is the GraphQL document sent upstream.
	Operation string

	OperationName string

	// Variables lists the names of client operation variables the upstream
	// operation uses. Only these are forwarded.
	Variables []string

	// Requires lists the key field paths needed to build entity
	// representations, relative to the anchor entity. Empty for root fetches.
	Requires []Path

	// ResponsePath is where the fetched data is merged into the response
	// tree, relative to the current anchor.
	ResponsePath Path

	// OutputRewrites are applied to fetched data before merging.
	OutputRewrites []Rewrite
}

func (*Fetch) NodeKind() NodeKind { return NodeKindFetch }

// Rewrite renames a field of each fetched object before it is merged.
type Rewrite struct {
	From string
	To   string
}

// Sequence executes children strictly in order. A later child may read data
// produced by an earlier one; a failed child never aborts the sequence.
type Sequence struct {
	Children []Node
}

func (*Sequence) NodeKind() NodeKind { return NodeKindSequence }

// Parallel executes children concurrently. Children must not depend on each
// other's output and must merge into disjoint response paths.
type Parallel struct {
	Children []Node
}

func (*Parallel) NodeKind() NodeKind { return NodeKindParallel }

// Flatten executes its child once per entity found at Path, fanning out over
// list elements. Multiple entities are grouped into a single batched subgraph
// call by the representation builder.
type Flatten struct {
	Path Path
	Node Node
}

func (*Flatten) NodeKind() NodeKind { return NodeKindFlatten }

// Defer splits execution into a primary part, which must resolve before the
// initial response payload, and deferred blocks delivered incrementally.
type Defer struct {
	Primary  Node
	Deferred []DeferredBlock
}

func (*Defer) NodeKind() NodeKind { return NodeKindDefer }

// DeferredBlock is one deferred subtree. It may start as soon as the primary
// part is complete and all blocks named in DependsOn have been merged.
type DeferredBlock struct {
	Label     string
	DependsOn []string
	// Path is where the block's payload applies in the client response.
	Path Path
	Node Node
}

// Condition resolves a branch once per execution from the bound operation
// variables. A missing or non-true variable selects Else. Either branch may
// be nil, in which case the node is a no-op.
type Condition struct {
	Variable string
	Then     Node
	Else     Node
}

func (*Condition) NodeKind() NodeKind { return NodeKindCondition }

func NewSequence(children ...Node) *Sequence {
	return &Sequence{Children: children}
}

func NewParallel(children ...Node) *Parallel {
	return &Parallel{Children: children}
}

var (
	_ Node = (*Fetch)(nil)
	_ Node = (*Sequence)(nil)
	_ Node = (*Parallel)(nil)
	_ Node = (*Flatten)(nil)
	_ Node = (*Defer)(nil)
	_ Node = (*Condition)(nil)
)
