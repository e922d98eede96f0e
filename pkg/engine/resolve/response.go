package resolve

import (
	"github.com/gqlrouter/gqlrouter/pkg/engine/plan"
)

// Response pairs the fetch plan of an operation with the shape of its
// response. The planner emits one Response per operation; the Resolver
// executes the plan and renders the accumulated tree against the shape.
type Response struct {
	// Plan is the root of the fetch plan.
	Plan plan.Node
	// Data describes the complete response shape, deferred fields included.
	// It renders the single-body response when the client did not negotiate
	// incremental delivery.
	Data *Object
	// Primary describes the response shape without deferred fields, rendered
	// as the first payload of an incremental stream. Nil means Data, for
	// plans without deferred blocks.
	Primary *Object
	// Deferred holds the shapes of the deferred fragments, keyed by label.
	// Each entry corresponds to one DeferredBlock in the plan.
	Deferred []DeferredResponse
	// OperationName is used in log output only.
	OperationName string
}

// DeferredResponse is the shape of a single deferred fragment. Its Shape is
// rooted at the fragment's insertion path, not at the response root.
type DeferredResponse struct {
	Label string
	Path  plan.Path
	Shape *Object
}

func (r *Response) deferredShape(label string) *DeferredResponse {
	for i := range r.Deferred {
		if r.Deferred[i].Label == label {
			return &r.Deferred[i]
		}
	}
	return nil
}
