package resolve

import (
	"bytes"
	"fmt"
	"slices"
)

type GraphQLError struct {
	Message   string     `json:"message"`
	Locations []Location `json:"locations,omitempty"`
	// Path is a list of path segments that lead to the error, can be number or string
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type Location struct {
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

// SubgraphError wraps everything that went wrong talking to one subgraph at
// one response path. It is recorded on the Context for the caller; the
// client-visible rendition goes into the response errors array separately.
type SubgraphError struct {
	Subgraph     string
	Path         string
	Reason       string
	ResponseCode int

	DownstreamErrors []*GraphQLError
}

func NewSubgraphError(subgraph, path, reason string, responseCode int) *SubgraphError {
	return &SubgraphError{
		Subgraph:     subgraph,
		Path:         path,
		Reason:       reason,
		ResponseCode: responseCode,
	}
}

func (e *SubgraphError) AppendDownstreamError(err *GraphQLError) {
	e.DownstreamErrors = append(e.DownstreamErrors, err)
}

func (e *SubgraphError) Codes() []string {
	codes := make([]string, 0, len(e.DownstreamErrors))
	for _, downstreamError := range e.DownstreamErrors {
		if downstreamError.Extensions == nil {
			continue
		}
		if code, ok := downstreamError.Extensions["code"].(string); ok && !slices.Contains(codes, code) {
			codes = append(codes, code)
		}
	}
	return codes
}

// Error returns the high-level error without downstream errors.
func (e *SubgraphError) Error() string {
	var bf bytes.Buffer

	if e.Path != "" {
		fmt.Fprintf(&bf, "Failed to fetch from Subgraph '%s' at Path: '%s'", e.Subgraph, e.Path)
	} else {
		fmt.Fprintf(&bf, "Failed to fetch from Subgraph '%s'", e.Subgraph)
	}

	if e.Reason != "" {
		fmt.Fprintf(&bf, ", Reason: %s.", e.Reason)
	} else {
		fmt.Fprintf(&bf, ".")
	}

	return bf.String()
}
