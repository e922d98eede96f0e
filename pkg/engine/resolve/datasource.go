package resolve

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// DataSource performs one GraphQL call against one subgraph. The input is the
// GraphQL-over-HTTP request body, i.e. {"query":...,"operationName":...,
// "variables":{...}}; headers are the client request headers forwarded by the
// executor, which implementations merge with their own transport headers. The
// full response body is written to out.
//
// Any returned error is treated as a transport failure and is converted into a
// single service-unavailable-class GraphQL error at the fetch path; it is never
// retried here.
type DataSource interface {
	Load(ctx context.Context, input []byte, headers http.Header, out *bytes.Buffer) error
}

// StatusCodeError is returned by DataSource implementations when the subgraph
// answered with a non-2XX status code. The response body, if any, is still
// written to out so that GraphQL errors carried in a 4XX response survive.
type StatusCodeError struct {
	StatusCode int
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("unexpected subgraph response status code: %d", e.StatusCode)
}

// SubgraphsSnapshot is the immutable routing table handed to each execution.
// In-flight executions keep their snapshot reference, so swapping in a new
// snapshot never mutates state under a running request.
type SubgraphsSnapshot struct {
	Version uint64

	sources map[string]DataSource
}

func NewSubgraphsSnapshot(version uint64, sources map[string]DataSource) *SubgraphsSnapshot {
	copied := make(map[string]DataSource, len(sources))
	for name, source := range sources {
		copied[name] = source
	}
	return &SubgraphsSnapshot{
		Version: version,
		sources: copied,
	}
}

func (s *SubgraphsSnapshot) Source(subgraph string) (DataSource, bool) {
	source, ok := s.sources[subgraph]
	return source, ok
}
