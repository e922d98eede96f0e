// Package graphql_datasource implements the subgraph fetch adapter for
// GraphQL-over-HTTP upstreams.
package graphql_datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/gqlrouter/gqlrouter/pkg/engine/datasource/httpclient"
	"github.com/gqlrouter/gqlrouter/pkg/engine/resolve"
)

// Source sends GraphQL request bodies to one subgraph endpoint. It is safe
// for concurrent use.
type Source struct {
	// URL is the subgraph's GraphQL endpoint.
	URL string
	// Client defaults to httpclient.DefaultNetHttpClient.
	Client *http.Client
	// Header is added to every subgraph request. Entries here take precedence
	// over forwarded client headers of the same name.
	Header http.Header
}

var _ resolve.DataSource = (*Source)(nil)

func (s *Source) Load(ctx context.Context, input []byte, headers http.Header, out *bytes.Buffer) error {
	requestInput := httpclient.SetInputURL([]byte(`{}`), []byte(s.URL))
	requestInput = httpclient.SetInputMethod(requestInput, []byte(http.MethodPost))
	requestInput = httpclient.SetInputBody(requestInput, input)
	if merged := s.mergeHeaders(headers); len(merged) > 0 {
		headerJSON, err := json.Marshal(merged)
		if err != nil {
			return errors.WithStack(err)
		}
		requestInput = httpclient.SetInputHeader(requestInput, headerJSON)
	}
	client := s.Client
	if client == nil {
		client = httpclient.DefaultNetHttpClient
	}
	statusCode, err := httpclient.Do(client, ctx, requestInput, out)
	if err != nil {
		return errors.WithStack(err)
	}
	if statusCode < 200 || statusCode >= 300 {
		return &resolve.StatusCodeError{StatusCode: statusCode}
	}
	return nil
}

func (s *Source) mergeHeaders(forwarded http.Header) http.Header {
	if len(forwarded) == 0 {
		return s.Header
	}
	merged := make(http.Header, len(forwarded)+len(s.Header))
	for name, values := range forwarded {
		merged[name] = values
	}
	for name, values := range s.Header {
		merged[name] = values
	}
	return merged
}
