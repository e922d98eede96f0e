package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	log "github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gqlrouter/gqlrouter/pkg/engine/datasource/graphql_datasource"
	"github.com/gqlrouter/gqlrouter/pkg/engine/plan"
	"github.com/gqlrouter/gqlrouter/pkg/engine/resolve"
)

type staticPlanner struct {
	response *resolve.Response
}

func (p *staticPlanner) Plan(query string, operationName string) (*resolve.Response, error) {
	return p.response, nil
}

func deferredReviewsResponse() *resolve.Response {
	reviews := func() *resolve.Array {
		return &resolve.Array{
			Nullable: true,
			Path:     []string{"reviews"},
			Item: &resolve.Object{
				Nullable: true,
				Fields: []*resolve.Field{
					{Name: []byte("body"), Value: &resolve.String{Path: []string{"body"}}},
				},
			},
		}
	}
	return &resolve.Response{
		Plan: &plan.Defer{
			Primary: &plan.Fetch{Service: "accounts", Operation: `{me {__typename id name}}`},
			Deferred: []plan.DeferredBlock{
				{
					Path: plan.ParsePath("me"),
					Node: &plan.Fetch{
						Service:   "reviews",
						Operation: `query($representations:[_Any!]!){_entities(representations:$representations){... on User {reviews {body}}}}`,
						Requires:  []plan.Path{{"id"}},
					},
				},
			},
		},
		Data: &resolve.Object{
			Fields: []*resolve.Field{
				{
					Name: []byte("me"),
					Value: &resolve.Object{
						Nullable: true,
						Path:     []string{"me"},
						Fields: []*resolve.Field{
							{Name: []byte("name"), Value: &resolve.String{Path: []string{"name"}}},
							{Name: []byte("reviews"), Value: reviews()},
						},
					},
				},
			},
		},
		Primary: &resolve.Object{
			Fields: []*resolve.Field{
				{
					Name: []byte("me"),
					Value: &resolve.Object{
						Nullable: true,
						Path:     []string{"me"},
						Fields: []*resolve.Field{
							{Name: []byte("name"), Value: &resolve.String{Path: []string{"name"}}},
						},
					},
				},
			},
		},
		Deferred: []resolve.DeferredResponse{
			{
				Path: plan.ParsePath("me"),
				Shape: &resolve.Object{
					Nullable: true,
					Fields: []*resolve.Field{
						{Name: []byte("reviews"), Value: reviews()},
					},
				},
			},
		},
	}
}

func startSubgraphs(t *testing.T) *resolve.SubgraphsSnapshot {
	t.Helper()
	accounts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"me":{"__typename":"User","name":"test","id":"1"}}}`))
	}))
	t.Cleanup(accounts.Close)
	reviews := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"representations":[{"__typename":"User","id":"1"}]`)
		_, _ = w.Write([]byte(`{"data":{"_entities":[{"reviews":[{"body":"Test"}]}]}}`))
	}))
	t.Cleanup(reviews.Close)

	return resolve.NewSubgraphsSnapshot(1, map[string]resolve.DataSource{
		"accounts": &graphql_datasource.Source{URL: accounts.URL},
		"reviews":  &graphql_datasource.Source{URL: reviews.URL},
	})
}

func newTestHandler(t *testing.T) *GraphQLHTTPRequestHandler {
	t.Helper()
	logger := log.NewZapLogger(zap.NewNop(), log.ErrorLevel)
	resolver := resolve.New(
		resolve.WithHeartbeatInterval(0),
		resolve.WithLogger(logger),
	)
	planner := &staticPlanner{response: deferredReviewsResponse()}
	return NewGraphqlHTTPHandler(planner, resolver, startSubgraphs(t), logger)
}

const operationBody = `{"query":"{ me { name ... @defer { reviews { body } } } }"}`

func TestHandlerIncrementalDelivery(t *testing.T) {
	handler := newTestHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	request, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(operationBody))
	require.NoError(t, err)
	request.Header.Set("Accept", "multipart/mixed;deferSpec=20220824")

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, `multipart/mixed;boundary="graphql";deferSpec=20220824`, response.Header.Get("Content-Type"))

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	expected := "--graphql\r\nContent-Type: application/json\r\n\r\n" +
		`{"data":{"me":{"name":"test"}},"hasNext":true}` + "\r\n" +
		"--graphql\r\nContent-Type: application/json\r\n\r\n" +
		`{"hasNext":false,"incremental":[{"data":{"reviews":[{"body":"Test"}]},"path":["me"]}]}` + "\r\n" +
		"--graphql--\r\n"
	assert.Equal(t, expected, string(body))
}

func TestHandlerSingleBodyFallback(t *testing.T) {
	handler := newTestHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	response, err := http.Post(server.URL, "application/json", strings.NewReader(operationBody))
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "application/json", response.Header.Get("Content-Type"))

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	// deferred data folded into one body
	assert.Equal(t, `{"data":{"me":{"name":"test","reviews":[{"body":"Test"}]}}}`, string(body))
}

func TestHandlerRejectsMissingQuery(t *testing.T) {
	handler := newTestHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	response, err := http.Post(server.URL, "application/json", strings.NewReader(`{"variables":{}}`))
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestHandlerSnapshotHotSwap(t *testing.T) {
	handler := newTestHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	handler.UpdateSubgraphs(resolve.NewSubgraphsSnapshot(2, map[string]resolve.DataSource{
		"accounts": &graphql_datasource.Source{URL: broken.URL},
		"reviews":  &graphql_datasource.Source{URL: broken.URL},
	}))

	response, err := http.Post(server.URL, "application/json", strings.NewReader(operationBody))
	require.NoError(t, err)
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"data":{"me":null}`)
	assert.Contains(t, string(body), `Failed to fetch from Subgraph 'accounts'`)
}

func TestAcceptsIncrementalDelivery(t *testing.T) {
	cases := []struct {
		accept string
		want   bool
	}{
		{accept: "", want: false},
		{accept: "application/json", want: false},
		{accept: "multipart/mixed", want: false},
		{accept: "multipart/mixed;deferSpec=20220824", want: true},
		{accept: "multipart/mixed; deferSpec=20220824", want: true},
		{accept: "application/json, multipart/mixed;deferSpec=20220824", want: true},
		{accept: "multipart/mixed;deferSpec=19700101", want: false},
	}
	for _, tc := range cases {
		t.Run("accept "+tc.accept, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.accept != "" {
				request.Header.Set("Accept", tc.accept)
			}
			assert.Equal(t, tc.want, acceptsIncrementalDelivery(request))
		})
	}
}
