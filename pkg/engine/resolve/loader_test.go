package resolve

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gqlrouter/gqlrouter/pkg/engine/plan"
)

// testSource answers every Load with a canned response, recording calls.
type testSource struct {
	response    string
	err         error
	calls       atomic.Int64
	lastIn      atomic.Pointer[string]
	lastHeaders atomic.Pointer[http.Header]
}

func (s *testSource) Load(ctx context.Context, input []byte, headers http.Header, out *bytes.Buffer) error {
	s.calls.Add(1)
	in := string(input)
	s.lastIn.Store(&in)
	s.lastHeaders.Store(&headers)
	if s.response != "" {
		_, _ = out.WriteString(s.response)
	}
	return s.err
}

func (s *testSource) lastInput() string {
	in := s.lastIn.Load()
	if in == nil {
		return ""
	}
	return *in
}

func (s *testSource) lastHeader() http.Header {
	headers := s.lastHeaders.Load()
	if headers == nil {
		return nil
	}
	return *headers
}

func newTestLoader(t *testing.T, ctx *Context, sources map[string]DataSource, options ...ResolverOption) (*Loader, *Resolvable) {
	t.Helper()
	resolvable := NewResolvable()
	require.NoError(t, resolvable.Init(nil))
	resolver := New(options...)
	loader := resolver.newLoader(ctx, NewSubgraphsSnapshot(1, sources), resolvable)
	return loader, resolvable
}

func treeJSON(resolvable *Resolvable) string {
	resolvable.Lock()
	defer resolvable.Unlock()
	return string(resolvable.Data().MarshalTo(nil))
}

func errorsJSON(resolvable *Resolvable) string {
	resolvable.Lock()
	defer resolvable.Unlock()
	return string(resolvable.Errors().MarshalTo(nil))
}

func TestLoaderRootFetchMerges(t *testing.T) {
	accounts := &testSource{response: `{"data":{"me":{"__typename":"User","id":"1","name":"test"}}}`}
	loader, resolvable := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{"accounts": accounts})

	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Fetch{Service: "accounts", Operation: `{me {name}}`},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"me":{"__typename":"User","id":"1","name":"test"}}`, treeJSON(resolvable))
	assert.Equal(t, `[]`, errorsJSON(resolvable))
}

func TestLoaderSequenceContinuesAfterFailure(t *testing.T) {
	accounts := &testSource{err: errors.New("connection refused")}
	reviews := &testSource{response: `{"data":{"_entities":[]}}`}
	loader, resolvable := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{
		"accounts": accounts,
		"reviews":  reviews,
	})

	err := loader.LoadGraphQLResponse(&Response{
		Plan: plan.NewSequence(
			&plan.Fetch{Service: "accounts", Operation: `{me {id}}`},
			&plan.Flatten{
				Path: plan.ParsePath("me"),
				Node: &plan.Fetch{
					Service:   "reviews",
					Operation: `query($representations:[_Any!]!){_entities(representations:$representations){... on User {reviews {body}}}}`,
					Requires:  []plan.Path{{"id"}},
				},
			},
		),
	})
	require.NoError(t, err)
	// the dependent fetch found no items and was skipped entirely
	assert.Equal(t, int64(0), reviews.calls.Load())
	assert.Equal(t, `{}`, treeJSON(resolvable))
	assert.Equal(t, `[{"message":"Failed to fetch from Subgraph 'accounts'."}]`, errorsJSON(resolvable))
	assert.Error(t, loader.ctx.SubgraphErrors())
}

func TestLoaderEmptyRepresentationSetSkipsCall(t *testing.T) {
	reviews := &testSource{response: `{"data":{"_entities":[]}}`}
	loader, resolvable := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{"reviews": reviews})
	require.NoError(t, resolvable.Init([]byte(`{"me":{"id":"1"}}`))) // no __typename

	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Flatten{
			Path: plan.ParsePath("me"),
			Node: &plan.Fetch{Service: "reviews", Operation: `...`, Requires: []plan.Path{{"id"}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), reviews.calls.Load())
	assert.Equal(t, `[]`, errorsJSON(resolvable))
}

func TestLoaderFlattenFanOutBatchesOneCall(t *testing.T) {
	reviews := &testSource{response: `{"data":{"_entities":[{"reviews":[{"body":"a"}]},{"reviews":[{"body":"b"}]}]}}`}
	loader, resolvable := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{"reviews": reviews})
	require.NoError(t, resolvable.Init([]byte(`{"users":[{"__typename":"User","id":"1"},{"__typename":"User","id":"2"},{"__typename":"User","id":"1"}]}`)))

	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Flatten{
			Path: plan.ParsePath("users.@"),
			Node: &plan.Fetch{Service: "reviews", Operation: `...`, Requires: []plan.Path{{"id"}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), reviews.calls.Load())
	assert.Contains(t, reviews.lastInput(), `"representations":[{"__typename":"User","id":"1"},{"__typename":"User","id":"2"}]`)
	// the duplicate key user got the first entity's data redistributed
	assert.Equal(t,
		`{"users":[{"__typename":"User","id":"1","reviews":[{"body":"a"}]},{"__typename":"User","id":"2","reviews":[{"body":"b"}]},{"__typename":"User","id":"1","reviews":[{"body":"a"}]}]}`,
		treeJSON(resolvable))
}

func TestLoaderParallelMergeCommutative(t *testing.T) {
	a := &plan.Fetch{Service: "a", Operation: `{a}`, ResponsePath: plan.ParsePath("left")}
	b := &plan.Fetch{Service: "b", Operation: `{b}`, ResponsePath: plan.ParsePath("right")}
	sources := func() map[string]DataSource {
		return map[string]DataSource{
			"a": &testSource{response: `{"data":{"value":1}}`},
			"b": &testSource{response: `{"data":{"value":2}}`},
		}
	}

	loader1, resolvable1 := newTestLoader(t, NewContext(context.Background()), sources())
	require.NoError(t, loader1.LoadGraphQLResponse(&Response{Plan: plan.NewSequence(a, b)}))

	loader2, resolvable2 := newTestLoader(t, NewContext(context.Background()), sources())
	require.NoError(t, loader2.LoadGraphQLResponse(&Response{Plan: plan.NewSequence(b, a)}))

	loader3, resolvable3 := newTestLoader(t, NewContext(context.Background()), sources())
	require.NoError(t, loader3.LoadGraphQLResponse(&Response{Plan: plan.NewParallel(a, b)}))

	// object key order depends on merge order, the trees must be equal as JSON
	assert.JSONEq(t, treeJSON(resolvable1), treeJSON(resolvable2))
	assert.JSONEq(t, treeJSON(resolvable1), treeJSON(resolvable3))
}

func TestLoaderConditionBranches(t *testing.T) {
	run := func(t *testing.T, variables string) (*testSource, *testSource) {
		thenSource := &testSource{response: `{"data":{"then":true}}`}
		elseSource := &testSource{response: `{"data":{"else":true}}`}
		ctx := NewContext(context.Background())
		if variables != "" {
			var err error
			ctx, err = ctx.WithVariables([]byte(variables))
			require.NoError(t, err)
		}
		loader, _ := newTestLoader(t, ctx, map[string]DataSource{"then": thenSource, "else": elseSource})
		err := loader.LoadGraphQLResponse(&Response{
			Plan: &plan.Condition{
				Variable: "withExtras",
				Then:     &plan.Fetch{Service: "then", Operation: `{then}`},
				Else:     &plan.Fetch{Service: "else", Operation: `{else}`},
			},
		})
		require.NoError(t, err)
		return thenSource, elseSource
	}

	t.Run("true selects then", func(t *testing.T) {
		thenSource, elseSource := run(t, `{"withExtras":true}`)
		assert.Equal(t, int64(1), thenSource.calls.Load())
		assert.Equal(t, int64(0), elseSource.calls.Load())
	})
	t.Run("false selects else", func(t *testing.T) {
		thenSource, elseSource := run(t, `{"withExtras":false}`)
		assert.Equal(t, int64(0), thenSource.calls.Load())
		assert.Equal(t, int64(1), elseSource.calls.Load())
	})
	t.Run("absent variable selects else", func(t *testing.T) {
		thenSource, elseSource := run(t, "")
		assert.Equal(t, int64(0), thenSource.calls.Load())
		assert.Equal(t, int64(1), elseSource.calls.Load())
	})
}

func TestLoaderVariableForwarding(t *testing.T) {
	accounts := &testSource{response: `{"data":{"me":null}}`}
	ctx, err := NewContext(context.Background()).WithVariables([]byte(`{"id":"1","secret":"do-not-forward"}`))
	require.NoError(t, err)
	loader, _ := newTestLoader(t, ctx, map[string]DataSource{"accounts": accounts})

	err = loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Fetch{
			Service:       "accounts",
			Operation:     `query Me($id: ID!) {user(id: $id) {name}}`,
			OperationName: "Me",
			Variables:     []string{"id"},
		},
	})
	require.NoError(t, err)
	input := accounts.lastInput()
	assert.Contains(t, input, `"operationName":"Me"`)
	assert.Contains(t, input, `"variables":{"id":"1"}`)
	assert.NotContains(t, input, "secret")
}

func TestLoaderForwardsClientHeaders(t *testing.T) {
	accounts := &testSource{response: `{"data":{"me":null}}`}
	ctx := NewContext(context.Background())
	ctx.Request.Header = http.Header{"Authorization": []string{"Bearer token"}}
	loader, _ := newTestLoader(t, ctx, map[string]DataSource{"accounts": accounts})

	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Fetch{Service: "accounts", Operation: `{me {name}}`},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", accounts.lastHeader().Get("Authorization"))
}

func TestLoaderOutputRewrites(t *testing.T) {
	accounts := &testSource{response: `{"data":{"me_alias":{"name":"test"}}}`}
	loader, resolvable := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{"accounts": accounts})

	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Fetch{
			Service:        "accounts",
			Operation:      `{me_alias: me {name}}`,
			OutputRewrites: []plan.Rewrite{{From: "me_alias", To: "me"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"me":{"name":"test"}}`, treeJSON(resolvable))
}

func TestLoaderTransportErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		source *testSource
	}{
		{name: "connect refused", source: &testSource{err: errors.New("dial tcp: connection refused")}},
		{name: "timeout", source: &testSource{err: context.DeadlineExceeded}},
		{name: "malformed body", source: &testSource{response: `<html>bad gateway</html>`}},
		{name: "status code", source: &testSource{err: &StatusCodeError{StatusCode: 503}, response: `<html>unavailable</html>`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loader, resolvable := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{"accounts": tc.source})
			err := loader.LoadGraphQLResponse(&Response{
				Plan: &plan.Fetch{Service: "accounts", Operation: `{me}`, ResponsePath: plan.ParsePath("me")},
			})
			require.NoError(t, err)
			assert.Equal(t, `[{"message":"Failed to fetch from Subgraph 'accounts' at Path: 'me'."}]`, errorsJSON(resolvable))
		})
	}
}

func TestLoaderUnknownSubgraph(t *testing.T) {
	loader, resolvable := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{})
	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Fetch{Service: "missing", Operation: `{x}`},
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"message":"Failed to fetch from Subgraph 'missing'."}]`, errorsJSON(resolvable))
}

func TestLoaderSubgraphErrorsWrapped(t *testing.T) {
	accounts := &testSource{response: `{"errors":[{"message":"boom","path":["me","name"]}],"data":null}`}
	loader, resolvable := newTestLoader(t, NewContext(context.Background()),
		map[string]DataSource{"accounts": accounts},
		WithSubgraphErrorPropagation(true, true),
	)

	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Fetch{Service: "accounts", Operation: `{me {name}}`},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`[{"message":"Failed to fetch from Subgraph 'accounts'.","extensions":{"errors":[{"message":"boom","path":["me","name"]}]}}]`,
		errorsJSON(resolvable))
}

func TestLoaderSubgraphErrorsPassThrough(t *testing.T) {
	reviews := &testSource{response: `{"errors":[{"message":"boom","path":["_entities",0,"reviews"]}],"data":null}`}
	loader, resolvable := newTestLoader(t, NewContext(context.Background()),
		map[string]DataSource{"reviews": reviews},
		WithSubgraphErrorPropagationMode(SubgraphErrorPropagationModePassThrough),
	)
	require.NoError(t, resolvable.Init([]byte(`{"me":{"__typename":"User","id":"1"}}`)))

	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Flatten{
			Path: plan.ParsePath("me"),
			Node: &plan.Fetch{Service: "reviews", Operation: `...`, Requires: []plan.Path{{"id"}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`[{"message":"boom","path":["me","reviews"]}]`,
		errorsJSON(resolvable))
}

func TestLoaderDeferInlineHonorsDependencies(t *testing.T) {
	accounts := &testSource{response: `{"data":{"me":{"__typename":"User","id":"1","name":"test"}}}`}
	reviews := &testSource{response: `{"data":{"_entities":[{"reviews":[{"body":"Test"}]}]}}`}
	loader, resolvable := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{
		"accounts": accounts,
		"reviews":  reviews,
	})

	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Defer{
			Primary: &plan.Fetch{Service: "accounts", Operation: `{me {name}}`},
			Deferred: []plan.DeferredBlock{
				{
					Label:     "reviews",
					Path:      plan.ParsePath("me"),
					DependsOn: nil,
					Node:      &plan.Fetch{Service: "reviews", Operation: `...`, Requires: []plan.Path{{"id"}}},
				},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"me":{"__typename":"User","id":"1","name":"test","reviews":[{"body":"Test"}]}}`,
		treeJSON(resolvable))
}

func TestLoaderDeferInlineDetectsDependencyCycle(t *testing.T) {
	loader, _ := newTestLoader(t, NewContext(context.Background()), map[string]DataSource{})
	err := loader.LoadGraphQLResponse(&Response{
		Plan: &plan.Defer{
			Deferred: []plan.DeferredBlock{
				{Label: "a", DependsOn: []string{"b"}},
				{Label: "b", DependsOn: []string{"a"}},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolvable dependencies")
}
