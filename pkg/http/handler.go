// Package http serves GraphQL over HTTP, negotiating between ordinary JSON
// responses and incremental multipart delivery.
package http

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/buger/jsonparser"
	log "github.com/jensneuse/abstractlogger"
	"go.uber.org/atomic"

	"github.com/gqlrouter/gqlrouter/pkg/engine/resolve"
	"github.com/gqlrouter/gqlrouter/pkg/pool"
)

const (
	httpHeaderContentType string = "Content-Type"

	httpContentTypeApplicationJson string = "application/json"
)

// OperationPlanner turns a client operation into an executable response.
// Planning itself happens upstream of this package.
type OperationPlanner interface {
	Plan(query string, operationName string) (*resolve.Response, error)
}

type GraphQLHTTPRequestHandler struct {
	log      log.Logger
	planner  OperationPlanner
	resolver *resolve.Resolver
	snapshot *atomic.Pointer[resolve.SubgraphsSnapshot]
}

func NewGraphqlHTTPHandler(planner OperationPlanner, resolver *resolve.Resolver, snapshot *resolve.SubgraphsSnapshot, logger log.Logger) *GraphQLHTTPRequestHandler {
	handler := &GraphQLHTTPRequestHandler{
		log:      logger,
		planner:  planner,
		resolver: resolver,
		snapshot: atomic.NewPointer(snapshot),
	}
	return handler
}

// UpdateSubgraphs swaps in a new routing snapshot. Requests already executing
// keep the snapshot they started with.
func (g *GraphQLHTTPRequestHandler) UpdateSubgraphs(snapshot *resolve.SubgraphsSnapshot) {
	g.snapshot.Store(snapshot)
}

func (g *GraphQLHTTPRequestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		g.log.Error("GraphQLHTTPRequestHandler.ServeHTTP",
			log.Error(err),
		)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	query, err := jsonparser.GetString(data, "query")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	operationName, _ := jsonparser.GetString(data, "operationName")
	variables, _, _, _ := jsonparser.Get(data, "variables")

	response, err := g.planner.Plan(query, operationName)
	if err != nil {
		g.log.Error("GraphQLHTTPRequestHandler.Plan",
			log.Error(err),
		)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := resolve.NewContext(r.Context())
	ctx.Request.Header = r.Header
	if len(variables) > 0 {
		ctx, err = ctx.WithVariables(variables)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	snapshot := g.snapshot.Load()

	if acceptsIncrementalDelivery(r) {
		g.handleIncremental(w, ctx, response, snapshot)
		return
	}
	g.handleJSON(w, ctx, response, snapshot)
}

func (g *GraphQLHTTPRequestHandler) handleJSON(w http.ResponseWriter, ctx *resolve.Context, response *resolve.Response, snapshot *resolve.SubgraphsSnapshot) {
	buf := pool.BytesBuffer.Get()
	defer pool.BytesBuffer.Put(buf)

	if err := g.resolver.ResolveGraphQLResponse(ctx, response, snapshot, buf); err != nil {
		g.log.Error("resolver.ResolveGraphQLResponse",
			log.Error(err),
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Add(httpHeaderContentType, httpContentTypeApplicationJson)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (g *GraphQLHTTPRequestHandler) handleIncremental(w http.ResponseWriter, ctx *resolve.Context, response *resolve.Response, snapshot *resolve.SubgraphsSnapshot) {
	w.Header().Add(httpHeaderContentType, resolve.MultipartContentType)
	w.WriteHeader(http.StatusOK)

	writer := newFlushWriter(w)
	if err := g.resolver.ResolveIncremental(ctx, response, snapshot, writer); err != nil {
		// headers are out, all we can do is drop the connection
		g.log.Error("resolver.ResolveIncremental",
			log.Error(err),
		)
	}
}

// acceptsIncrementalDelivery reports whether the client negotiated the
// multipart defer protocol on its Accept header.
func acceptsIncrementalDelivery(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		for _, part := range strings.Split(accept, ",") {
			mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mediaType != resolve.MultipartMime {
				continue
			}
			// mime.ParseMediaType lowercases parameter names
			if params[strings.ToLower(resolve.DeferSpecParameter)] == resolve.DeferSpecVersion {
				return true
			}
		}
	}
	return false
}

type flushWriter struct {
	writer  io.Writer
	flusher http.Flusher
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{
		writer: w,
	}
	if flusher, ok := w.(http.Flusher); ok {
		fw.flusher = flusher
	}
	return fw
}

func (f *flushWriter) Write(p []byte) (n int, err error) {
	return f.writer.Write(p)
}

func (f *flushWriter) Flush() {
	if f.flusher != nil {
		f.flusher.Flush()
	}
}
