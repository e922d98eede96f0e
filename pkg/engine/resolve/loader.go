package resolve

import (
	"errors"
	"fmt"

	"github.com/tidwall/sjson"
	"github.com/wundergraph/astjson"
	"golang.org/x/sync/errgroup"

	"github.com/gqlrouter/gqlrouter/pkg/engine/plan"
	"github.com/gqlrouter/gqlrouter/pkg/pool"
)

// SubgraphErrorPropagationMode controls how errors returned by subgraphs
// surface in the client response.
type SubgraphErrorPropagationMode int

const (
	// SubgraphErrorPropagationModeWrapped renders a single router error per
	// failed fetch, attaching the subgraph errors under extensions.
	SubgraphErrorPropagationModeWrapped SubgraphErrorPropagationMode = iota
	// SubgraphErrorPropagationModePassThrough appends the subgraph errors to
	// the response verbatim, with their paths rewritten into the client view.
	SubgraphErrorPropagationModePassThrough
)

// Loader executes a fetch plan against a Resolvable. It walks the plan tree,
// fans items out across list boundaries, batches entity representations, and
// merges fetch results back into the shared tree.
//
// Fetch errors are not fatal to execution. A failed fetch records its error
// and execution continues, later fetches that depended on the missing data
// find no usable items and skip. Only context cancellation aborts the walk.
type Loader struct {
	resolvable *Resolvable
	ctx        *Context
	snapshot   *SubgraphsSnapshot

	propagateSubgraphErrors     bool
	propagateSubgraphStatusCode bool
	propagationMode             SubgraphErrorPropagationMode
	maxConcurrency              int

	// onDeferred, when set, takes over execution of deferred blocks instead
	// of running them inline after the primary. The incremental resolver uses
	// it to schedule blocks on their own goroutines.
	onDeferred func(blocks []plan.DeferredBlock) error
}

func (l *Loader) Free() {
	l.resolvable = nil
	l.ctx = nil
	l.snapshot = nil
	l.onDeferred = nil
}

// LoadGraphQLResponse executes the response's plan. The tree in l.resolvable
// must have been initialized before.
func (l *Loader) LoadGraphQLResponse(response *Response) error {
	return l.loadNode(response.Plan, []*astjson.Value{l.resolvable.Data()}, nil)
}

// LoadDeferredBlock executes a single deferred block rooted at its path.
// Callers are responsible for ordering, a block must only be started once the
// blocks it depends on have completed.
func (l *Loader) LoadDeferredBlock(block plan.DeferredBlock) error {
	items := l.itemsAtPath([]*astjson.Value{l.resolvable.Data()}, block.Path)
	if len(items) == 0 {
		return nil
	}
	return l.loadNode(block.Node, items, block.Path)
}

// loadNode dispatches on the plan node kind. anchorPath is the path at which
// items sit in the tree, carried along for error reporting.
func (l *Loader) loadNode(node plan.Node, items []*astjson.Value, anchorPath plan.Path) error {
	if err := l.ctx.Context().Err(); err != nil {
		return err
	}
	switch n := node.(type) {
	case *plan.Fetch:
		return l.loadFetch(n, items, anchorPath)
	case *plan.Sequence:
		for i := range n.Children {
			if err := l.loadNode(n.Children[i], items, anchorPath); err != nil {
				return err
			}
		}
		return nil
	case *plan.Parallel:
		return l.loadParallel(n, items, anchorPath)
	case *plan.Flatten:
		next := l.itemsAtPath(items, n.Path)
		if len(next) == 0 {
			return nil
		}
		return l.loadNode(n.Node, next, joinPaths(anchorPath, n.Path))
	case *plan.Condition:
		if l.conditionIsTrue(n.Variable) {
			if n.Then == nil {
				return nil
			}
			return l.loadNode(n.Then, items, anchorPath)
		}
		if n.Else == nil {
			return nil
		}
		return l.loadNode(n.Else, items, anchorPath)
	case *plan.Defer:
		if n.Primary != nil {
			if err := l.loadNode(n.Primary, items, anchorPath); err != nil {
				return err
			}
		}
		if l.onDeferred != nil {
			return l.onDeferred(n.Deferred)
		}
		return l.loadDeferredInline(n.Deferred)
	case nil:
		return nil
	default:
		return fmt.Errorf("loader: unknown plan node kind %d", node.NodeKind())
	}
}

func (l *Loader) loadParallel(n *plan.Parallel, items []*astjson.Value, anchorPath plan.Path) error {
	g, _ := errgroup.WithContext(l.ctx.Context())
	if l.maxConcurrency > 0 {
		g.SetLimit(l.maxConcurrency)
	}
	for i := range n.Children {
		child := n.Children[i]
		g.Go(func() error {
			return l.loadNode(child, items, anchorPath)
		})
	}
	return g.Wait()
}

// loadDeferredInline runs deferred blocks on the calling goroutine, honoring
// DependsOn ordering. Used when the client did not negotiate incremental
// delivery and the deferred data is folded into the single response.
func (l *Loader) loadDeferredInline(blocks []plan.DeferredBlock) error {
	completed := make(map[string]struct{}, len(blocks))
	remaining := make([]plan.DeferredBlock, len(blocks))
	copy(remaining, blocks)
	for len(remaining) > 0 {
		progressed := false
		pending := remaining[:0]
		for _, block := range remaining {
			if !dependenciesCompleted(block, completed) {
				pending = append(pending, block)
				continue
			}
			if err := l.LoadDeferredBlock(block); err != nil {
				return err
			}
			completed[block.Label] = struct{}{}
			progressed = true
		}
		remaining = pending
		if !progressed {
			return fmt.Errorf("loader: deferred blocks have unresolvable dependencies: %s", deferredLabels(remaining))
		}
	}
	return nil
}

func dependenciesCompleted(block plan.DeferredBlock, completed map[string]struct{}) bool {
	for _, dep := range block.DependsOn {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

func deferredLabels(blocks []plan.DeferredBlock) string {
	buf := pool.BytesBuffer.Get()
	defer pool.BytesBuffer.Put(buf)
	for i := range blocks {
		if i != 0 {
			_, _ = buf.WriteString(", ")
		}
		_, _ = buf.WriteString(blocks[i].Label)
	}
	return buf.String()
}

func (l *Loader) conditionIsTrue(variable string) bool {
	if l.ctx.Variables == nil {
		return false
	}
	value := l.ctx.Variables.Get(variable)
	return value != nil && value.Type() == astjson.TypeTrue
}

// itemsAtPath resolves the anchor values reached by walking path from each
// item. The list segment fans out across array elements. Null or missing
// values along the way drop out silently.
func (l *Loader) itemsAtPath(items []*astjson.Value, path plan.Path) []*astjson.Value {
	if len(path) == 0 {
		return items
	}
	l.resolvable.Lock()
	defer l.resolvable.Unlock()
	current := items
	for _, segment := range path {
		next := make([]*astjson.Value, 0, len(current))
		if segment == plan.ListSegment {
			for _, item := range current {
				if item.Type() != astjson.TypeArray {
					continue
				}
				for _, element := range item.GetArray() {
					if astjson.ValueIsNonNull(element) {
						next = append(next, element)
					}
				}
			}
		} else {
			for _, item := range current {
				value := item.Get(segment)
				if astjson.ValueIsNonNull(value) {
					next = append(next, value)
				}
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

func (l *Loader) loadFetch(f *plan.Fetch, items []*astjson.Value, anchorPath plan.Path) error {
	source, ok := l.snapshot.Source(f.Service)
	if !ok {
		l.resolvable.Lock()
		defer l.resolvable.Unlock()
		return l.renderFetchFailure(f, anchorPath, nil, 0, fmt.Errorf("no datasource configured for subgraph %q", f.Service))
	}

	// phase 1: snapshot the inputs under the tree lock
	l.resolvable.Lock()
	input, builder, err := l.buildFetchInput(f, items)
	l.resolvable.Unlock()
	if err != nil {
		return err
	}
	if input == nil {
		// entity fetch with no usable representations
		return nil
	}

	// phase 2: the network call runs unlocked
	out := pool.BytesBuffer.Get()
	defer pool.BytesBuffer.Put(out)
	loadErr := source.Load(l.ctx.Context(), input, l.ctx.Request.Header, out)
	if l.ctx.Context().Err() != nil {
		return l.ctx.Context().Err()
	}

	// phase 3: merge under the tree lock
	l.resolvable.Lock()
	defer l.resolvable.Unlock()
	return l.mergeFetchResult(f, items, anchorPath, builder, out.Bytes(), loadErr)
}

// buildFetchInput renders the subgraph request body. For entity fetches it
// also returns the representation builder needed to redistribute the result.
// A nil input with nil error means the fetch is skipped entirely.
func (l *Loader) buildFetchInput(f *plan.Fetch, items []*astjson.Value) ([]byte, *representationBuilder, error) {
	input := []byte(`{}`)
	var err error
	input, err = sjson.SetBytes(input, "query", f.Operation)
	if err != nil {
		return nil, nil, err
	}
	if f.OperationName != "" {
		input, err = sjson.SetBytes(input, "operationName", f.OperationName)
		if err != nil {
			return nil, nil, err
		}
	}
	for _, name := range f.Variables {
		if l.ctx.Variables == nil {
			continue
		}
		value := l.ctx.Variables.Get(name)
		if value == nil {
			continue
		}
		input, err = sjson.SetRawBytes(input, "variables."+name, value.MarshalTo(nil))
		if err != nil {
			return nil, nil, err
		}
	}
	if len(f.Requires) == 0 {
		return input, nil, nil
	}
	keys := make([]string, len(f.Requires))
	for i := range f.Requires {
		keys[i] = f.Requires[i].String()
	}
	builder := newRepresentationBuilder()
	for _, item := range items {
		builder.addItem(item, keys)
	}
	if builder.empty() {
		return nil, nil, nil
	}
	input, err = sjson.SetRawBytes(input, "variables.representations", builder.renderInput())
	if err != nil {
		return nil, nil, err
	}
	return input, builder, nil
}

// mergeFetchResult parses the subgraph response and merges its data into the
// tree. Called with the tree lock held.
func (l *Loader) mergeFetchResult(f *plan.Fetch, items []*astjson.Value, anchorPath plan.Path, builder *representationBuilder, response []byte, loadErr error) error {
	statusCode := 0
	var statusErr *StatusCodeError
	if errors.As(loadErr, &statusErr) {
		statusCode = statusErr.StatusCode
	}
	if loadErr != nil && statusCode == 0 {
		return l.renderFetchFailure(f, anchorPath, nil, 0, loadErr)
	}

	// astjson parses zero-copy, and response points into a pooled buffer that
	// is reused after this fetch; parse a private copy so the values merged
	// into the tree stay valid.
	value, parseErr := astjson.ParseBytes(append([]byte(nil), response...))
	if parseErr != nil {
		if loadErr != nil {
			return l.renderFetchFailure(f, anchorPath, nil, statusCode, loadErr)
		}
		return l.renderFetchFailure(f, anchorPath, nil, 0, fmt.Errorf("invalid JSON response from subgraph %q", f.Service))
	}

	downstreamErrors := value.GetArray("errors")
	if loadErr != nil || len(downstreamErrors) > 0 {
		if err := l.renderFetchFailure(f, anchorPath, downstreamErrors, statusCode, loadErr); err != nil {
			return err
		}
	}

	data := value.Get("data")
	if astjson.ValueIsNull(data) {
		return nil
	}

	if builder != nil {
		entities := data.GetArray("_entities")
		for _, entity := range entities {
			l.applyOutputRewrites(f.OutputRewrites, entity)
		}
		builder.redistribute(entities)
		return nil
	}

	l.applyOutputRewrites(f.OutputRewrites, data)
	for _, item := range items {
		if item.Type() != astjson.TypeObject || data.Type() != astjson.TypeObject {
			continue
		}
		if len(f.ResponsePath) > 0 {
			_, _, _ = astjson.MergeValuesWithPath(nil, item, data, f.ResponsePath...)
		} else {
			_, _, _ = astjson.MergeValues(nil, item, data)
		}
	}
	return nil
}

func (l *Loader) applyOutputRewrites(rewrites []plan.Rewrite, value *astjson.Value) {
	if len(rewrites) == 0 || value == nil || value.Type() != astjson.TypeObject {
		return
	}
	for _, rewrite := range rewrites {
		renamed := value.Get(rewrite.From)
		if renamed == nil {
			continue
		}
		value.Set(nil, rewrite.To, renamed)
		value.Del(rewrite.From)
	}
}

// renderFetchFailure records a failed or partially failed fetch in both the
// client-facing errors array and the request's subgraph error list. Called
// with the tree lock held.
func (l *Loader) renderFetchFailure(f *plan.Fetch, anchorPath plan.Path, downstreamErrors []*astjson.Value, statusCode int, loadErr error) error {
	fetchPath := joinPaths(anchorPath, f.ResponsePath).WithoutListSegments().String()
	reason := ""
	if loadErr != nil {
		reason = loadErr.Error()
	}
	subgraphErr := NewSubgraphError(f.Service, fetchPath, reason, statusCode)
	for _, downstream := range downstreamErrors {
		subgraphErr.AppendDownstreamError(parseGraphQLError(downstream))
	}
	l.ctx.appendSubgraphError(subgraphErr)

	if l.propagationMode == SubgraphErrorPropagationModePassThrough && len(downstreamErrors) > 0 {
		for _, downstream := range downstreamErrors {
			l.appendPassThroughError(f, anchorPath, downstream)
		}
		return nil
	}

	message := fmt.Sprintf("Failed to fetch from Subgraph '%s'", f.Service)
	if fetchPath != "" {
		message = fmt.Sprintf("%s at Path: '%s'", message, fetchPath)
	}
	message += "."
	errorObject := astjson.MustParse(fmt.Sprintf(`{"message":%q}`, message))
	extensions := astjson.MustParse(`{}`)
	hasExtensions := false
	if l.propagateSubgraphStatusCode && statusCode != 0 {
		astjson.SetValue(extensions, astjson.MustParse(fmt.Sprintf(`%d`, statusCode)), "statusCode")
		hasExtensions = true
	}
	if l.propagateSubgraphErrors && len(downstreamErrors) > 0 {
		downstreamArray := astjson.MustParse(`[]`)
		for i, downstream := range downstreamErrors {
			downstreamArray.SetArrayItem(nil, i, downstream)
		}
		extensions.Set(nil, "errors", downstreamArray)
		hasExtensions = true
	}
	if hasExtensions {
		errorObject.Set(nil, "extensions", extensions)
	}
	errorsArray := l.resolvable.Errors()
	existing, _ := errorsArray.Array()
	errorsArray.SetArrayItem(nil, len(existing), errorObject)
	return nil
}

// appendPassThroughError copies a subgraph error into the response verbatim,
// rewriting a leading _entities path segment into the fetch path so clients
// see paths in terms of their own query.
func (l *Loader) appendPassThroughError(f *plan.Fetch, anchorPath plan.Path, downstream *astjson.Value) {
	errorObject := astjson.MustParseBytes(downstream.MarshalTo(nil))
	path := errorObject.Get("path")
	if path != nil && path.Type() == astjson.TypeArray {
		elements := path.GetArray()
		if len(elements) > 0 && string(elements[0].GetStringBytes()) == "_entities" {
			rewritten := astjson.MustParse(`[]`)
			i := 0
			for _, segment := range joinPaths(anchorPath, f.ResponsePath).WithoutListSegments() {
				rewritten.SetArrayItem(nil, i, astjson.MustParse(fmt.Sprintf(`%q`, segment)))
				i++
			}
			// skip _entities plus the positional index
			for j := 2; j < len(elements); j++ {
				rewritten.SetArrayItem(nil, i, elements[j])
				i++
			}
			errorObject.Set(nil, "path", rewritten)
		}
	}
	errorsArray := l.resolvable.Errors()
	existing, _ := errorsArray.Array()
	errorsArray.SetArrayItem(nil, len(existing), errorObject)
}

// joinPaths concatenates two paths into a fresh slice.
func joinPaths(a, b plan.Path) plan.Path {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	joined := make(plan.Path, 0, len(a)+len(b))
	joined = append(joined, a...)
	joined = append(joined, b...)
	return joined
}

func parseGraphQLError(value *astjson.Value) *GraphQLError {
	gqlError := &GraphQLError{
		Message: string(value.GetStringBytes("message")),
	}
	for _, element := range value.GetArray("path") {
		switch element.Type() {
		case astjson.TypeString:
			gqlError.Path = append(gqlError.Path, string(element.GetStringBytes()))
		case astjson.TypeNumber:
			gqlError.Path = append(gqlError.Path, element.GetInt())
		}
	}
	return gqlError
}
