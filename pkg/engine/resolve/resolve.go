package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/wundergraph/astjson"
	"golang.org/x/sync/semaphore"

	"github.com/gqlrouter/gqlrouter/pkg/engine/plan"
	"github.com/gqlrouter/gqlrouter/pkg/pool"
)

const (
	DefaultMaxConcurrency         = 1024
	DefaultMaxDeferredConcurrency = 4
	DefaultHeartbeatInterval      = 5 * time.Second
)

// Resolver executes fetch plans and renders their results. One Resolver is
// shared across all requests; per-request state lives in the Context, the
// Resolvable and the Loader.
type Resolver struct {
	log abstractlogger.Logger

	maxConcurrency         int
	maxDeferredConcurrency int
	heartbeatInterval      time.Duration

	propagateSubgraphErrors      bool
	propagateSubgraphStatusCodes bool
	propagationMode              SubgraphErrorPropagationMode
}

type ResolverOption func(*Resolver)

// WithLogger sets the logger for fetch failures. Defaults to a noop logger.
func WithLogger(log abstractlogger.Logger) ResolverOption {
	return func(r *Resolver) {
		r.log = log
	}
}

// WithMaxConcurrency bounds the number of concurrently executing plan
// branches, and with them the number of concurrent subgraph calls.
func WithMaxConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		r.maxConcurrency = n
	}
}

// WithMaxDeferredConcurrency bounds how many deferred blocks resolve at once.
func WithMaxDeferredConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		r.maxDeferredConcurrency = n
	}
}

// WithHeartbeatInterval sets the idle interval between incremental frames
// after which an empty heartbeat part is written. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.heartbeatInterval = d
	}
}

// WithSubgraphErrorPropagation attaches subgraph errors to the client
// response under extensions of the wrapping router error.
func WithSubgraphErrorPropagation(propagateErrors, propagateStatusCodes bool) ResolverOption {
	return func(r *Resolver) {
		r.propagateSubgraphErrors = propagateErrors
		r.propagateSubgraphStatusCodes = propagateStatusCodes
	}
}

// WithSubgraphErrorPropagationMode selects wrapped or pass-through rendering
// of subgraph errors.
func WithSubgraphErrorPropagationMode(mode SubgraphErrorPropagationMode) ResolverOption {
	return func(r *Resolver) {
		r.propagationMode = mode
	}
}

func New(options ...ResolverOption) *Resolver {
	resolver := &Resolver{
		log:                    abstractlogger.NoopLogger,
		maxConcurrency:         DefaultMaxConcurrency,
		maxDeferredConcurrency: DefaultMaxDeferredConcurrency,
		heartbeatInterval:      DefaultHeartbeatInterval,
	}
	for _, option := range options {
		option(resolver)
	}
	return resolver
}

func (r *Resolver) newLoader(ctx *Context, snapshot *SubgraphsSnapshot, resolvable *Resolvable) *Loader {
	return &Loader{
		resolvable:                  resolvable,
		ctx:                         ctx,
		snapshot:                    snapshot,
		propagateSubgraphErrors:     r.propagateSubgraphErrors,
		propagateSubgraphStatusCode: r.propagateSubgraphStatusCodes,
		propagationMode:             r.propagationMode,
		maxConcurrency:              r.maxConcurrency,
	}
}

// ResolveGraphQLResponse executes the full plan, deferred blocks included,
// and writes one ordinary JSON response body. Used when the client did not
// negotiate incremental delivery.
func (r *Resolver) ResolveGraphQLResponse(ctx *Context, response *Response, snapshot *SubgraphsSnapshot, writer io.Writer) error {
	resolvable := NewResolvable()
	if err := resolvable.Init(nil); err != nil {
		return err
	}
	loader := r.newLoader(ctx, snapshot, resolvable)
	defer loader.Free()
	if err := loader.LoadGraphQLResponse(response); err != nil {
		return err
	}
	r.logSubgraphErrors(ctx, response)

	resolvable.Lock()
	defer resolvable.Unlock()
	body, err := r.renderResponseBody(response, resolvable)
	defer pool.BytesBuffer.Put(body)
	if err != nil {
		return err
	}
	_, err = writer.Write(body.Bytes())
	return err
}

// renderResponseBody renders {"data":...,"errors":[...]} against the response
// shape. Must be called with the tree lock held. The returned buffer must be
// returned to the pool by the caller.
func (r *Resolver) renderResponseBody(response *Response, resolvable *Resolvable) (*bytes.Buffer, error) {
	buf := pool.BytesBuffer.Get()
	_, _ = buf.WriteString(`{"data":`)
	invalid, err := resolvable.ResolveNode(response.Data, resolvable.Data(), resolvable.Errors(), nil, buf)
	if err != nil {
		return buf, fmt.Errorf("serializing response of operation %q: %w", response.OperationName, err)
	}
	if invalid {
		// the resolvable printed nothing, the root itself errored
		buf.Truncate(len(`{"data":`))
		_, _ = buf.Write(null)
	}
	if resolvable.hasErrors(resolvable.Errors()) {
		_, _ = buf.WriteString(`,"errors":`)
		_, _ = buf.Write(resolvable.Errors().MarshalTo(nil))
	}
	_, _ = buf.WriteString(`}`)
	return buf, nil
}

type deferredEvent struct {
	label string
	err   error
}

// ResolveIncremental executes the plan's primary portion, streams one
// multipart frame per completed deferred block, and terminates the stream.
// Heartbeat frames are written while idle. A cancelled ctx stops the stream
// without emitting further frames; in-flight deferred fetches unwind through
// their context.
func (r *Resolver) ResolveIncremental(ctx *Context, response *Response, snapshot *SubgraphsSnapshot, writer io.Writer) error {
	resolvable := NewResolvable()
	if err := resolvable.Init(nil); err != nil {
		return err
	}

	var deferredBlocks []plan.DeferredBlock
	loader := r.newLoader(ctx, snapshot, resolvable)
	defer loader.Free()
	loader.onDeferred = func(blocks []plan.DeferredBlock) error {
		deferredBlocks = append(deferredBlocks, blocks...)
		return nil
	}
	if err := loader.LoadGraphQLResponse(response); err != nil {
		return err
	}
	r.logSubgraphErrors(ctx, response)

	mw := &MultipartWriter{Writer: writer}

	resolvable.Lock()
	primary, err := r.renderPrimaryFrame(response, resolvable, len(deferredBlocks) > 0)
	resolvable.Unlock()
	if err != nil {
		pool.BytesBuffer.Put(primary)
		return err
	}
	err = mw.WriteJSON(primary.Bytes())
	pool.BytesBuffer.Put(primary)
	if err != nil {
		return err
	}
	r.flush(writer)

	if len(deferredBlocks) == 0 {
		return mw.Complete()
	}
	if err := r.streamDeferredFrames(ctx, response, resolvable, loader, deferredBlocks, mw, writer); err != nil {
		return err
	}
	return mw.Complete()
}

func (r *Resolver) streamDeferredFrames(ctx *Context, response *Response, resolvable *Resolvable, loader *Loader, blocks []plan.DeferredBlock, mw *MultipartWriter, writer io.Writer) error {
	done := make(map[string]chan struct{}, len(blocks))
	for _, block := range blocks {
		done[block.Label] = make(chan struct{})
	}
	events := make(chan deferredEvent, len(blocks))
	sem := semaphore.NewWeighted(int64(r.maxDeferredConcurrency))

	// workers load their block without scheduling nested deferred blocks
	// incrementally; anything nested resolves inline within the block
	workerLoader := *loader
	workerLoader.onDeferred = nil

	for _, block := range blocks {
		go func(block plan.DeferredBlock) {
			event := deferredEvent{label: block.Label}
			// dependents are always released, even when this block fails.
			// They load against whatever data is there, like later Sequence
			// steps after a failed fetch. The event is enqueued before the
			// close so that frames of dependent blocks cannot overtake this
			// one on the channel.
			defer close(done[block.Label])
			defer func() {
				events <- event
			}()
			for _, dep := range block.DependsOn {
				depDone, ok := done[dep]
				if !ok {
					event.err = fmt.Errorf("deferred block %q depends on unknown label %q", block.Label, dep)
					return
				}
				select {
				case <-depDone:
				case <-ctx.Context().Done():
					event.err = ctx.Context().Err()
					return
				}
			}
			if err := sem.Acquire(ctx.Context(), 1); err != nil {
				event.err = err
				return
			}
			event.err = workerLoader.LoadDeferredBlock(block)
			sem.Release(1)
		}(block)
	}

	var heartbeat <-chan time.Time
	if r.heartbeatInterval > 0 {
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	pending := len(blocks)
	for pending > 0 {
		select {
		case <-ctx.Context().Done():
			return ctx.Context().Err()
		case event := <-events:
			pending--
			if event.err != nil {
				if errors.Is(event.err, context.Canceled) || errors.Is(event.err, context.DeadlineExceeded) {
					return event.err
				}
				r.log.Error("deferred block failed",
					abstractlogger.String("label", event.label),
					abstractlogger.Error(event.err),
				)
				if pending == 0 {
					if err := mw.WriteJSON([]byte(`{"hasNext":false}`)); err != nil {
						return err
					}
					r.flush(writer)
				}
				continue
			}
			resolvable.Lock()
			frame, err := r.renderIncrementalFrame(response, resolvable, event.label, pending > 0)
			resolvable.Unlock()
			if err != nil {
				pool.BytesBuffer.Put(frame)
				return err
			}
			err = mw.WriteJSON(frame.Bytes())
			pool.BytesBuffer.Put(frame)
			if err != nil {
				return err
			}
			r.flush(writer)
		case <-heartbeat:
			if err := mw.WriteHeartbeat(); err != nil {
				return err
			}
			r.flush(writer)
		}
	}
	return nil
}

// renderPrimaryFrame renders {"data":...,"errors"?:[...],"hasNext":bool}.
// Must be called with the tree lock held. Errors accumulated so far are
// drained so later frames only carry their own.
func (r *Resolver) renderPrimaryFrame(response *Response, resolvable *Resolvable, hasNext bool) (*bytes.Buffer, error) {
	shape := response.Primary
	if shape == nil {
		shape = response.Data
	}
	buf := pool.BytesBuffer.Get()
	_, _ = buf.WriteString(`{"data":`)
	invalid, err := resolvable.ResolveNode(shape, resolvable.Data(), resolvable.Errors(), nil, buf)
	if err != nil {
		return buf, fmt.Errorf("serializing primary payload of operation %q: %w", response.OperationName, err)
	}
	if invalid {
		buf.Truncate(len(`{"data":`))
		_, _ = buf.Write(null)
	}
	if resolvable.hasErrors(resolvable.Errors()) {
		_, _ = buf.WriteString(`,"errors":`)
		_, _ = buf.Write(resolvable.Errors().MarshalTo(nil))
	}
	_, _ = buf.WriteString(`,"hasNext":`)
	_, _ = buf.WriteString(strconv.FormatBool(hasNext))
	_, _ = buf.WriteString(`}`)
	resolvable.drainErrors()
	return buf, nil
}

// renderIncrementalFrame renders one {"hasNext":...,"incremental":[...]}
// frame for the deferred block with the given label. List fan-out paths
// produce one incremental entry per concrete list element. Must be called
// with the tree lock held.
func (r *Resolver) renderIncrementalFrame(response *Response, resolvable *Resolvable, label string, hasNext bool) (*bytes.Buffer, error) {
	buf := pool.BytesBuffer.Get()
	shape := response.deferredShape(label)
	if shape == nil {
		return buf, fmt.Errorf("no deferred shape for label %q", label)
	}
	items := collectItemsAtPath(resolvable.Data(), shape.Path)
	if len(items) == 0 {
		// the anchor resolved to null, there is no position to attach a
		// payload to. No incremental key; errors accumulated in the tree
		// stay there for a later frame instead of being dropped.
		_, _ = buf.WriteString(`{"hasNext":`)
		_, _ = buf.WriteString(strconv.FormatBool(hasNext))
		_, _ = buf.WriteString(`}`)
		return buf, nil
	}

	_, _ = buf.WriteString(`{"hasNext":`)
	_, _ = buf.WriteString(strconv.FormatBool(hasNext))
	_, _ = buf.WriteString(`,"incremental":[`)
	drained := resolvable.drainErrors()
	for i, item := range items {
		if i != 0 {
			_, _ = buf.WriteString(`,`)
		}
		entryErrors := astjson.MustParse(`[]`)
		if i == 0 && drained != nil {
			for j, drainedError := range drained.GetArray() {
				entryErrors.SetArrayItem(nil, j, drainedError)
			}
		}
		_, _ = buf.WriteString(`{"data":`)
		invalid, err := resolvable.ResolveNode(shape.Shape, item.value, entryErrors, item.path, buf)
		if err != nil {
			return buf, fmt.Errorf("serializing deferred payload %q: %w", label, err)
		}
		if invalid {
			_, _ = buf.Write(null)
		}
		_, _ = buf.WriteString(`,"path":`)
		writeErrorPathJSON(buf, item.path)
		if label != "" {
			_, _ = buf.WriteString(`,"label":`)
			_, _ = buf.WriteString(strconv.Quote(label))
		}
		if resolvable.hasErrors(entryErrors) {
			_, _ = buf.WriteString(`,"errors":`)
			_, _ = buf.Write(entryErrors.MarshalTo(nil))
		}
		_, _ = buf.WriteString(`}`)
	}
	_, _ = buf.WriteString(`]}`)
	return buf, nil
}

type itemAtPath struct {
	value *astjson.Value
	path  []PathElement
}

// collectItemsAtPath resolves path from root, fanning out list segments into
// one item per element, each carrying its concrete path with indices.
func collectItemsAtPath(root *astjson.Value, path plan.Path) []itemAtPath {
	items := []itemAtPath{{value: root}}
	for _, segment := range path {
		next := make([]itemAtPath, 0, len(items))
		if segment == plan.ListSegment {
			for _, item := range items {
				if item.value.Type() != astjson.TypeArray {
					continue
				}
				for i, element := range item.value.GetArray() {
					if astjson.ValueIsNull(element) {
						continue
					}
					elementPath := append(append([]PathElement{}, item.path...), PathElement{Idx: i})
					next = append(next, itemAtPath{value: element, path: elementPath})
				}
			}
		} else {
			for _, item := range items {
				value := item.value.Get(segment)
				if astjson.ValueIsNull(value) {
					continue
				}
				fieldPath := append(append([]PathElement{}, item.path...), PathElement{Name: segment})
				next = append(next, itemAtPath{value: value, path: fieldPath})
			}
		}
		items = next
		if len(items) == 0 {
			return nil
		}
	}
	return items
}

func writeErrorPathJSON(buf *bytes.Buffer, path []PathElement) {
	_, _ = buf.WriteString(`[`)
	for i, element := range path {
		if i != 0 {
			_, _ = buf.WriteString(`,`)
		}
		if element.Name != "" {
			_, _ = buf.WriteString(strconv.Quote(element.Name))
		} else {
			_, _ = buf.WriteString(strconv.Itoa(element.Idx))
		}
	}
	_, _ = buf.WriteString(`]`)
}

func (r *Resolver) flush(writer io.Writer) {
	if flusher, ok := writer.(interface{ Flush() }); ok {
		flusher.Flush()
	}
}

func (r *Resolver) logSubgraphErrors(ctx *Context, response *Response) {
	if err := ctx.SubgraphErrors(); err != nil {
		r.log.Error("subgraph errors during execution",
			abstractlogger.String("operationName", response.OperationName),
			abstractlogger.Error(err),
		)
	}
}
