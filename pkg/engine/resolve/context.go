package resolve

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/wundergraph/astjson"
)

// Context carries per-request state through one execution. It is owned by a
// single request and must not be shared across requests. Initialize via
// NewContext, not directly.
type Context struct {
	ctx context.Context

	// Variables are the coerced client operation variables.
	Variables *astjson.Value

	// Request carries client request metadata forwarded to subgraphs.
	Request Request

	// shared across WithContext copies, deferred tasks included
	errs *subgraphErrorList
}

type Request struct {
	// Header holds the client headers forwarded to subgraph requests.
	Header http.Header
}

type subgraphErrorList struct {
	mu   sync.Mutex
	errs []error
}

func NewContext(ctx context.Context) *Context {
	if ctx == nil {
		panic("nil context.Context")
	}
	return &Context{
		ctx:  ctx,
		errs: &subgraphErrorList{},
	}
}

func (c *Context) Context() context.Context {
	return c.ctx
}

func (c *Context) WithContext(ctx context.Context) *Context {
	if ctx == nil {
		panic("nil context.Context")
	}
	cpy := *c
	cpy.ctx = ctx
	return &cpy
}

func (c *Context) WithVariables(variables []byte) (*Context, error) {
	if len(variables) == 0 {
		return c, nil
	}
	parsed, err := astjson.ParseBytes(variables)
	if err != nil {
		return nil, err
	}
	cpy := *c
	cpy.Variables = parsed
	return &cpy, nil
}

func (c *Context) appendSubgraphError(err error) {
	c.errs.mu.Lock()
	defer c.errs.mu.Unlock()
	c.errs.errs = append(c.errs.errs, err)
}

// SubgraphErrors returns all subgraph failures recorded during execution,
// joined. Nil when every fetch succeeded.
func (c *Context) SubgraphErrors() error {
	c.errs.mu.Lock()
	defer c.errs.mu.Unlock()
	return errors.Join(c.errs.errs...)
}
