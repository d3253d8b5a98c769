// Package functions routes voice agent function calls to handlers.
//
// The router is built once at startup from a static set of functions. Dispatch
// never fails: unknown names, handler errors and handler panics all come back
// as a result map with an "error" field, so every request the agent sends gets
// exactly one response.
package functions

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/internal/metrics"
)

// Handler runs a function with decoded JSON parameters.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Enricher fills parameters the agent omitted from the call's context. It
// must not overwrite keys that are already present.
type Enricher func(params map[string]any, sctx callbridge.SessionContext)

// Definition describes a function to the agent.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Function is a callable function.
type Function struct {
	Definition
	Handler Handler
	Enrich  Enricher
}

// Option configures a Router.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// Router maps function names to functions. It is immutable after
// construction and safe for concurrent use.
type Router struct {
	functions map[string]Function
	order     []string
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// NewRouter validates fns and builds a router.
func NewRouter(fns []Function, opts ...Option) (*Router, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	r := &Router{
		functions: make(map[string]Function, len(fns)),
		logger:    o.logger.With(zap.String("component", "functions")),
		metrics:   o.metrics,
	}
	for _, fn := range fns {
		if fn.Name == "" {
			return nil, errors.New("function name is required")
		}
		if fn.Handler == nil {
			return nil, fmt.Errorf("function %q has no handler", fn.Name)
		}
		if _, ok := r.functions[fn.Name]; ok {
			return nil, fmt.Errorf("function %q registered twice", fn.Name)
		}
		r.functions[fn.Name] = fn
		r.order = append(r.order, fn.Name)
	}
	return r, nil
}

// Definitions returns the function definitions in registration order.
func (r *Router) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.functions[name].Definition)
	}
	return defs
}

// Has reports whether name is registered.
func (r *Router) Has(name string) bool {
	_, ok := r.functions[name]
	return ok
}

// Dispatch runs the named function and always returns a result.
// params is not modified.
func (r *Router) Dispatch(ctx context.Context, name string, params map[string]any, sctx callbridge.SessionContext) map[string]any {
	fn, ok := r.functions[name]
	if !ok {
		r.logger.Warn("unknown function", zap.String("function", name))
		r.metrics.RecordFunctionCall(name, "unknown")
		return map[string]any{"error": fmt.Sprintf("unknown function: %s", name)}
	}

	args := copyParams(params)
	if fn.Enrich != nil {
		fn.Enrich(args, sctx)
	}

	result, err := r.invoke(ctx, fn, args)
	if err != nil {
		err = callbridge.NewError(callbridge.KindFunctionExecution, name, err)
		r.logger.Error("function failed", zap.String("function", name), zap.Error(err))
		r.metrics.RecordFunctionCall(name, "error")
		return map[string]any{"error": err.Error()}
	}

	r.metrics.RecordFunctionCall(name, "success")
	if result == nil {
		return map[string]any{}
	}
	return result
}

func (r *Router) invoke(ctx context.Context, fn Function, args map[string]any) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("function panicked",
				zap.String("function", fn.Name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			result, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return fn.Handler(ctx, args)
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
