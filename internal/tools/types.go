package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatgateway/internal/llm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// defaultDispatchTimeout bounds any single tool call that doesn't bring its
// own deadline, so a hung tool can't stall an agent step indefinitely.
const defaultDispatchTimeout = 60 * time.Second

// Tool is an executable capability the agent can call.
type Tool interface {
	Name() string
	JSONSchema() map[string]any
	Call(ctx context.Context, raw json.RawMessage) (any, error)
}

// Registry keeps track of tools and dispatches calls by name.
type Registry interface {
	Schemas() []llm.ToolSchema
	Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error)
	Register(t Tool)
	Unregister(name string)
}

// SilentExit is implemented by tool errors that should terminate the current
// agent turn without producing an assistant answer (an MCP tool returning the
// `{"__silent_exit__": true}` sentinel). Callers use errors.As against this
// interface rather than a concrete type, so packages that never import
// mcpclient can still recognize the condition.
type SilentExit interface {
	error
	SilentExitReason() string
}

type defaultRegistry struct {
	mu     sync.RWMutex
	byName map[string]Tool

	callCounter otelmetric.Int64Counter
	durHist     otelmetric.Int64Histogram
}

// NewRegistry returns a basic in-memory registry.
func NewRegistry() Registry {
	meter := otel.Meter("internal/tools")
	callCounter, _ := meter.Int64Counter("tools.calls.total", otelmetric.WithDescription("Tool dispatch calls by tool and status"))
	durHist, _ := meter.Int64Histogram("tools.call.duration.ms", otelmetric.WithDescription("Tool dispatch duration by tool"))
	return &defaultRegistry{
		byName:      make(map[string]Tool),
		callCounter: callCounter,
		durHist:     durHist,
	}
}

func (r *defaultRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[t.Name()] = t
}

func (r *defaultRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
}

func (r *defaultRegistry) lookup(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (r *defaultRegistry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.byName))
	for name, t := range r.byName {
		schema := t.JSONSchema()
		out = append(out, llm.ToolSchema{
			Name:        name,
			Description: strFrom(schema["description"]),
			Parameters:  mapFrom(schema["parameters"]),
		})
	}
	return out
}

func (r *defaultRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
	tracer := otel.Tracer("internal/tools")
	ctx, span := tracer.Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	t := r.lookup(name)
	if t == nil {
		r.recordCall(ctx, name, "not_found", 0)
		return []byte(`{"error":"tool not found"}`), nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDispatchTimeout)
		defer cancel()
	}

	start := time.Now()
	val, err := callIsolated(ctx, t, raw)
	dur := time.Since(start)

	if err != nil {
		r.recordCall(ctx, name, "error", dur)
		span.SetAttributes(attribute.Bool("tool.error", true))
		var se SilentExit
		if errors.As(err, &se) {
			// Surface silent-exit sentinels to the caller instead of folding
			// them into an {"ok":false} payload: the agent loop needs to
			// distinguish "tool failed" from "tool asked the turn to end".
			return nil, err
		}
		b, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
		return b, nil
	}
	r.recordCall(ctx, name, "ok", dur)
	b, _ := json.Marshal(val)
	return b, nil
}

func (r *defaultRegistry) recordCall(ctx context.Context, name, status string, dur time.Duration) {
	attrs := otelmetric.WithAttributes(attribute.String("tool.name", name), attribute.String("tool.status", status))
	if r.callCounter != nil {
		r.callCounter.Add(ctx, 1, attrs)
	}
	if r.durHist != nil {
		r.durHist.Record(ctx, dur.Milliseconds(), attrs)
	}
}

// callIsolated invokes a tool's Call, converting panics into a formatted
// error so one misbehaving tool can't take down the agent loop.
func callIsolated(ctx context.Context, t Tool, raw json.RawMessage) (val any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %q panicked: %v", t.Name(), rec)
		}
	}()
	return t.Call(ctx, raw)
}

func strFrom(v any) string         { s, _ := v.(string); return s }
func mapFrom(v any) map[string]any { m, _ := v.(map[string]any); return m }
