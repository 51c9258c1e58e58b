package tools

import (
	"context"

	"chatgateway/internal/llm"
)

// Tools that need to call back into the model (agent delegation,
// evaluation, image generation fallbacks) read the active provider from
// context rather than taking a constructor dependency, since the
// registry itself has no notion of "current provider".
type providerKey struct{}

// WithProvider attaches the active LLM provider to ctx for the duration
// of a dispatch, so nested tools can issue their own model calls.
func WithProvider(ctx context.Context, p llm.Provider) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, providerKey{}, p)
}

// ProviderFromContext returns the provider set by WithProvider, or nil.
func ProviderFromContext(ctx context.Context) llm.Provider {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(providerKey{}); v != nil {
		if p, ok := v.(llm.Provider); ok {
			return p
		}
	}
	return nil
}
