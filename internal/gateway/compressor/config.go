package compressor

import "strings"

// ModelContext describes a model's context window and the
// trigger/target thresholds compression uses against it (spec §4.2).
type ModelContext struct {
	ContextWindow    int
	OutputTokens     int
	TriggerThreshold float64 // fraction of available tokens that triggers compression
	TargetThreshold  float64 // fraction of available tokens compression aims for
}

// AvailableTokens is the context window minus the reserved output budget.
func (m ModelContext) AvailableTokens() int { return m.ContextWindow - m.OutputTokens }

// TriggerLimit is the token count that triggers compression.
func (m ModelContext) TriggerLimit() int {
	return int(float64(m.AvailableTokens()) * m.TriggerThreshold)
}

// TargetLimit is the token count compression aims to reach.
func (m ModelContext) TargetLimit() int {
	return int(float64(m.AvailableTokens()) * m.TargetThreshold)
}

// modelContextLimits holds built-in context-window defaults by model
// prefix, mirroring published provider documentation.
var modelContextLimits = map[string]ModelContext{
	"claude-3-5-sonnet": {ContextWindow: 200000, OutputTokens: 8192, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"claude-3-5-haiku":  {ContextWindow: 200000, OutputTokens: 8192, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"claude-3-opus":     {ContextWindow: 200000, OutputTokens: 4096, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"claude-3-sonnet":   {ContextWindow: 200000, OutputTokens: 4096, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"claude-3-haiku":    {ContextWindow: 200000, OutputTokens: 4096, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"claude-sonnet-4":   {ContextWindow: 200000, OutputTokens: 64000, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"claude-opus-4":     {ContextWindow: 200000, OutputTokens: 32000, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"gpt-4o":            {ContextWindow: 128000, OutputTokens: 16384, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"gpt-4o-mini":       {ContextWindow: 128000, OutputTokens: 16384, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"gpt-4-turbo":       {ContextWindow: 128000, OutputTokens: 4096, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"gpt-4":             {ContextWindow: 8192, OutputTokens: 4096, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"gpt-3.5-turbo":     {ContextWindow: 16385, OutputTokens: 4096, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"o1-mini":           {ContextWindow: 128000, OutputTokens: 65536, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"o1-preview":        {ContextWindow: 128000, OutputTokens: 32768, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"o1":                {ContextWindow: 200000, OutputTokens: 100000, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"o3-mini":           {ContextWindow: 200000, OutputTokens: 100000, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"o3":                {ContextWindow: 200000, OutputTokens: 100000, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"gemini-1.5-pro":    {ContextWindow: 2097152, OutputTokens: 8192, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"gemini-1.5-flash":  {ContextWindow: 1048576, OutputTokens: 8192, TriggerThreshold: 0.90, TargetThreshold: 0.70},
	"gemini-2.0-flash":  {ContextWindow: 1048576, OutputTokens: 8192, TriggerThreshold: 0.90, TargetThreshold: 0.70},
}

// GetModelContext resolves the context configuration for modelID.
// overrideWindow/overrideOutput, when > 0, take priority (a Model's own
// declared context_window/max_output_tokens, per spec §6 model config).
func GetModelContext(modelID string, overrideWindow, overrideOutput int) ModelContext {
	if overrideWindow > 0 {
		output := overrideOutput
		if output <= 0 {
			output = 4096
		}
		return ModelContext{ContextWindow: overrideWindow, OutputTokens: output, TriggerThreshold: 0.90, TargetThreshold: 0.70}
	}

	lower := strings.ToLower(modelID)
	if cfg, ok := modelContextLimits[lower]; ok {
		return cfg
	}
	for prefix, cfg := range modelContextLimits {
		if strings.HasPrefix(lower, prefix) {
			return cfg
		}
	}
	// Conservative default for unrecognized models.
	return ModelContext{ContextWindow: 128000, OutputTokens: 4096, TriggerThreshold: 0.85, TargetThreshold: 0.65}
}

// Config is the tunable behavior of the compressor (spec §4.2, wired from
// config.CompressionConfig).
type Config struct {
	Enabled               bool
	DefaultContextWindow  int
	FirstMessagesToKeep   int
	LastMessagesToKeep    int
	AttachmentTruncateLen int
	MinAttachmentLength   int
}

// DefaultConfig returns the built-in defaults (spec §4.2 defaults).
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		DefaultContextWindow:  128000,
		FirstMessagesToKeep:   2,
		LastMessagesToKeep:    10,
		AttachmentTruncateLen: 50000,
		MinAttachmentLength:   10000,
	}
}
