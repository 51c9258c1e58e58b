package compressor

import (
	"context"
	"strings"
	"testing"

	"chatgateway/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCounter_CountText(t *testing.T) {
	t.Parallel()
	tc := NewTokenCounter("gpt-4o")
	assert.Equal(t, 0, tc.CountText(""))
	assert.Greater(t, tc.CountText("hello world, this is a test sentence"), 0)
}

func TestTokenCounter_ProviderDetection(t *testing.T) {
	t.Parallel()
	assert.Equal(t, providerOpenAI, detectProvider("gpt-4o-mini"))
	assert.Equal(t, providerAnthropic, detectProvider("claude-3-5-sonnet-20241022"))
	assert.Equal(t, providerGoogle, detectProvider("gemini-1.5-pro"))
	assert.Equal(t, providerDefault, detectProvider("llama-3-70b"))
}

func TestGetModelContext_KnownModel(t *testing.T) {
	t.Parallel()
	cfg := GetModelContext("claude-3-5-sonnet-20241022", 0, 0)
	assert.Equal(t, 200000, cfg.ContextWindow)
	assert.Equal(t, 8192, cfg.OutputTokens)
	assert.InDelta(t, 0.90, cfg.TriggerThreshold, 0.001)
}

func TestGetModelContext_UnknownModelIsConservative(t *testing.T) {
	t.Parallel()
	cfg := GetModelContext("some-new-model", 0, 0)
	assert.Equal(t, 128000, cfg.ContextWindow)
	assert.InDelta(t, 0.85, cfg.TriggerThreshold, 0.001)
}

func TestGetModelContext_Override(t *testing.T) {
	t.Parallel()
	cfg := GetModelContext("claude-3-5-sonnet-20241022", 50000, 2000)
	assert.Equal(t, 50000, cfg.ContextWindow)
	assert.Equal(t, 2000, cfg.OutputTokens)
}

func bigMessages(n int, fill string) []llm.Message {
	msgs := make([]llm.Message, 0, n+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: "You are a helpful assistant."})
	for i := 0; i < n; i++ {
		msgs = append(msgs, llm.Message{Role: "user", Content: fill})
		msgs = append(msgs, llm.Message{Role: "assistant", Content: fill})
	}
	return msgs
}

func TestCompressor_NoCompressionUnderTrigger(t *testing.T) {
	t.Parallel()
	c := New("gpt-4o", DefaultConfig(), 0, 0)
	msgs := bigMessages(2, "short message")
	res := c.CompressIfNeeded(context.Background(), msgs)
	assert.False(t, res.WasCompressed())
	assert.Equal(t, msgs, res.Messages)
}

func TestCompressor_TriggersAndReachesTarget(t *testing.T) {
	t.Parallel()
	// Small override window forces compression quickly.
	cfg := DefaultConfig()
	c := New("gpt-4o", cfg, 20000, 4000)

	filler := strings.Repeat("word ", 2000) // 10,000 chars, roughly 2,000-2,500 tokens of filler per message
	msgs := bigMessages(20, filler)

	res := c.CompressIfNeeded(context.Background(), msgs)

	require.True(t, res.WasCompressed())
	assert.LessOrEqual(t, res.CompressedTokens, c.TargetLimit())
	assert.Greater(t, res.OriginalTokens, res.CompressedTokens)
	assert.NotEmpty(t, res.StrategiesApplied)
}

func TestCompressor_Disabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := New("gpt-4o", cfg, 1000, 200)
	msgs := bigMessages(50, strings.Repeat("word ", 2000))
	res := c.CompressIfNeeded(context.Background(), msgs)
	assert.False(t, res.WasCompressed())
	assert.Equal(t, msgs, res.Messages)
}

func TestHistoryTruncation_KeepsFirstAndLast(t *testing.T) {
	t.Parallel()
	tc := NewTokenCounter("gpt-4o")
	cfg := DefaultConfig()
	cfg.FirstMessagesToKeep = 1
	cfg.LastMessagesToKeep = 1

	msgs := []llm.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: strings.Repeat("middle ", 500)},
		{Role: "user", Content: strings.Repeat("middle ", 500)},
		{Role: "assistant", Content: "last"},
	}

	strat := HistoryTruncation{}
	pot := strat.EstimatePotential(msgs, tc, cfg)
	require.True(t, pot.HasPotential())

	res := strat.Compress(msgs, tc, pot.CompressibleTokens, cfg)
	assert.Equal(t, "first", res.Messages[0].Content)
	assert.Equal(t, "last", res.Messages[len(res.Messages)-1].Content)
	assert.Greater(t, res.TokensReduced, 0)
}

func TestAttachmentTruncation_TruncatesLongBlocks(t *testing.T) {
	t.Parallel()
	tc := NewTokenCounter("gpt-4o")
	cfg := DefaultConfig()
	cfg.MinAttachmentLength = 50

	attachment := "[Attachment 1 - report.pdf]" + strings.Repeat("data ", 5000)
	msgs := []llm.Message{
		{Role: "user", Content: attachment},
	}

	strat := AttachmentTruncation{}
	pot := strat.EstimatePotential(msgs, tc, cfg)
	require.True(t, pot.HasPotential())

	res := strat.Compress(msgs, tc, pot.CompressibleTokens/2, cfg)
	assert.Less(t, len(res.Messages[0].Content), len(attachment))
	assert.Contains(t, res.Messages[0].Content, "[Attachment 1 - report.pdf]")
}

func TestToolResultTruncation_TruncatesToolMessages(t *testing.T) {
	t.Parallel()
	tc := NewTokenCounter("gpt-4o")
	cfg := DefaultConfig()

	msgs := []llm.Message{
		{Role: "tool", Content: strings.Repeat("output line\n", 2000), ToolID: "call-1"},
	}

	strat := ToolResultTruncation{}
	pot := strat.EstimatePotential(msgs, tc, cfg)
	require.True(t, pot.HasPotential())

	res := strat.Compress(msgs, tc, pot.CompressibleTokens/2, cfg)
	assert.Less(t, len(res.Messages[0].Content), len(msgs[0].Content))
}
