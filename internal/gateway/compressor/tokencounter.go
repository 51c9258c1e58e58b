// Package compressor implements the message-history compression pipeline:
// token counting, per-strategy truncation, and the weighted/forced
// escalation algorithm that keeps a conversation under a model's context
// window.
package compressor

import (
	"context"
	"strings"
	"sync"

	"chatgateway/internal/llm"

	"github.com/pkoukk/tiktoken-go"
)

// provider is the coarse model family used to pick a chars-per-token and
// per-image token estimate when an exact tokenizer isn't available.
type provider string

const (
	providerOpenAI    provider = "openai"
	providerAnthropic provider = "anthropic"
	providerGoogle    provider = "google"
	providerDefault   provider = "default"
)

var charsPerToken = map[provider]float64{
	providerOpenAI:    4.0,
	providerAnthropic: 3.5,
	providerGoogle:    4.0,
	providerDefault:   4.0,
}

var tokensPerImage = map[provider]int{
	providerOpenAI:    765,
	providerAnthropic: 1600,
	providerGoogle:    1000,
	providerDefault:   1000,
}

func detectProvider(modelID string) provider {
	m := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1-"), strings.HasPrefix(m, "o3-"), strings.HasPrefix(m, "chatgpt-"):
		return providerOpenAI
	case strings.HasPrefix(m, "claude-"):
		return providerAnthropic
	case strings.HasPrefix(m, "gemini-"):
		return providerGoogle
	default:
		return providerDefault
	}
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// cl100kEncoding lazily loads the cl100k_base BPE encoding shared by all
// TokenCounters. It is a reasonable approximation for every provider, not
// just OpenAI's, so it is used whenever available; character-based
// estimation is the fallback when it can't be loaded (offline, for
// instance).
func cl100kEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// TokenCounter estimates token usage for a model's messages. It prefers an
// exact BPE encoding (tiktoken's cl100k_base) and falls back to
// character-per-token heuristics tuned per provider family.
type TokenCounter struct {
	modelID  string
	provider provider
	enc      *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given model identifier (e.g.
// "claude-3-5-sonnet-20241022", "gpt-4o", "gemini-1.5-pro").
func NewTokenCounter(modelID string) *TokenCounter {
	return &TokenCounter{
		modelID:  modelID,
		provider: detectProvider(modelID),
		enc:      cl100kEncoding(),
	}
}

func (tc *TokenCounter) charsPerToken() float64 {
	if v, ok := charsPerToken[tc.provider]; ok {
		return v
	}
	return charsPerToken[providerDefault]
}

func (tc *TokenCounter) tokensPerImage() int {
	if v, ok := tokensPerImage[tc.provider]; ok {
		return v
	}
	return tokensPerImage[providerDefault]
}

// CountText returns the token count of a text string.
func (tc *TokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if tc.enc != nil {
		return len(tc.enc.Encode(text, nil, nil))
	}
	return int(float64(len([]rune(text))) / tc.charsPerToken())
}

// CountImage estimates token usage for an inline image, doubling the
// per-image baseline for anything over 1MB of raw bytes.
func (tc *TokenCounter) CountImage(imageBytes int) int {
	base := tc.tokensPerImage()
	if imageBytes > 1024*1024 {
		return base * 2
	}
	return base
}

// CountMessage returns the token count for a single message, including a
// small per-message formatting overhead and any attached images.
func (tc *TokenCounter) CountMessage(msg llm.Message) int {
	tokens := 2 // role tokens
	tokens += tc.CountText(msg.Content)
	for _, img := range msg.Images {
		tokens += tc.CountImage(len(img.Data))
	}
	return tokens
}

// CountMessages returns the total token count across a conversation,
// including per-message formatting overhead.
func (tc *TokenCounter) CountMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += tc.CountMessage(m)
	}
	total += len(msgs) * 3
	return total
}

// EstimateRemaining returns the tokens left in contextLimit after msgs.
func (tc *TokenCounter) EstimateRemaining(msgs []llm.Message, contextLimit int) int {
	used := tc.CountMessages(msgs)
	if remaining := contextLimit - used; remaining > 0 {
		return remaining
	}
	return 0
}

// IsOverLimit reports whether msgs exceed contextLimit tokens.
func (tc *TokenCounter) IsOverLimit(msgs []llm.Message, contextLimit int) bool {
	return tc.CountMessages(msgs) > contextLimit
}

// CountTokens implements llm.Tokenizer, letting a TokenCounter stand in
// for a provider-native tokenizer wherever one hasn't been wired up.
func (tc *TokenCounter) CountTokens(_ context.Context, text string) (int, error) {
	return tc.CountText(text), nil
}

// CountMessagesTokens implements llm.Tokenizer.
func (tc *TokenCounter) CountMessagesTokens(_ context.Context, msgs []llm.Message) (int, error) {
	return tc.CountMessages(msgs), nil
}

var _ llm.Tokenizer = (*TokenCounter)(nil)
