package compressor

import (
	"regexp"
	"strings"

	"chatgateway/internal/llm"
)

// Potential describes how much a strategy could reduce token usage by.
type Potential struct {
	CompressibleTokens int
	MinRetentionRatio  float64
}

// HasPotential reports whether the strategy has anything left to compress.
func (p Potential) HasPotential() bool { return p.CompressibleTokens > 0 }

// StrategyResult carries compressed messages plus bookkeeping about what
// changed, surfaced to callers for logging/telemetry.
type StrategyResult struct {
	Messages      []llm.Message
	TokensReduced int
	Details       map[string]any
}

// Strategy is one compression technique in the weighted-allocation
// pipeline (spec §4.2). Implementations must reduce EXACTLY the requested
// token count when possible, never more than necessary.
type Strategy interface {
	Name() string
	Weight() float64
	EstimatePotential(msgs []llm.Message, tc *TokenCounter, cfg Config) Potential
	Compress(msgs []llm.Message, tc *TokenCounter, tokensToReduce int, cfg Config) StrategyResult
}

// --- History truncation -----------------------------------------------

// HistoryTruncation removes middle messages from the conversation,
// keeping the first FirstMessagesToKeep and last LastMessagesToKeep,
// inserting a system notice where content was dropped.
type HistoryTruncation struct{}

const historyTruncationNotice = "[SYSTEM NOTICE: Earlier messages in this conversation have been " +
	"summarized to fit within context limits. The conversation continues from the most recent messages below.]"

func (HistoryTruncation) Name() string    { return "history_truncation" }
func (HistoryTruncation) Weight() float64 { return 2.0 }

func splitSystem(msgs []llm.Message) (system, conversation []llm.Message) {
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			conversation = append(conversation, m)
		}
	}
	return
}

func (HistoryTruncation) EstimatePotential(msgs []llm.Message, tc *TokenCounter, cfg Config) Potential {
	_, conv := splitSystem(msgs)
	first, last := cfg.FirstMessagesToKeep, cfg.LastMessagesToKeep
	if len(conv) <= first+last {
		return Potential{}
	}
	middle := conv[first : len(conv)-last]
	tokens := 0
	for _, m := range middle {
		tokens += tc.CountMessage(m)
	}
	return Potential{CompressibleTokens: tokens, MinRetentionRatio: 0.0}
}

func (HistoryTruncation) Compress(msgs []llm.Message, tc *TokenCounter, tokensToReduce int, cfg Config) StrategyResult {
	if tokensToReduce <= 0 {
		return StrategyResult{Messages: msgs, Details: map[string]any{"messages_removed": 0}}
	}

	system, conv := splitSystem(msgs)
	first, last := cfg.FirstMessagesToKeep, cfg.LastMessagesToKeep
	if len(conv) <= first+last {
		return StrategyResult{Messages: msgs, Details: map[string]any{"messages_removed": 0}}
	}

	firstMsgs := conv[:first]
	lastMsgs := conv[len(conv)-last:]
	middle := conv[first : len(conv)-last]

	removed := 0
	tokensRemoved := 0
	for _, m := range middle {
		if tokensRemoved >= tokensToReduce {
			break
		}
		tokensRemoved += tc.CountMessage(m)
		removed++
	}
	kept := middle[removed:]

	var result []llm.Message
	if removed > 0 {
		result = append(result, system...)
		result = append(result, firstMsgs...)
		result = append(result, llm.Message{Role: "system", Content: historyTruncationNotice})
		result = append(result, kept...)
		result = append(result, lastMsgs...)
	} else {
		result = msgs
	}

	return StrategyResult{
		Messages:      result,
		TokensReduced: tokensRemoved,
		Details: map[string]any{
			"messages_removed":    removed,
			"middle_messages_kept": len(kept),
			"tokens_reduced":      tokensRemoved,
		},
	}
}

// --- Attachment truncation ----------------------------------------------

// AttachmentTruncation shrinks embedded attachment/file-content blocks,
// keeping the beginning and end of each and replacing the middle with a
// truncation notice.
type AttachmentTruncation struct{}

const attachmentMinRetention = 0.02

var attachmentPattern = regexp.MustCompile(`(?s)\[(?:Attachment \d+|File Content)(?:\s*-\s*[^\]]+)?\](.*?)(\[(?:Attachment \d+|File Content)|$)`)

var attachmentMarkers = []string{
	"[Attachment",
	"[File Content",
	"--- Sheet:",
	"--- Slide",
	"[PDF Content]",
	"[Document Content]",
}

func (AttachmentTruncation) Name() string    { return "attachment_truncation" }
func (AttachmentTruncation) Weight() float64 { return 3.0 }

func hasAttachmentContent(content string) bool {
	for _, marker := range attachmentMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

func findAttachmentChars(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		if !hasAttachmentContent(m.Content) {
			continue
		}
		for _, match := range attachmentPattern.FindAllStringSubmatch(m.Content, -1) {
			if len(match) > 1 {
				total += len(match[1])
			}
		}
	}
	return total
}

func (AttachmentTruncation) EstimatePotential(msgs []llm.Message, tc *TokenCounter, cfg Config) Potential {
	totalChars := findAttachmentChars(msgs)
	if totalChars == 0 {
		return Potential{}
	}
	totalTokens := int(float64(totalChars) / tc.charsPerToken())
	compressible := int(float64(totalTokens) * (1.0 - attachmentMinRetention))
	return Potential{CompressibleTokens: compressible, MinRetentionRatio: attachmentMinRetention}
}

func (AttachmentTruncation) Compress(msgs []llm.Message, tc *TokenCounter, tokensToReduce int, cfg Config) StrategyResult {
	if tokensToReduce <= 0 || findAttachmentChars(msgs) == 0 {
		return StrategyResult{Messages: msgs, Details: map[string]any{"attachments_truncated": 0}}
	}

	originalTokens := tc.CountMessages(msgs)
	targetTokens := originalTokens - tokensToReduce

	applyRatio := func(ratio float64) []llm.Message {
		return truncateAttachments(msgs, ratio, cfg.MinAttachmentLength)
	}

	best, bestTokens := binarySearchRetention(msgs, tc, targetTokens, attachmentMinRetention, applyRatio)

	truncated, charsRemoved := countTruncated(msgs, best)
	return StrategyResult{
		Messages:      best,
		TokensReduced: originalTokens - bestTokens,
		Details: map[string]any{
			"attachments_truncated": truncated,
			"chars_removed":        charsRemoved,
			"tokens_reduced":       originalTokens - bestTokens,
		},
	}
}

func truncateAttachments(msgs []llm.Message, retentionRatio float64, minLength int) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		if !hasAttachmentContent(m.Content) {
			out[i] = m
			continue
		}
		out[i] = m
		out[i].Content = truncateAttachmentBlocks(m.Content, retentionRatio, minLength)
	}
	return out
}

func truncateAttachmentBlocks(content string, retentionRatio float64, minLength int) string {
	return attachmentPattern.ReplaceAllStringFunc(content, func(full string) string {
		sub := attachmentPattern.FindStringSubmatch(full)
		if len(sub) < 2 {
			return full
		}
		headerEnd := indexByte(full, ']') + 1
		if headerEnd <= 0 {
			return full
		}
		header := full[:headerEnd]
		inner := sub[1]
		originalLen := len(inner)
		targetLen := maxInt(minLength, int(float64(originalLen)*retentionRatio))
		if originalLen <= targetLen {
			return full
		}
		beginLen := int(float64(targetLen) * 0.6)
		endLen := targetLen - beginLen
		begin := inner[:beginLen]
		end := ""
		if endLen > 0 && endLen <= len(inner) {
			end = inner[len(inner)-endLen:]
		}
		notice := "\n\n[... Middle content truncated. Original: " + itoa(originalLen) +
			" chars, kept " + itoa(targetLen) + " chars, removed " + itoa(originalLen-targetLen) +
			" chars from middle ...]\n\n"
		return header + begin + notice + end
	})
}

// --- Tool-result truncation ----------------------------------------------

// ToolResultTruncation shrinks verbose tool output (role "tool" or content
// carrying common tool-result markers). Applied last, as it's the most
// disruptive to the model's sense of what actually happened.
type ToolResultTruncation struct{}

const toolResultMinRetention = 0.02

var toolResultMarkers = []string{"Tool Result:", "[Tool Output]", "```output", "Result:", "<tool_result>"}

func (ToolResultTruncation) Name() string    { return "tool_result_truncation" }
func (ToolResultTruncation) Weight() float64 { return 1.0 }

func isToolResult(m llm.Message) bool {
	if m.Role == "tool" {
		return true
	}
	for _, marker := range toolResultMarkers {
		if strings.Contains(m.Content, marker) {
			return true
		}
	}
	return false
}

func (ToolResultTruncation) EstimatePotential(msgs []llm.Message, tc *TokenCounter, cfg Config) Potential {
	total := 0
	for _, m := range msgs {
		if isToolResult(m) {
			total += tc.CountMessage(m)
		}
	}
	if total == 0 {
		return Potential{}
	}
	return Potential{
		CompressibleTokens: int(float64(total) * (1.0 - toolResultMinRetention)),
		MinRetentionRatio:  toolResultMinRetention,
	}
}

func (ToolResultTruncation) Compress(msgs []llm.Message, tc *TokenCounter, tokensToReduce int, cfg Config) StrategyResult {
	hasAny := false
	for _, m := range msgs {
		if isToolResult(m) {
			hasAny = true
			break
		}
	}
	if tokensToReduce <= 0 || !hasAny {
		return StrategyResult{Messages: msgs, Details: map[string]any{"tool_results_truncated": 0}}
	}

	originalTokens := tc.CountMessages(msgs)
	targetTokens := originalTokens - tokensToReduce

	applyRatio := func(ratio float64) []llm.Message {
		return truncateToolResults(msgs, ratio)
	}

	best, bestTokens := binarySearchRetention(msgs, tc, targetTokens, toolResultMinRetention, applyRatio)

	truncated, charsRemoved := countTruncated(msgs, best)
	return StrategyResult{
		Messages:      best,
		TokensReduced: originalTokens - bestTokens,
		Details: map[string]any{
			"tool_results_truncated": truncated,
			"chars_removed":         charsRemoved,
			"tokens_reduced":        originalTokens - bestTokens,
		},
	}
}

func truncateToolResults(msgs []llm.Message, retentionRatio float64) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if !isToolResult(m) {
			continue
		}
		originalLen := len(m.Content)
		targetLen := maxInt(100, int(float64(originalLen)*retentionRatio))
		if originalLen <= targetLen {
			continue
		}
		out[i].Content = truncateMiddle(m.Content, targetLen, "Tool output")
	}
	return out
}

func truncateMiddle(content string, targetLen int, label string) string {
	beginLen := int(float64(targetLen) * 0.6)
	endLen := targetLen - beginLen
	begin := content[:beginLen]
	end := ""
	if endLen > 0 && endLen <= len(content) {
		end = content[len(content)-endLen:]
	}
	notice := "\n\n[... " + label + " truncated. Original: " + itoa(len(content)) +
		" chars, removed " + itoa(len(content)-targetLen) + " chars from middle ...]\n\n"
	return begin + notice + end
}

// --- shared helpers -------------------------------------------------------

// binarySearchRetention finds the highest retention ratio (least
// aggressive compression) whose resulting token count is at or just below
// targetTokens, per spec §4.2's 15-iteration / within-5%-below rule.
func binarySearchRetention(
	msgs []llm.Message,
	tc *TokenCounter,
	targetTokens int,
	minRatio float64,
	apply func(ratio float64) []llm.Message,
) ([]llm.Message, int) {
	originalTokens := tc.CountMessages(msgs)
	low, high := minRatio, 1.0
	bestRatio := high
	best := msgs
	bestTokens := originalTokens

	const maxIterations = 15
	for i := 0; i < maxIterations; i++ {
		mid := (low + high) / 2
		compressed := apply(mid)
		current := tc.CountMessages(compressed)

		if current <= targetTokens && float64(current) >= float64(targetTokens)*0.95 {
			bestRatio, best, bestTokens = mid, compressed, current
			break
		}
		if current > targetTokens {
			high = mid
		} else {
			if current > bestTokens || bestTokens > targetTokens {
				bestRatio, best, bestTokens = mid, compressed, current
			}
			low = mid
		}
	}
	_ = bestRatio

	if bestTokens > targetTokens {
		best = apply(minRatio)
		bestTokens = tc.CountMessages(best)
	}
	return best, bestTokens
}

func countTruncated(original, compressed []llm.Message) (count int, charsRemoved int) {
	for i := range original {
		if i >= len(compressed) {
			break
		}
		if len(compressed[i].Content) < len(original[i].Content) {
			count++
			charsRemoved += len(original[i].Content) - len(compressed[i].Content)
		}
	}
	return
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
