package compressor

import (
	"context"

	"chatgateway/internal/llm"
	"chatgateway/internal/observability"
)

// maxWeightedIterations bounds Phase 2's potential-based reallocation
// rounds (spec §4.2).
const maxWeightedIterations = 2

// Result describes the outcome of a compress-if-needed pass.
type Result struct {
	Messages          []llm.Message
	OriginalTokens    int
	CompressedTokens  int
	StrategiesApplied []string
	Details           map[string]any
}

// WasCompressed reports whether any strategy actually ran.
func (r Result) WasCompressed() bool { return len(r.StrategiesApplied) > 0 }

// TokensSaved is the delta between original and compressed token counts.
func (r Result) TokensSaved() int { return r.OriginalTokens - r.CompressedTokens }

type allocation struct {
	strategy Strategy
	pot      Potential
	tokens   int
}

// Compressor applies History/Attachment/Tool-result truncation strategies
// to keep a conversation's message history within a model's context
// window (spec §4.2).
type Compressor struct {
	modelID    string
	cfg        Config
	modelCtx   ModelContext
	counter    *TokenCounter
	strategies []Strategy
}

// New builds a Compressor for modelID. overrideWindow/overrideOutput let a
// caller supply the model's own declared context_window/max_output_tokens
// (spec §6); pass 0 to use the built-in lookup table.
func New(modelID string, cfg Config, overrideWindow, overrideOutput int) *Compressor {
	return &Compressor{
		modelID:  modelID,
		cfg:      cfg,
		modelCtx: GetModelContext(modelID, overrideWindow, overrideOutput),
		counter:  NewTokenCounter(modelID),
		strategies: []Strategy{
			HistoryTruncation{},
			AttachmentTruncation{},
			ToolResultTruncation{},
		},
	}
}

// TriggerLimit is the token count that triggers compression.
func (c *Compressor) TriggerLimit() int { return c.modelCtx.TriggerLimit() }

// TargetLimit is the token count compression aims to reach.
func (c *Compressor) TargetLimit() int { return c.modelCtx.TargetLimit() }

// CountTokens counts tokens in msgs using the compressor's tokenizer.
func (c *Compressor) CountTokens(msgs []llm.Message) int { return c.counter.CountMessages(msgs) }

// IsOverLimit reports whether msgs exceed the trigger limit.
func (c *Compressor) IsOverLimit(msgs []llm.Message) bool {
	return c.counter.IsOverLimit(msgs, c.TriggerLimit())
}

func (c *Compressor) estimatePotentials(msgs []llm.Message) []allocation {
	out := make([]allocation, 0, len(c.strategies))
	for _, s := range c.strategies {
		out = append(out, allocation{strategy: s, pot: s.EstimatePotential(msgs, c.counter, c.cfg)})
	}
	return out
}

// allocateTokens distributes tokensToReduce across allocations
// proportional to weight*potential, capped at each strategy's own
// potential, with any rounding remainder redistributed to strategies that
// still have headroom (spec §4.2 Phase 2).
func allocateTokens(allocs []allocation, tokensToReduce int) []allocation {
	var totalWeighted float64
	for _, a := range allocs {
		if a.pot.HasPotential() {
			totalWeighted += a.strategy.Weight() * float64(a.pot.CompressibleTokens)
		}
	}
	if totalWeighted == 0 {
		return allocs
	}

	remaining := tokensToReduce
	for i := range allocs {
		if !allocs[i].pot.HasPotential() {
			continue
		}
		weighted := allocs[i].strategy.Weight() * float64(allocs[i].pot.CompressibleTokens)
		proportion := weighted / totalWeighted
		allocated := int(float64(tokensToReduce) * proportion)
		if allocated > allocs[i].pot.CompressibleTokens {
			allocated = allocs[i].pot.CompressibleTokens
		}
		allocs[i].tokens = allocated
		remaining -= allocated
	}

	if remaining > 0 {
		for i := range allocs {
			if !allocs[i].pot.HasPotential() {
				continue
			}
			capacity := allocs[i].pot.CompressibleTokens - allocs[i].tokens
			if capacity <= 0 {
				continue
			}
			add := remaining
			if add > capacity {
				add = capacity
			}
			allocs[i].tokens += add
			remaining -= add
			if remaining <= 0 {
				break
			}
		}
	}
	return allocs
}

// CompressIfNeeded applies compression when msgs exceed the trigger
// limit, following the three-phase algorithm: sequential application,
// weighted-proportional reallocation (up to 2 rounds), then forced
// escalating truncation as a last resort that guarantees the target is
// reached (spec §4.2).
func (c *Compressor) CompressIfNeeded(ctx context.Context, msgs []llm.Message) Result {
	log := observability.LoggerWithTrace(ctx)

	if !c.cfg.Enabled {
		return Result{Messages: msgs}
	}

	originalTokens := c.counter.CountMessages(msgs)
	if originalTokens <= c.TriggerLimit() {
		return Result{Messages: msgs, OriginalTokens: originalTokens, CompressedTokens: originalTokens}
	}

	current := msgs
	var applied []string
	details := map[string]any{}
	target := c.TargetLimit()

	// Phase 1: sequential application, stop as soon as target is reached.
	for _, strategy := range c.strategies {
		currentTokens := c.counter.CountMessages(current)
		if currentTokens <= target {
			break
		}
		tokensToReduce := currentTokens - target
		pot := strategy.EstimatePotential(current, c.counter, c.cfg)
		if !pot.HasPotential() {
			continue
		}
		res := strategy.Compress(current, c.counter, tokensToReduce, c.cfg)
		newTokens := c.counter.CountMessages(res.Messages)
		if saved := currentTokens - newTokens; saved > 0 {
			current = res.Messages
			applied = append(applied, strategy.Name())
			details["phase1_"+strategy.Name()] = res.Details
			log.Debug().Str("strategy", strategy.Name()).Int("saved", saved).Msg("compressor_phase1_applied")
		}
	}

	// Phase 2: weighted-proportional reallocation over remaining potential.
	currentTokens := c.counter.CountMessages(current)
	for iter := 0; iter < maxWeightedIterations && currentTokens > target; iter++ {
		allocs := c.estimatePotentials(current)
		var totalPotential int
		for _, a := range allocs {
			if a.pot.HasPotential() {
				totalPotential += a.pot.CompressibleTokens
			}
		}
		if totalPotential == 0 {
			break
		}

		allocs = allocateTokens(allocs, currentTokens-target)
		for _, a := range allocs {
			if a.tokens <= 0 {
				continue
			}
			before := c.counter.CountMessages(current)
			res := a.strategy.Compress(current, c.counter, a.tokens, c.cfg)
			after := c.counter.CountMessages(res.Messages)
			if saved := before - after; saved > 0 {
				current = res.Messages
				if !contains(applied, a.strategy.Name()) {
					applied = append(applied, a.strategy.Name())
				}
				details["phase2_iter"+itoa(iter+1)+"_"+a.strategy.Name()] = res.Details
			}
		}
		currentTokens = c.counter.CountMessages(current)
	}

	// Phase 3: forced escalating truncation, guaranteeing the target.
	currentTokens = c.counter.CountMessages(current)
	if currentTokens > target {
		log.Warn().Int("current", currentTokens).Int("target", target).Msg("compressor_forcing_compression")
		forced, forcedDetails := forceCompressionToTarget(current, c.counter, target)
		current = forced
		details["phase3_forced"] = forcedDetails
		if !contains(applied, "forced_truncation") {
			applied = append(applied, "forced_truncation")
		}
	}

	compressedTokens := c.counter.CountMessages(current)
	log.Info().
		Int("original_tokens", originalTokens).
		Int("compressed_tokens", compressedTokens).
		Strs("strategies", applied).
		Msg("compressor_complete")

	return Result{
		Messages:          current,
		OriginalTokens:    originalTokens,
		CompressedTokens:  compressedTokens,
		StrategiesApplied: applied,
		Details:           details,
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// forceCompressionToTarget is the last-resort escalation: truncate
// content aggressively, then drop middle messages, then truncate again
// more aggressively, then even truncate system messages, then finally
// keep only the first and last conversational turn (spec §4.2 Phase 3).
func forceCompressionToTarget(msgs []llm.Message, tc *TokenCounter, target int) ([]llm.Message, map[string]any) {
	details := map[string]any{"actions": []string{}}
	addAction := func(a string) {
		details["actions"] = append(details["actions"].([]string), a)
	}

	current := tc.CountMessages(msgs)
	if current <= target {
		return msgs, details
	}

	system, conv := splitSystem(msgs)

	// Step 1: aggressively truncate all non-system content over 500 chars.
	step1 := make([]llm.Message, len(conv))
	for i, m := range conv {
		step1[i] = m
		if len(m.Content) > 500 {
			step1[i].Content = m.Content[:300] + "\n\n[... content truncated to fit context limit ...]\n\n" + m.Content[len(m.Content)-100:]
		}
	}
	result := append(append([]llm.Message{}, system...), step1...)
	current = tc.CountMessages(result)
	addAction("truncated_content: " + itoa(current) + " tokens")
	if current <= target {
		details["final_tokens"] = current
		return result, details
	}

	// Step 2: remove middle messages progressively (keep >= 2 first, 3 last).
	const minFirst, minLast = 2, 3
	working := append([]llm.Message{}, step1...)
	for current > target && len(working) > minFirst+minLast {
		mid := len(working) / 2
		removed := working[mid]
		working = append(working[:mid], working[mid+1:]...)
		addAction("removed_middle_message: role=" + removed.Role)
		result = append(append([]llm.Message{}, system...), working...)
		current = tc.CountMessages(result)
	}
	addAction("after_middle_removal: " + itoa(current) + " tokens")
	if current <= target {
		details["final_tokens"] = current
		return result, details
	}

	// Step 3: more aggressive content truncation (150/50 split).
	final := make([]llm.Message, len(working))
	for i, m := range working {
		final[i] = m
		if len(m.Content) > 200 {
			final[i].Content = m.Content[:150] + "\n[...truncated...]\n" + m.Content[len(m.Content)-50:]
		}
	}
	result = append(append([]llm.Message{}, system...), final...)
	current = tc.CountMessages(result)
	addAction("aggressive_truncation: " + itoa(current) + " tokens")

	// Step 4: truncate system messages too.
	if current > target {
		truncSystem := make([]llm.Message, len(system))
		for i, m := range system {
			truncSystem[i] = m
			if len(m.Content) > 1000 {
				truncSystem[i].Content = m.Content[:800] + "\n\n[... system prompt truncated ...]\n\n" + m.Content[len(m.Content)-100:]
			}
		}
		result = append(append([]llm.Message{}, truncSystem...), final...)
		current = tc.CountMessages(result)
		addAction("system_truncation: " + itoa(current) + " tokens")
	}

	// Step 5: last resort, keep only the first and last conversational turn.
	if current > target && len(final) > 2 {
		essential := []llm.Message{final[0], final[len(final)-1]}
		result = append(append([]llm.Message{}, system...), essential...)
		current = tc.CountMessages(result)
		addAction("essential_only: " + itoa(current) + " tokens")
	}

	details["final_tokens"] = current
	details["messages_kept"] = len(result)
	return result, details
}
