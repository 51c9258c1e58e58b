package knowledge

import (
	"context"
	"fmt"
	"sync"
)

// defaultMaxCallsPerConversation is used when a KnowledgeBase's
// MaxCallsPerConversation is unset (zero value means "not configured",
// not "unlimited" — spec §4.3 says the max is always "fetched per-KB from
// the backend", so an unset value falls back to a conservative default
// rather than allowing unbounded calls).
const defaultMaxCallsPerConversation = 20

// Refusal is the structured response returned once a conversation exceeds
// its KB exploration-tool budget (spec §4.3 "Per-call limits"). The agent
// is expected to acknowledge it rather than retry.
type Refusal struct {
	Refused bool   `json:"refused"`
	Reason  string `json:"reason"`
	Limit   int    `json:"limit"`
	Used    int    `json:"used"`
}

// CallCounter enforces the shared per-conversation call budget across
// kb_ls, kb_head, and knowledge_base_search (spec §4.3). One counter
// instance is scoped to a single conversation (task_id); the agent loop's
// wiring layer creates one per task and reuses it across turns and tool
// names.
type CallCounter struct {
	store Store

	mu     sync.Mutex
	counts map[string]int // kb_id -> calls made this conversation
}

func NewCallCounter(store Store) *CallCounter {
	return &CallCounter{store: store, counts: make(map[string]int)}
}

// CheckAndIncrement charges one call of toolName against kbID's budget.
// On success it returns (Refusal{}, true). Once the cap is exceeded it
// returns a populated Refusal and false, and does not charge further
// calls beyond the cap (the counter saturates rather than growing
// unbounded).
func (c *CallCounter) CheckAndIncrement(ctx context.Context, kbID, toolName string) (Refusal, bool, error) {
	kb, err := c.store.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return Refusal{}, false, err
	}
	limit := kb.MaxCallsPerConversation
	if limit <= 0 {
		limit = defaultMaxCallsPerConversation
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	used := c.counts[kbID]
	if used >= limit {
		return Refusal{
			Refused: true,
			Reason:  fmt.Sprintf("%s refused: knowledge base %q has reached its %d-call exploration limit for this conversation", toolName, kbID, limit),
			Limit:   limit,
			Used:    used,
		}, false, nil
	}
	c.counts[kbID] = used + 1
	return Refusal{}, true, nil
}
