package streamlifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"chatgateway/internal/persistence"
)

// ResumeFrame is one SSE-ready frame of a resumed stream (spec §6
// "HTTP surface", §4.8 "Resume").
type ResumeFrame struct {
	Offset  int                        `json:"offset"`
	Content string                     `json:"content"`
	Done    bool                       `json:"done"`
	Result  *persistence.SubtaskResult `json:"result,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// Resume implements the offset-based resume algorithm (spec §4.8
// "Resume"). It streams frames onto emit until the subtask reaches a
// terminal state or ctx is cancelled, then always releases any
// subscription it opened.
func (m *Manager) Resume(ctx context.Context, subtaskID string, offset int, emit func(ResumeFrame) error) error {
	sub, err := m.Store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}

	if sub.Status == persistence.SubtaskCompleted {
		return emit(terminalFrame(offset, sub.Result))
	}
	if sub.Status == persistence.SubtaskFailed {
		return emit(ResumeFrame{Offset: offset, Done: true, Error: sub.ErrorMessage, Result: &sub.Result})
	}

	// RUNNING or PENDING: step 1, emit whatever is cached beyond offset.
	cached := sub.Result.Value
	if m.Cache != nil {
		if v, ok, err := m.Cache.Get(ctx, contentCacheKey(subtaskID)); err == nil && ok {
			cached = v
		}
	}
	if offset < len(cached) {
		if err := emit(ResumeFrame{Offset: offset, Content: cached[offset:]}); err != nil {
			return err
		}
		offset = len(cached)
	}

	// Step 2: re-check status in case completion happened between the
	// initial read and the cache read above.
	sub, err = m.Store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if sub.Status == persistence.SubtaskCompleted || sub.Status == persistence.SubtaskFailed {
		return m.emitTerminal(sub, offset, emit)
	}

	if m.Cache == nil {
		// No Pub/Sub substrate: fall back to polling durable state
		// (spec §7 "Cache/Pub-Sub unavailability at resume time").
		return m.pollUntilTerminal(ctx, subtaskID, offset, emit)
	}

	// Step 3: subscribe and forward chunks with a running offset.
	subscription := m.Cache.Subscribe(ctx, streamChannel(subtaskID))
	defer subscription.Close() // guaranteed-release per spec §4.8

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-subscription.Messages():
			if !ok {
				return m.pollUntilTerminal(ctx, subtaskID, offset, emit)
			}
			if isDoneEnvelope(msg) {
				var env doneEnvelope
				if err := json.Unmarshal([]byte(msg), &env); err == nil {
					return emit(ResumeFrame{Offset: offset, Done: true, Result: &env.Result})
				}
			}
			if msg == legacyDoneMarker {
				// Legacy marker: re-read durable state to reconstruct
				// the final result (spec §4.8 "Completion envelope").
				sub, err := m.Store.GetSubtask(ctx, subtaskID)
				if err != nil {
					return err
				}
				return m.emitTerminal(sub, offset, emit)
			}
			if err := emit(ResumeFrame{Offset: offset, Content: msg}); err != nil {
				return err
			}
			offset += len(msg)
		case <-time.After(resumeSilentInterval):
			// Step 4: 2s silent interval, re-verify durable status to
			// recover from a missed completion envelope.
			sub, err := m.Store.GetSubtask(ctx, subtaskID)
			if err != nil {
				log.Debug().Err(err).Str("subtask_id", subtaskID).Msg("streamlifecycle: resume status re-check failed")
				continue
			}
			if sub.Status == persistence.SubtaskCompleted || sub.Status == persistence.SubtaskFailed {
				return m.emitTerminal(sub, offset, emit)
			}
		}
	}
}

func isDoneEnvelope(msg string) bool {
	return len(msg) > 0 && msg[0] == '{' && json.Valid([]byte(msg))
}

func (m *Manager) emitTerminal(sub persistence.Subtask, offset int, emit func(ResumeFrame) error) error {
	if sub.Status == persistence.SubtaskFailed {
		return emit(ResumeFrame{Offset: offset, Done: true, Error: sub.ErrorMessage, Result: &sub.Result})
	}
	return emit(terminalFrame(offset, sub.Result))
}

func terminalFrame(offset int, result persistence.SubtaskResult) ResumeFrame {
	content := result.Value
	if offset < len(content) {
		content = content[offset:]
	} else {
		content = ""
	}
	return ResumeFrame{Offset: offset, Content: content, Done: true, Result: &result}
}

// pollUntilTerminal is the durable-state-only fallback used when the
// cache/Pub-Sub substrate is unavailable or closes unexpectedly.
func (m *Manager) pollUntilTerminal(ctx context.Context, subtaskID string, offset int, emit func(ResumeFrame) error) error {
	ticker := time.NewTicker(resumeSilentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sub, err := m.Store.GetSubtask(ctx, subtaskID)
			if err != nil {
				return err
			}
			if len(sub.Result.Value) > offset {
				if err := emit(ResumeFrame{Offset: offset, Content: sub.Result.Value[offset:]}); err != nil {
					return err
				}
				offset = len(sub.Result.Value)
			}
			if sub.Status == persistence.SubtaskCompleted || sub.Status == persistence.SubtaskFailed {
				return m.emitTerminal(sub, offset, emit)
			}
		}
	}
}
