package streamlifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatgateway/internal/persistence"
)

const (
	cacheFlushInterval   = time.Second
	durableFlushInterval = 5 * time.Second
	contentCacheTTL      = 10 * time.Minute
	resumeSilentInterval = 2 * time.Second

	doneEnvelopeType  = "STREAM_DONE"
	legacyDoneMarker  = "__STREAM_DONE__"
)

func streamChannel(subtaskID string) string { return "stream:" + subtaskID }
func contentCacheKey(subtaskID string) string { return "streamcontent:" + subtaskID }

// doneEnvelope is the terminal Pub/Sub message (spec §4.8 "Completion
// envelope"). A subscriber that fails to unmarshal one of these treats the
// raw chunk as ordinary content.
type doneEnvelope struct {
	Type   string                    `json:"__type__"`
	Result persistence.SubtaskResult `json:"result"`
}

// Manager owns the per-subtask producer registry and resume/cancel
// operations. There is at most one live Producer per subtask_id at any
// time (spec §4.8 invariant); multiple Resume subscribers are fine.
type Manager struct {
	Store persistence.TaskStore
	Cache Cache // nil is valid: degrades to durable-only (no live fan-out)

	mu        sync.Mutex
	producers map[string]*Producer
}

func NewManager(store persistence.TaskStore, cache Cache) *Manager {
	return &Manager{Store: store, Cache: cache, producers: make(map[string]*Producer)}
}

// StartProducer creates the single producer for subtaskID. Callers must
// have already appended the PENDING assistant subtask via Store.
func (m *Manager) StartProducer(ctx context.Context, taskID, subtaskID string, groupChat bool, senderUserID int64, username string) *Producer {
	p := &Producer{
		manager:      m,
		taskID:       taskID,
		subtaskID:    subtaskID,
		groupChat:    groupChat,
		senderUserID: senderUserID,
		username:     username,
		lastCache:    time.Now(),
		lastDurable:  time.Now(),
	}
	m.mu.Lock()
	m.producers[subtaskID] = p
	m.mu.Unlock()
	if groupChat {
		m.publishTypingStatus(ctx, taskID, subtaskID, senderUserID, username, true)
	}
	return p
}

func (m *Manager) removeProducer(subtaskID string) {
	m.mu.Lock()
	delete(m.producers, subtaskID)
	m.mu.Unlock()
}

// publishTypingStatus emits a task_streaming_status entry so group-chat UIs
// can render "X is typing" (spec §4.8 "Group chat"). Best-effort: failures
// are logged and swallowed, this is UI sugar, not a correctness concern.
func (m *Manager) publishTypingStatus(ctx context.Context, taskID, subtaskID string, userID int64, username string, typing bool) {
	if m.Cache == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"subtask_id": subtaskID,
		"user_id":    userID,
		"username":   username,
		"typing":     typing,
	})
	if err := m.Cache.Publish(ctx, "task_streaming_status:"+taskID, string(payload)); err != nil {
		log.Debug().Err(err).Str("task_id", taskID).Msg("streamlifecycle: typing status publish failed")
	}
}

// Cancel implements POST /chat/cancel (spec §4.8 "Cancel"): flips the
// subtask to COMPLETED with whatever partial content the client forwards
// and flips the task back to COMPLETED so the thread is usable again.
// Never sets an error message, and is idempotent.
func (m *Manager) Cancel(ctx context.Context, subtaskID, partialContent string) error {
	sub, err := m.Store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if sub.Status == persistence.SubtaskCompleted || sub.Status == persistence.SubtaskFailed {
		return nil // already terminal: idempotent no-op
	}
	result := persistence.SubtaskResult{Value: partialContent, Incomplete: true}
	if err := m.Store.UpdateSubtaskContent(ctx, subtaskID, result, persistence.SubtaskCompleted); err != nil {
		return err
	}
	if err := m.Store.UpdateTaskStatus(ctx, sub.TaskID, persistence.TaskCompleted); err != nil {
		log.Warn().Err(err).Str("task_id", sub.TaskID).Msg("streamlifecycle: cancel could not flip task status")
	}
	m.publishDone(ctx, subtaskID, result)
	if p := m.producerFor(subtaskID); p != nil {
		p.cancel()
	}
	return nil
}

func (m *Manager) producerFor(subtaskID string) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.producers[subtaskID]
}

func (m *Manager) publishDone(ctx context.Context, subtaskID string, result persistence.SubtaskResult) {
	if m.Cache == nil {
		return
	}
	env, err := json.Marshal(doneEnvelope{Type: doneEnvelopeType, Result: result})
	if err != nil {
		return
	}
	if err := m.Cache.Publish(ctx, streamChannel(subtaskID), string(env)); err != nil {
		log.Debug().Err(err).Str("subtask_id", subtaskID).Msg("streamlifecycle: done publish failed")
	}
}

// StreamingContent implements GET /chat/streaming-content/{subtask_id}
// (spec §6) for refresh-recovery: returns the freshest content available
// without requiring the caller to hold a live subscription.
type StreamingContent struct {
	Content    string `json:"content"`
	Source     string `json:"source"` // "redis" | "database"
	Streaming  bool   `json:"streaming"`
	Status     string `json:"status"`
	Incomplete bool   `json:"incomplete"`
}

func (m *Manager) StreamingContent(ctx context.Context, subtaskID string) (StreamingContent, error) {
	sub, err := m.Store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return StreamingContent{}, err
	}
	if m.Cache != nil {
		if cached, ok, err := m.Cache.Get(ctx, contentCacheKey(subtaskID)); err == nil && ok {
			return StreamingContent{
				Content:   cached,
				Source:    "redis",
				Streaming: sub.Status == persistence.SubtaskRunning || sub.Status == persistence.SubtaskPending,
				Status:    string(sub.Status),
			}, nil
		}
	}
	return StreamingContent{
		Content:    sub.Result.Value,
		Source:     "database",
		Streaming:  sub.Status == persistence.SubtaskRunning || sub.Status == persistence.SubtaskPending,
		Status:     string(sub.Status),
		Incomplete: sub.Result.Incomplete,
	}, nil
}
