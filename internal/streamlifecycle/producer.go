package streamlifecycle

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"chatgateway/internal/persistence"
)

// Producer is the single writer for one subtask's stream (spec §4.8
// invariant: at most one concurrent producer per subtask_id). It owns the
// in-memory accumulator and drives the PENDING -> RUNNING -> {COMPLETED,
// FAILED} transitions.
type Producer struct {
	manager      *Manager
	taskID       string
	subtaskID    string
	groupChat    bool
	senderUserID int64
	username     string

	mu          sync.Mutex
	buf         strings.Builder
	started     bool
	lastCache   time.Time
	lastDurable time.Time
	cancelled   atomic.Bool
}

// Cancelled reports whether the cross-worker cancel flag has been set for
// this stream; the caller (agent loop) checks this at iteration boundaries
// per spec §4.7 "Cancellation".
func (p *Producer) Cancelled() bool { return p.cancelled.Load() }

func (p *Producer) cancel() { p.cancelled.Store(true) }

// Emit appends one token delta: updates the accumulator, publishes the raw
// chunk to Pub/Sub, and flushes the cache/durable copies on their
// respective cadences (spec §4.8 "Per-chunk behaviour").
func (p *Producer) Emit(ctx context.Context, delta string) error {
	p.mu.Lock()
	firstChunk := !p.started
	p.started = true
	p.buf.WriteString(delta)
	snapshot := p.buf.String()
	flushCache := time.Since(p.lastCache) >= cacheFlushInterval
	if flushCache {
		p.lastCache = time.Now()
	}
	flushDurable := time.Since(p.lastDurable) >= durableFlushInterval
	if flushDurable {
		p.lastDurable = time.Now()
	}
	p.mu.Unlock()

	if firstChunk {
		if err := p.manager.Store.UpdateSubtaskContent(ctx, p.subtaskID, persistence.SubtaskResult{Value: "", Streaming: true}, persistence.SubtaskRunning); err != nil {
			log.Warn().Err(err).Str("subtask_id", p.subtaskID).Msg("streamlifecycle: RUNNING transition failed")
		}
	}

	if p.manager.Cache != nil {
		if err := p.manager.Cache.Publish(ctx, streamChannel(p.subtaskID), delta); err != nil {
			log.Debug().Err(err).Str("subtask_id", p.subtaskID).Msg("streamlifecycle: chunk publish failed")
		}
		if flushCache {
			if err := p.manager.Cache.Set(ctx, contentCacheKey(p.subtaskID), snapshot, contentCacheTTL); err != nil {
				log.Debug().Err(err).Str("subtask_id", p.subtaskID).Msg("streamlifecycle: cache flush failed")
			}
		}
	}
	if flushDurable {
		if err := p.manager.Store.UpdateSubtaskContent(ctx, p.subtaskID, persistence.SubtaskResult{Value: snapshot, Streaming: true}, persistence.SubtaskRunning); err != nil {
			log.Warn().Err(err).Str("subtask_id", p.subtaskID).Msg("streamlifecycle: durable flush failed")
		}
	}
	return nil
}

// Finish flips the subtask to COMPLETED (or FAILED, if errMsg is set),
// persists the final content, publishes the STREAM_DONE envelope, and
// releases group-chat typing status (spec §4.8 "Completion envelope",
// "Group chat").
func (p *Producer) Finish(ctx context.Context, errMsg string, incomplete bool) error {
	p.mu.Lock()
	final := p.buf.String()
	p.mu.Unlock()
	defer p.manager.removeProducer(p.subtaskID)

	status := persistence.SubtaskCompleted
	result := persistence.SubtaskResult{Value: final, Incomplete: incomplete}
	if errMsg != "" {
		status = persistence.SubtaskFailed
	}

	if err := p.manager.Store.UpdateSubtaskContent(ctx, p.subtaskID, result, status); err != nil {
		return err
	}
	taskStatus := persistence.TaskCompleted
	if errMsg != "" {
		taskStatus = persistence.TaskFailed
	}
	if err := p.manager.Store.UpdateTaskStatus(ctx, p.taskID, taskStatus); err != nil {
		log.Warn().Err(err).Str("task_id", p.taskID).Msg("streamlifecycle: terminal task status update failed")
	}

	p.manager.publishDone(ctx, p.subtaskID, result)

	if p.groupChat {
		p.manager.publishTypingStatus(ctx, p.taskID, p.subtaskID, p.senderUserID, p.username, false)
	}
	return nil
}
