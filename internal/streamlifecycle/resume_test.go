package streamlifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/persistence"
)

func TestResume_CompletedEmitsTailAndDone(t *testing.T) {
	store := newMemStore()
	task, _ := store.CreateTask(context.Background(), 1, "team-1", "title", false)
	_, _ = store.AppendSubtask(context.Background(), persistence.Subtask{
		ID: "sub-done", TaskID: task.ID, Role: persistence.RoleAssistant,
		Status: persistence.SubtaskCompleted, Result: persistence.SubtaskResult{Value: "hello world"},
	})

	mgr := NewManager(store, newMemCache())
	var frames []ResumeFrame
	err := mgr.Resume(context.Background(), "sub-done", 6, func(f ResumeFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "world", frames[0].Content)
	assert.True(t, frames[0].Done)
	require.NotNil(t, frames[0].Result)
	assert.Equal(t, "hello world", frames[0].Result.Value)
}

func TestResume_FailedEmitsError(t *testing.T) {
	store := newMemStore()
	task, _ := store.CreateTask(context.Background(), 1, "team-1", "title", false)
	_, _ = store.AppendSubtask(context.Background(), persistence.Subtask{
		ID: "sub-fail", TaskID: task.ID, Role: persistence.RoleAssistant,
		Status: persistence.SubtaskFailed, ErrorMessage: "boom",
	})

	mgr := NewManager(store, newMemCache())
	var frames []ResumeFrame
	err := mgr.Resume(context.Background(), "sub-fail", 0, func(f ResumeFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Done)
	assert.Equal(t, "boom", frames[0].Error)
}

func TestResume_RunningForwardsLiveChunksThenDone(t *testing.T) {
	store := newMemStore()
	task, _ := store.CreateTask(context.Background(), 1, "team-1", "title", false)
	_, _ = store.AppendSubtask(context.Background(), persistence.Subtask{
		ID: "sub-live", TaskID: task.ID, Role: persistence.RoleAssistant, Status: persistence.SubtaskRunning,
	})

	cache := newMemCache()
	mgr := NewManager(store, cache)
	p := mgr.StartProducer(context.Background(), task.ID, "sub-live", false, 0, "")

	var (
		mu     sync.Mutex
		frames []ResumeFrame
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Resume(context.Background(), "sub-live", 0, func(f ResumeFrame) error {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
			return nil
		})
	}()

	// give the subscriber goroutine a moment to register before publishing
	require.Eventually(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return len(cache.subs[streamChannel("sub-live")]) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Emit(context.Background(), "chunk-a"))
	require.NoError(t, p.Finish(context.Background(), "", false))

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.True(t, last.Done)
	require.NotNil(t, last.Result)
	assert.Equal(t, "chunk-a", last.Result.Value)
}
