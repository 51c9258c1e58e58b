package streamlifecycle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/persistence"
)

func TestManager_StartProducerGroupChatEmitsTypingStatus(t *testing.T) {
	store := newMemStore()
	task, _ := store.CreateTask(context.Background(), 1, "team-1", "title", true)
	_, _ = store.AppendSubtask(context.Background(), persistence.Subtask{ID: "sub-group", TaskID: task.ID, Role: persistence.RoleAssistant, Status: persistence.SubtaskPending})

	cache := newMemCache()
	sub := cache.Subscribe(context.Background(), "task_streaming_status:"+task.ID)
	defer sub.Close()

	mgr := NewManager(store, cache)
	p := mgr.StartProducer(context.Background(), task.ID, "sub-group", true, 42, "alice")

	msg := <-sub.Messages()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg), &payload))
	assert.Equal(t, "sub-group", payload["subtask_id"])
	assert.Equal(t, "alice", payload["username"])
	assert.Equal(t, true, payload["typing"])

	require.NoError(t, p.Finish(context.Background(), "", false))
	msg = <-sub.Messages()
	require.NoError(t, json.Unmarshal([]byte(msg), &payload))
	assert.Equal(t, false, payload["typing"])
}

func TestManager_StreamingContentPrefersCache(t *testing.T) {
	store := newMemStore()
	task, _ := store.CreateTask(context.Background(), 1, "team-1", "title", false)
	_, _ = store.AppendSubtask(context.Background(), persistence.Subtask{
		ID: "sub-sc", TaskID: task.ID, Role: persistence.RoleAssistant, Status: persistence.SubtaskRunning,
		Result: persistence.SubtaskResult{Value: "durable snapshot"},
	})

	cache := newMemCache()
	require.NoError(t, cache.Set(context.Background(), contentCacheKey("sub-sc"), "fresher cached content", 0))

	mgr := NewManager(store, cache)
	sc, err := mgr.StreamingContent(context.Background(), "sub-sc")
	require.NoError(t, err)
	assert.Equal(t, "fresher cached content", sc.Content)
	assert.Equal(t, "redis", sc.Source)
	assert.True(t, sc.Streaming)
}

func TestManager_StreamingContentFallsBackToDatabase(t *testing.T) {
	store := newMemStore()
	task, _ := store.CreateTask(context.Background(), 1, "team-1", "title", false)
	_, _ = store.AppendSubtask(context.Background(), persistence.Subtask{
		ID: "sub-db", TaskID: task.ID, Role: persistence.RoleAssistant, Status: persistence.SubtaskCompleted,
		Result: persistence.SubtaskResult{Value: "final answer", Incomplete: true},
	})

	mgr := NewManager(store, nil)
	sc, err := mgr.StreamingContent(context.Background(), "sub-db")
	require.NoError(t, err)
	assert.Equal(t, "final answer", sc.Content)
	assert.Equal(t, "database", sc.Source)
	assert.False(t, sc.Streaming)
	assert.True(t, sc.Incomplete)
}
