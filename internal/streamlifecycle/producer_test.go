package streamlifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/persistence"
)

func TestProducer_EmitTransitionsPendingToRunning(t *testing.T) {
	store := newMemStore()
	task, err := store.CreateTask(context.Background(), 1, "team-1", "title", false)
	require.NoError(t, err)
	_, err = store.AppendSubtask(context.Background(), persistence.Subtask{ID: "sub-1", TaskID: task.ID, Role: persistence.RoleAssistant, Status: persistence.SubtaskPending})
	require.NoError(t, err)

	mgr := NewManager(store, newMemCache())
	p := mgr.StartProducer(context.Background(), task.ID, "sub-1", false, 0, "")

	require.NoError(t, p.Emit(context.Background(), "hello "))
	sub, err := store.GetSubtask(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.SubtaskRunning, sub.Status)

	require.NoError(t, p.Emit(context.Background(), "world"))
	require.NoError(t, p.Finish(context.Background(), "", false))

	sub, err = store.GetSubtask(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.SubtaskCompleted, sub.Status)
	assert.Equal(t, "hello world", sub.Result.Value)

	task, err = store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskCompleted, task.Status)
}

func TestProducer_FinishWithErrorMarksFailed(t *testing.T) {
	store := newMemStore()
	task, _ := store.CreateTask(context.Background(), 1, "team-1", "title", false)
	_, _ = store.AppendSubtask(context.Background(), persistence.Subtask{ID: "sub-2", TaskID: task.ID, Role: persistence.RoleAssistant, Status: persistence.SubtaskPending})

	mgr := NewManager(store, newMemCache())
	p := mgr.StartProducer(context.Background(), task.ID, "sub-2", false, 0, "")
	require.NoError(t, p.Emit(context.Background(), "partial"))
	require.NoError(t, p.Finish(context.Background(), "provider error", true))

	sub, err := store.GetSubtask(context.Background(), "sub-2")
	require.NoError(t, err)
	assert.Equal(t, persistence.SubtaskFailed, sub.Status)
	assert.True(t, sub.Result.Incomplete)

	task, err = store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskFailed, task.Status)
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	store := newMemStore()
	task, _ := store.CreateTask(context.Background(), 1, "team-1", "title", false)
	_, _ = store.AppendSubtask(context.Background(), persistence.Subtask{ID: "sub-3", TaskID: task.ID, Role: persistence.RoleAssistant, Status: persistence.SubtaskRunning})

	mgr := NewManager(store, newMemCache())
	require.NoError(t, mgr.Cancel(context.Background(), "sub-3", "partial text"))

	sub, err := store.GetSubtask(context.Background(), "sub-3")
	require.NoError(t, err)
	assert.Equal(t, persistence.SubtaskCompleted, sub.Status)
	assert.Equal(t, "partial text", sub.Result.Value)
	assert.Empty(t, sub.ErrorMessage)

	// second cancel is a no-op, not an error
	require.NoError(t, mgr.Cancel(context.Background(), "sub-3", "ignored"))
	sub, err = store.GetSubtask(context.Background(), "sub-3")
	require.NoError(t, err)
	assert.Equal(t, "partial text", sub.Result.Value)
}
