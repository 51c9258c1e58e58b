package agentd

import (
	"context"

	"github.com/google/uuid"

	"chatgateway/internal/persistence"
)

// resolveTask loads the task named by req.TaskID, or creates a new one if
// none was given (spec §6: task_id is optional on the first turn of a
// conversation). An existing task owned by a different user is rejected.
func (a *App) resolveTask(ctx context.Context, req chatStreamRequest, ownerUserID int64) (persistence.Task, error) {
	if req.TaskID == "" {
		title := req.Title
		if title == "" {
			title = req.Message
			if len(title) > 80 {
				title = title[:80]
			}
		}
		return a.store.CreateTask(ctx, ownerUserID, req.TeamID, title, req.IsGroupChat)
	}

	taskID, err := parseTaskSessionID(req.TaskID)
	if err != nil {
		return persistence.Task{}, err
	}
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return persistence.Task{}, err
	}
	if task.OwnerUserID != 0 && ownerUserID != 0 && task.OwnerUserID != ownerUserID && !task.IsGroupChat {
		return persistence.Task{}, persistence.ErrForbidden
	}
	return task, nil
}

// appendUserSubtask inserts the USER turn and, when an attachment is
// referenced, binds a SubtaskContext so history replay
// can materialise it later (spec §3 "USER messages carry fully
// materialised context").
func (a *App) appendUserSubtask(ctx context.Context, taskID string, req chatStreamRequest, ownerUserID int64) (string, error) {
	subtaskID := uuid.NewString()
	if _, err := a.store.AppendSubtask(ctx, persistence.Subtask{
		ID:           subtaskID,
		TaskID:       taskID,
		Role:         persistence.RoleUser,
		SenderUserID: ownerUserID,
		Prompt:       req.Message,
		Status:       persistence.SubtaskCompleted,
	}); err != nil {
		return "", err
	}

	if req.AttachmentID != "" {
		if _, err := a.store.PutContext(ctx, persistence.SubtaskContext{
			SubtaskID: subtaskID,
			Type:      persistence.ContextAttachment,
			Status:    persistence.ContextPending,
		}); err != nil {
			return "", err
		}
	}

	return subtaskID, nil
}
