package agentd

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatgateway/internal/agent"
	"chatgateway/internal/auth"
	"chatgateway/internal/llm"
	"chatgateway/internal/ltm"
	"chatgateway/internal/persistence"
	"chatgateway/internal/streamlifecycle"
)

// chatStreamRequest is the POST /chat/stream body (spec §6).
type chatStreamRequest struct {
	Message               string `json:"message"`
	TeamID                string `json:"team_id"`
	TaskID                string `json:"task_id,omitempty"`
	Title                 string `json:"title,omitempty"`
	ModelID               string `json:"model_id,omitempty"`
	ForceOverrideBotModel bool   `json:"force_override_bot_model,omitempty"`
	AttachmentID          string `json:"attachment_id,omitempty"`
	EnableWebSearch       bool   `json:"enable_web_search,omitempty"`
	SearchEngine          string `json:"search_engine,omitempty"`
	EnableClarification   bool   `json:"enable_clarification,omitempty"`
	SubtaskID             string `json:"subtask_id,omitempty"`
	Offset                *int   `json:"offset,omitempty"`
	IsGroupChat           bool   `json:"is_group_chat,omitempty"`
}

func (a *App) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if r.Method == http.MethodGet {
		req.SubtaskID = r.URL.Query().Get("subtask_id")
		if off, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
			req.Offset = &off
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if req.SubtaskID != "" && req.Offset != nil {
		a.streamResume(w, r, req.SubtaskID, *req.Offset)
		return
	}
	a.streamChat(w, r, req)
}

func (a *App) streamChat(w http.ResponseWriter, r *http.Request, req chatStreamRequest) {
	ctx := r.Context()
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, persistence.ErrInvalidArgument)
		return
	}

	var ownerUserID int64
	if u, ok := auth.CurrentUser(ctx); ok {
		ownerUserID = u.ID
	}

	task, err := a.resolveTask(ctx, req, ownerUserID)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	userSubtaskID, err := a.appendUserSubtask(ctx, task.ID, req, ownerUserID)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	sw := newSSEWriter(w, task.ID, userSubtaskID)
	if sw == nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sw.writeFrame(map[string]any{"task_id": task.ID, "subtask_id": userSubtaskID, "offset": 0, "content": "", "done": false})

	if a.memory != nil {
		a.memory.SaveUserMessageAsync(ownerUserID, []map[string]string{{"role": "user", "content": req.Message}}, map[string]any{"task_id": task.ID})
	}

	if !streamlifecycle.ShouldTriggerAssistant(req.IsGroupChat, req.Message, req.TeamID) {
		sw.writeFrame(map[string]any{"task_id": task.ID, "subtask_id": userSubtaskID, "done": true, "ai_triggered": false})
		return
	}

	assistantID := uuid.NewString()
	if _, err := a.store.AppendSubtask(ctx, persistence.Subtask{
		ID:     assistantID,
		TaskID: task.ID,
		Role:   persistence.RoleAssistant,
		Status: persistence.SubtaskPending,
	}); err != nil {
		sw.writeFrame(map[string]any{"error": err.Error()})
		return
	}

	producer := a.streams.StartProducer(ctx, task.ID, assistantID, req.IsGroupChat, ownerUserID, "")

	stop := make(chan struct{})
	go sw.keepalive(15*time.Second, stop)
	defer close(stop)

	eng := a.cloneEngine()
	eng.CancelCheck = func(context.Context) bool { return producer.Cancelled() }
	eng.OnDelta = func(delta string) {
		if err := producer.Emit(ctx, delta); err != nil {
			log.Debug().Err(err).Str("subtask_id", assistantID).Msg("agentd: producer emit failed")
		}
		sw.writeFrame(map[string]any{"offset": -1, "content": delta, "done": false})
	}
	if a.memory != nil {
		memories := a.memory.SearchMemories(ctx, ownerUserID, req.Message)
		if block := ltm.RenderMemoryBlock(memories); block != "" {
			eng.System = block + "\n\n" + eng.System
		}
	}

	history := a.loadHistoryMessages(ctx, task.ID, userSubtaskID)
	final, runErr := eng.RunStream(ctx, req.Message, history)

	if runErr == agent.ErrCancelled {
		// Cancel() already finalised the subtask; nothing further to persist.
		return
	}

	incomplete := false
	errMsg := ""
	switch {
	case runErr == agent.ErrSilentTermination:
		final = ""
	case runErr != nil:
		errMsg = runErr.Error()
		incomplete = true
	}

	if err := producer.Finish(ctx, errMsg, incomplete); err != nil {
		log.Warn().Err(err).Str("subtask_id", assistantID).Msg("agentd: producer finish failed")
	}

	if errMsg != "" {
		sw.writeFrame(map[string]any{"error": errMsg})
	}
	sw.writeFrame(map[string]any{
		"offset": -1, "content": "", "done": true,
		"result": persistence.SubtaskResult{Value: final, Incomplete: incomplete},
	})
}

func (a *App) streamResume(w http.ResponseWriter, r *http.Request, subtaskID string, offset int) {
	ctx := r.Context()
	sw := newSSEWriter(w, "", subtaskID)
	if sw == nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	err := a.streams.Resume(ctx, subtaskID, offset, func(f streamlifecycle.ResumeFrame) error {
		sw.writeFrame(f)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		sw.writeFrame(map[string]any{"error": "stream not available"})
	}
}

func (a *App) handleResumeStream(w http.ResponseWriter, r *http.Request) {
	subtaskID := r.PathValue("subtaskID")
	a.streamResume(w, r, subtaskID, 0)
}

func (a *App) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubtaskID      string `json:"subtask_id"`
		PartialContent string `json:"partial_content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.streams.Cancel(r.Context(), req.SubtaskID, req.PartialContent); err != nil {
		respondJSON(w, statusFromError(err), map[string]any{"success": false, "message": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "cancelled"})
}

func (a *App) handleStreamingContent(w http.ResponseWriter, r *http.Request) {
	subtaskID := r.PathValue("subtaskID")
	content, err := a.streams.StreamingContent(r.Context(), subtaskID)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, content)
}

// loadHistoryMessages materialises prior subtasks into llm.Message history
// for the agent loop (spec §6: "USER messages carry fully materialised
// context ... in their content"). The current USER subtask is skipped
// because RunStream appends the current message itself.
func (a *App) loadHistoryMessages(ctx context.Context, taskID, currentSubtaskID string) []llm.Message {
	subtasks, err := a.store.ListSubtasks(ctx, taskID, 0, 0)
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("agentd: history load failed")
		return nil
	}
	msgs := make([]llm.Message, 0, len(subtasks))
	for _, s := range subtasks {
		if s.ID == currentSubtaskID {
			continue
		}
		switch s.Role {
		case persistence.RoleUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: s.Prompt})
		case persistence.RoleAssistant:
			if s.Status == persistence.SubtaskCompleted {
				msgs = append(msgs, llm.Message{Role: "assistant", Content: s.Result.Value})
			}
		}
	}
	return msgs
}
