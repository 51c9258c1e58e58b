package agentd

import (
	"encoding/json"
	"net/http"
	"strconv"

	"chatgateway/internal/auth"
	"chatgateway/internal/persistence"
)

// handleListSessions lists tasks owned by the caller (spec §6 "Internal
// chat-storage API: list sessions").
func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var ownerUserID *int64
	if u, ok := auth.CurrentUser(r.Context()); ok {
		ownerUserID = &u.ID
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := a.store.ListTasks(r.Context(), ownerUserID, limit, r.URL.Query().Get("before_task_id"))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (a *App) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskSessionID(r.PathValue("sessionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before, _ := strconv.Atoi(r.URL.Query().Get("before_message_id"))
	subtasks, err := a.store.ListSubtasks(r.Context(), taskID, limit, before)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	type historyMessage struct {
		persistence.Subtask
		Contexts []persistence.SubtaskContext `json:"contexts,omitempty"`
	}
	out := make([]historyMessage, 0, len(subtasks))
	for _, s := range subtasks {
		hm := historyMessage{Subtask: s}
		if s.Role == persistence.RoleUser {
			if ctxs, err := a.store.ListContextsForSubtask(r.Context(), s.ID); err == nil {
				hm.Contexts = ctxs
			}
		}
		out = append(out, hm)
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *App) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskSessionID(r.PathValue("sessionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.store.DeleteTask(r.Context(), taskID); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	if a.memory != nil {
		a.memory.DeleteTaskMemories(r.Context(), taskID)
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type appendMessageRequest struct {
	Role         persistence.SubtaskRole `json:"role"`
	Content      string                  `json:"content"`
	SenderUserID int64                   `json:"sender_user_id,omitempty"`
	ParentID     int                     `json:"parent_id,omitempty"`
}

func (a *App) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskSessionID(r.PathValue("sessionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sub := persistence.Subtask{
		TaskID:       taskID,
		Role:         req.Role,
		SenderUserID: req.SenderUserID,
		ParentID:     req.ParentID,
		Status:       persistence.SubtaskCompleted,
	}
	if req.Role == persistence.RoleUser {
		sub.Prompt = req.Content
	} else {
		sub.Result = persistence.SubtaskResult{Value: req.Content}
	}
	messageID, err := a.store.AppendSubtask(r.Context(), sub)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"message_id": messageID})
}

func (a *App) handleAppendMessagesBatch(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskSessionID(r.PathValue("sessionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var reqs []appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ids := make([]int, 0, len(reqs))
	for _, req := range reqs {
		sub := persistence.Subtask{
			TaskID:       taskID,
			Role:         req.Role,
			SenderUserID: req.SenderUserID,
			ParentID:     req.ParentID,
			Status:       persistence.SubtaskCompleted,
		}
		if req.Role == persistence.RoleUser {
			sub.Prompt = req.Content
		} else {
			sub.Result = persistence.SubtaskResult{Value: req.Content}
		}
		messageID, err := a.store.AppendSubtask(r.Context(), sub)
		if err != nil {
			respondError(w, statusFromError(err), err)
			return
		}
		ids = append(ids, messageID)
	}
	respondJSON(w, http.StatusOK, map[string]any{"message_ids": ids})
}

func (a *App) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	subtaskID := r.PathValue("messageID")
	var req struct {
		Content string                   `json:"content"`
		Status  persistence.SubtaskStatus `json:"status,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	status := req.Status
	if status == "" {
		status = persistence.SubtaskCompleted
	}
	if err := a.store.UpdateSubtaskContent(r.Context(), subtaskID, persistence.SubtaskResult{Value: req.Content}, status); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *App) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	subtaskID := r.PathValue("messageID")
	if err := a.store.SoftDeleteSubtask(r.Context(), subtaskID); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
