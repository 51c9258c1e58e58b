package agentd

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chatgateway/internal/persistence"
)

// toolCacheTTL bounds how long a pending tool call or tool result can sit
// unclaimed before the cache entry expires (spec §6: "cache-backed
// transient storage").
const toolCacheTTL = 10 * time.Minute

func toolResultsKey(sessionID string) string    { return "tool_results:" + sessionID }
func pendingToolCallsKey(sessionID string) string { return "pending_tool_calls:" + sessionID }

func (a *App) cacheGetJSON(w http.ResponseWriter, r *http.Request, key string) {
	if a.streams == nil || a.streams.Cache == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("cache unavailable"))
		return
	}
	raw, ok, err := a.streams.Cache.Get(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusOK, json.RawMessage("null"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(raw))
}

func (a *App) cacheSetJSON(w http.ResponseWriter, r *http.Request, key string) {
	if a.streams == nil || a.streams.Cache == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("cache unavailable"))
		return
	}
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.streams.Cache.Set(r.Context(), key, string(payload), toolCacheTTL); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleToolResults stores or retrieves the tool-result payloads a
// detached tool execution (e.g. an MCP long-running call) reports back
// for a session, independent of whether a stream is still attached.
func (a *App) handleToolResults(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if _, err := parseTaskSessionID(sessionID); err != nil {
		respondError(w, http.StatusBadRequest, persistence.ErrInvalidArgument)
		return
	}
	if r.Method == http.MethodGet {
		a.cacheGetJSON(w, r, toolResultsKey(sessionID))
		return
	}
	a.cacheSetJSON(w, r, toolResultsKey(sessionID))
}

// handlePendingToolCalls stores or retrieves the tool calls a stream
// emitted that are still awaiting execution, so a reconnecting client can
// learn what is outstanding.
func (a *App) handlePendingToolCalls(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if _, err := parseTaskSessionID(sessionID); err != nil {
		respondError(w, http.StatusBadRequest, persistence.ErrInvalidArgument)
		return
	}
	if r.Method == http.MethodGet {
		a.cacheGetJSON(w, r, pendingToolCallsKey(sessionID))
		return
	}
	a.cacheSetJSON(w, r, pendingToolCallsKey(sessionID))
}
