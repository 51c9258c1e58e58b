package agentd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"chatgateway/internal/persistence"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFromError maps a persistence.Store sentinel to the HTTP status
// spec §7 calls for ("invalid session-id / unknown subtask / unauthorised
// access: HTTP 400/403/404 as appropriate").
func statusFromError(err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, persistence.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseTaskSessionID validates the "task-<id>" grammar of spec §6
// ("Session-ID grammar: task-<int> (required) or subtask-<int>
// (reserved)") and returns the bare task ID it names. The store keys
// tasks by UUID rather than a sequential integer (DESIGN.md decision),
// so the suffix is accepted verbatim rather than parsed as a number.
// subtask-<id> is recognised syntactically but rejected: subtask-scoped
// sessions are reserved, not yet implemented.
func parseTaskSessionID(sessionID string) (string, error) {
	if rest, ok := strings.CutPrefix(sessionID, "task-"); ok && rest != "" {
		return rest, nil
	}
	return "", persistence.ErrInvalidArgument
}
