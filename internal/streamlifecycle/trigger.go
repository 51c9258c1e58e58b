package streamlifecycle

import "strings"

// ShouldTriggerAssistant implements the group-chat trigger rule (spec
// §4.8 "Trigger-AI rule for group chat"): a USER message triggers an
// ASSISTANT subtask only if it contains the exact substring "@TeamName";
// non-group-chat tasks always trigger.
func ShouldTriggerAssistant(isGroupChat bool, message, teamName string) bool {
	if !isGroupChat {
		return true
	}
	if strings.TrimSpace(teamName) == "" {
		return false
	}
	return strings.Contains(message, "@"+teamName)
}
