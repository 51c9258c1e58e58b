package streamlifecycle

import "testing"

func TestShouldTriggerAssistant(t *testing.T) {
	cases := []struct {
		name        string
		isGroupChat bool
		message     string
		teamName    string
		want        bool
	}{
		{"non-group always triggers", false, "no mention here", "Atlas", true},
		{"group without mention does not trigger", true, "hey everyone", "Atlas", false},
		{"group with exact mention triggers", true, "hey @Atlas can you help", "Atlas", true},
		{"group with substring match still triggers", true, "hey @AtlasTeam", "Atlas", true},
		{"group with unrelated mention does not trigger", true, "hey @NotAtlas", "Atlas", false},
		{"group with empty team name never triggers", true, "hey @Atlas", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ShouldTriggerAssistant(tc.isGroupChat, tc.message, tc.teamName)
			if got != tc.want {
				t.Errorf("ShouldTriggerAssistant(%v, %q, %q) = %v, want %v", tc.isGroupChat, tc.message, tc.teamName, got, tc.want)
			}
		})
	}
}
