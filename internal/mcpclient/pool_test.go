package mcpclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chatgateway/internal/config"
	"chatgateway/internal/llm"
	"chatgateway/internal/tools"
)

func TestSubstituteServerConfig_ReplacesPlaceholders(t *testing.T) {
	srv := config.MCPServerConfig{
		Name:    "test",
		Command: "docker",
		Args:    []string{"run", "-v", "${{project.dir}}:/app/files", "--workdir", "${{project.dir}}"},
		Env: map[string]string{
			"PROJECT_PATH": "${{project.dir}}",
			"HOME":         "/home/user",
		},
	}
	taskData := map[string]any{
		"project": map[string]any{"dir": "/tmp/workspace/project-abc"},
	}

	resolved := SubstituteServerConfig(srv, taskData)

	wantArgs := []string{"run", "-v", "/tmp/workspace/project-abc:/app/files", "--workdir", "/tmp/workspace/project-abc"}
	if len(resolved.Args) != len(wantArgs) {
		t.Fatalf("Args length mismatch: got %d, want %d", len(resolved.Args), len(wantArgs))
	}
	for i, arg := range resolved.Args {
		if arg != wantArgs[i] {
			t.Errorf("Args[%d] = %q, want %q", i, arg, wantArgs[i])
		}
	}
	if resolved.Env["PROJECT_PATH"] != "/tmp/workspace/project-abc" {
		t.Errorf("Env[PROJECT_PATH] = %q", resolved.Env["PROJECT_PATH"])
	}
	if resolved.Env["HOME"] != "/home/user" {
		t.Errorf("Env[HOME] was modified: %q", resolved.Env["HOME"])
	}
	// Original must be untouched.
	if srv.Args[2] != "${{project.dir}}:/app/files" {
		t.Error("original config was modified")
	}
}

func TestSubstituteServerConfig_UnknownPathPreserved(t *testing.T) {
	srv := config.MCPServerConfig{URL: "https://api.example.com/${{user.missing}}"}
	resolved := SubstituteServerConfig(srv, map[string]any{"user": map[string]any{"name": "a"}})
	if resolved.URL != "https://api.example.com/${{user.missing}}" {
		t.Errorf("expected placeholder preserved, got %q", resolved.URL)
	}
}

func TestGetNestedValue_ListIndex(t *testing.T) {
	data := map[string]any{"bot": []any{map[string]any{"name": "bot1"}, map[string]any{"name": "bot2"}}}
	v, ok := getNestedValue(data, "bot.1.name")
	if !ok || v != "bot2" {
		t.Fatalf("getNestedValue = %v, %v", v, ok)
	}
}

func TestTaskPool_EnsureAndEndTask(t *testing.T) {
	pool := NewTaskPool(config.MCPConfig{})
	reg := newNoopRegistry()

	if err := pool.EnsureTaskSession(context.Background(), reg, "task-1", nil); err != nil {
		t.Fatalf("EnsureTaskSession error: %v", err)
	}
	if pool.ActiveTaskCount() != 1 {
		t.Fatalf("ActiveTaskCount = %d, want 1", pool.ActiveTaskCount())
	}
	if pool.Session("task-1") == nil {
		t.Fatal("expected a session for task-1")
	}

	pool.EndTask(reg, "task-1")
	if pool.ActiveTaskCount() != 0 {
		t.Fatalf("ActiveTaskCount after EndTask = %d, want 0", pool.ActiveTaskCount())
	}
	if pool.Session("task-1") != nil {
		t.Fatal("expected no session after EndTask")
	}

	// EndTask on an unknown task must not panic.
	pool.EndTask(reg, "does-not-exist")
}

func TestTaskPool_ReaperClosesIdleSessions(t *testing.T) {
	pool := NewTaskPool(config.MCPConfig{})
	reg := newNoopRegistry()
	if err := pool.EnsureTaskSession(context.Background(), reg, "task-1", nil); err != nil {
		t.Fatalf("EnsureTaskSession error: %v", err)
	}
	pool.reapIdle(reg, -1*time.Second) // everything is "idle" relative to a negative threshold
	if pool.ActiveTaskCount() != 0 {
		t.Fatalf("expected reaper to close idle session, count=%d", pool.ActiveTaskCount())
	}
}

// noopRegistry is a minimal tools.Registry stand-in for pool tests that
// don't exercise tool dispatch.
type noopRegistry struct{}

func newNoopRegistry() tools.Registry { return noopRegistry{} }

func (noopRegistry) Schemas() []llm.ToolSchema { return nil }
func (noopRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
	return nil, nil
}
func (noopRegistry) Register(t tools.Tool) {}
func (noopRegistry) Unregister(name string) {}
