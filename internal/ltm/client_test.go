package ltm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/config"
)

func TestNew_DisabledReturnsNil(t *testing.T) {
	c := New(config.MemoryConfig{Enabled: false})
	assert.Nil(t, c)
	// nil-receiver methods must not panic
	c.SaveUserMessageAsync(1, nil, nil)
	assert.Empty(t, c.SearchMemories(context.Background(), 1, "q"))
	c.DeleteTaskMemories(context.Background(), "task-1")
}

func TestSearchMemories_ReturnsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/memories/search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []MemoryItem{{ID: "m1", Content: "likes go", CreatedAt: "2026-01-01T12:00:00Z"}},
		})
	}))
	defer srv.Close()

	c := New(config.MemoryConfig{Enabled: true, BaseURL: srv.URL, TimeoutSeconds: 2, MaxResults: 5})
	require.NotNil(t, c)
	items := c.SearchMemories(context.Background(), 7, "go preferences")
	require.Len(t, items, 1)
	assert.Equal(t, "likes go", items[0].Content)
}

func TestSearchMemories_TimeoutReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(config.MemoryConfig{Enabled: true, BaseURL: srv.URL, TimeoutSeconds: 5})
	require.NotNil(t, c)
	// the caller's own deadline is well under both the handler's sleep and
	// the configured timeout, so the request is cancelled before a response
	// arrives; SearchMemories must take the shorter of the two deadlines.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	items := c.SearchMemories(ctx, 1, "q")
	assert.Less(t, time.Since(start), 190*time.Millisecond)
	assert.Empty(t, items)
}

func TestSaveUserMessageAsync_DoesNotBlockCaller(t *testing.T) {
	var (
		mu  sync.Mutex
		got bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(config.MemoryConfig{Enabled: true, BaseURL: srv.URL, TimeoutSeconds: 2})
	require.NotNil(t, c)

	start := time.Now()
	c.SaveUserMessageAsync(1, []map[string]string{{"role": "user", "content": "hi"}}, nil)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteTaskMemories_StopsAfterNoProgress(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			calls++
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []MemoryItem{{ID: "stuck"}},
			})
			return
		}
		// deletes always fail, so no progress is ever made
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.MemoryConfig{Enabled: true, BaseURL: srv.URL, TimeoutSeconds: 2})
	require.NotNil(t, c)
	c.DeleteTaskMemories(context.Background(), "task-9")
	assert.Equal(t, 3, calls)
}

func TestRenderMemoryBlock(t *testing.T) {
	assert.Empty(t, RenderMemoryBlock(nil))

	block := RenderMemoryBlock([]MemoryItem{
		{Content: "prefers dark mode", CreatedAt: "2026-03-01T08:00:00Z"},
		{Content: "not a timestamp", CreatedAt: "nope"},
	})
	assert.Contains(t, block, "<memory>")
	assert.Contains(t, block, "prefers dark mode")
	assert.Contains(t, block, "nope") // unparseable timestamps pass through raw
	assert.Contains(t, block, "</memory>")
}
