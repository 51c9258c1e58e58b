// Package ltm is the Long-Term Memory client (spec §4.6): a fire-and-forget
// write path, a bounded-timeout read path injected into the system prompt,
// and a paginated cascade delete bound to task deletion.
package ltm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"chatgateway/internal/config"
)

// Client talks to the external memory service over HTTP. A single shared
// *http.Client is reused across calls; unlike the aiohttp-session model the
// original design note describes, Go's http.Client is already safe for
// concurrent use from any goroutine, so there is no per-event-loop session
// recreation to do (spec §4.6 "HTTP client discipline", adapted).
type Client struct {
	cfg        config.MemoryConfig
	httpClient *http.Client
}

// New returns a Client, or nil if the memory service is disabled. Callers
// must nil-check before use; all methods are also safe to call on a nil
// *Client and behave as no-ops, so callers that forget the check still get
// the "disabled" behaviour rather than a panic.
func New(cfg config.MemoryConfig) *Client {
	if !cfg.Enabled {
		return nil
	}
	return &Client{cfg: cfg, httpClient: &http.Client{}}
}

// MemoryItem is one record returned by the memory service's search.
type MemoryItem struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (c *Client) timeout() time.Duration {
	if c == nil || c.cfg.TimeoutSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.cfg.TimeoutSeconds) * time.Second
}

func (c *Client) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return c.httpClient.Do(req)
}

// SaveUserMessageAsync fire-and-forgets a write of the user message to the
// memory service (spec §4.6 "Write"). Call this after the USER subtask has
// been persisted; it never blocks the caller and never returns an error to
// it — failures are logged and swallowed.
func (c *Client) SaveUserMessageAsync(userID int64, messages []map[string]string, metadata map[string]any) {
	if c == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
		defer cancel()
		resp, err := c.request(ctx, http.MethodPost, "/memories", map[string]any{
			"user_id":  userID,
			"messages": messages,
			"metadata": metadata,
		})
		if err != nil {
			log.Warn().Err(err).Int64("user_id", userID).Msg("ltm: save_user_message_async failed")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			b, _ := io.ReadAll(resp.Body)
			log.Warn().Int("status", resp.StatusCode).Str("body", string(b)).Msg("ltm: save_user_message_async non-2xx")
		}
	}()
}

// SearchMemories implements the bounded-timeout read path (spec §4.6
// "Read"). On timeout or any error it returns an empty list rather than
// propagating, since memory retrieval augments but never gates the main
// flow.
func (c *Client) SearchMemories(ctx context.Context, userID int64, query string) []MemoryItem {
	if c == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	maxResults := c.cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	resp, err := c.request(cctx, http.MethodPost, "/memories/search", map[string]any{
		"user_id": userID,
		"query":   query,
		"limit":   maxResults,
	})
	if err != nil {
		log.Debug().Err(err).Int64("user_id", userID).Msg("ltm: search_memories failed, returning empty")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.Debug().Int("status", resp.StatusCode).Msg("ltm: search_memories non-2xx, returning empty")
		return nil
	}
	var parsed struct {
		Results []MemoryItem `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		log.Debug().Err(err).Msg("ltm: search_memories decode failed, returning empty")
		return nil
	}
	return parsed.Results
}

// RenderMemoryBlock builds the `<memory>` system-prompt block (spec §4.6
// "Read"): each item prefixed by its created_at rendered in the local
// timezone when parseable, otherwise the raw string. Empty input renders
// no block at all.
func RenderMemoryBlock(items []MemoryItem) string {
	if len(items) == 0 {
		return ""
	}
	var b bytes.Buffer
	b.WriteString("<memory>\n")
	for _, it := range items {
		ts := it.CreatedAt
		if parsed, err := time.Parse(time.RFC3339, it.CreatedAt); err == nil {
			ts = parsed.Local().Format(time.RFC1123)
		}
		fmt.Fprintf(&b, "[%s] %s\n", ts, it.Content)
	}
	b.WriteString("</memory>")
	return b.String()
}

// DeleteTaskMemories paginates the memory service's search by
// metadata.task_id and deletes each returned record, looping until no
// results remain or three consecutive batches make no progress (spec §4.6
// "Delete"). Errors are logged and swallowed: a failed cascade delete
// leaves orphaned memory records, which is preferable to blocking task
// deletion on an external service.
func (c *Client) DeleteTaskMemories(ctx context.Context, taskID string) {
	if c == nil {
		return
	}
	noProgress := 0
	for noProgress < 3 {
		cctx, cancel := context.WithTimeout(ctx, c.timeout())
		resp, err := c.request(cctx, http.MethodPost, "/memories/search", map[string]any{
			"metadata": map[string]string{"task_id": taskID},
			"limit":    50,
		})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Msg("ltm: delete_task_memories search failed")
			return
		}
		var parsed struct {
			Results []MemoryItem `json:"results"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if decodeErr != nil {
			log.Warn().Err(decodeErr).Str("task_id", taskID).Msg("ltm: delete_task_memories decode failed")
			return
		}
		if len(parsed.Results) == 0 {
			return
		}
		deleted := 0
		for _, item := range parsed.Results {
			dctx, dcancel := context.WithTimeout(ctx, c.timeout())
			dresp, err := c.request(dctx, http.MethodDelete, "/memories/"+item.ID, nil)
			dcancel()
			if err != nil {
				log.Debug().Err(err).Str("memory_id", item.ID).Msg("ltm: delete failed")
				continue
			}
			dresp.Body.Close()
			if dresp.StatusCode/100 == 2 {
				deleted++
			}
		}
		if deleted == 0 {
			noProgress++
		} else {
			noProgress = 0
		}
	}
}
