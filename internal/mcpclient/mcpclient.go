package mcpclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"chatgateway/internal/config"
	"chatgateway/internal/tools"
	"chatgateway/internal/version"
)

// Manager holds active MCP client sessions and generated tool wrappers.
type Manager struct {
	sessions  map[string]*mcppkg.ClientSession
	toolNames map[string][]string
}

// NewManager creates a new Manager.
func NewManager() *Manager {
	return &Manager{
		sessions:  map[string]*mcppkg.ClientSession{},
		toolNames: map[string][]string{},
	}
}

// Close closes all active sessions. The sessions are held in a map, so the
// closing order follows map iteration and is not the order of acquisition.
func (m *Manager) Close() {
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	for i := len(names) - 1; i >= 0; i-- {
		_ = m.sessions[names[i]].Close()
	}
}

// RegisterFromConfig connects to every configured server in parallel;
// a single server's discovery failure is isolated and does not affect
// the others.
func (m *Manager) RegisterFromConfig(ctx context.Context, reg tools.Registry, mcpCfg config.MCPConfig, taskData map[string]any) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, srv := range mcpCfg.Servers {
		wg.Add(1)
		go func(srv config.MCPServerConfig) {
			defer wg.Done()
			resolved := SubstituteServerConfig(srv, taskData)
			if err := m.RegisterOne(ctx, reg, resolved); err != nil {
				log.Warn().Err(err).Str("server", srv.Name).Msg("mcp_register_failed")
				return
			}
			mu.Lock()
			defer mu.Unlock()
		}(srv)
	}
	wg.Wait()
	return nil
}

// RegisterOne connects to a single MCP server and registers its tools.
func (m *Manager) RegisterOne(ctx context.Context, reg tools.Registry, srv config.MCPServerConfig) error {
	if strings.TrimSpace(srv.Name) == "" {
		return fmt.Errorf("server name required")
	}

	// If already exists, close it first (implicit update/replace).
	m.RemoveOne(srv.Name, reg)

	opts := &mcppkg.ClientOptions{}
	if srv.KeepAliveSeconds > 0 {
		opts.KeepAlive = time.Duration(srv.KeepAliveSeconds) * time.Second
	}
	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "chatgateway", Version: version.Version}, opts)

	transport, err := buildTransport(srv)
	if err != nil {
		return err
	}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return err
	}
	m.sessions[srv.Name] = session
	log.Info().Str("server", srv.Name).Str("transport", transportKind(srv)).Msg("mcp_server_connected")

	var tNames []string
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			break
		}
		t := &mcpTool{server: srv.Name, session: session, tool: tool}
		reg.Register(t)
		tNames = append(tNames, t.Name())
	}
	m.toolNames[srv.Name] = tNames
	log.Info().Str("server", srv.Name).Int("tools", len(tNames)).Msg("mcp_tools_discovered")
	return nil
}

// buildTransport selects stdio/sse/streamable-http per srv.Transport, falling
// back to inference from Command vs URL when unset.
func buildTransport(srv config.MCPServerConfig) (mcppkg.Transport, error) {
	kind := transportKind(srv)
	switch kind {
	case "stdio":
		cleanCmd := filepath.Clean(srv.Command)
		if cleanCmd != srv.Command || filepath.IsAbs(cleanCmd) || strings.Contains(cleanCmd, string(os.PathSeparator)+"..") {
			return nil, fmt.Errorf("invalid command path")
		}
		cmd := exec.Command(cleanCmd, srv.Args...)
		if len(srv.Env) > 0 {
			env := os.Environ()
			for k, v := range srv.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		return &mcppkg.CommandTransport{Command: cmd}, nil
	case "sse":
		httpClient := buildMCPHTTPClient(srv)
		return &mcppkg.SSEClientTransport{Endpoint: srv.URL, HTTPClient: httpClient}, nil
	case "streamable-http":
		httpClient := buildMCPHTTPClient(srv)
		return &mcppkg.StreamableClientTransport{Endpoint: srv.URL, HTTPClient: httpClient}, nil
	default:
		return nil, fmt.Errorf("invalid config: neither command nor url provided")
	}
}

func transportKind(srv config.MCPServerConfig) string {
	if t := strings.ToLower(strings.TrimSpace(srv.Transport)); t != "" {
		return t
	}
	if strings.TrimSpace(srv.Command) != "" {
		return "stdio"
	}
	if strings.TrimSpace(srv.URL) != "" {
		return "streamable-http"
	}
	return ""
}

// RemoveOne closes the session for the named server and unregisters its tools.
func (m *Manager) RemoveOne(name string, reg tools.Registry) {
	if s, ok := m.sessions[name]; ok {
		_ = s.Close()
		delete(m.sessions, name)
		log.Info().Str("server", name).Msg("mcp_server_disconnected")
	}
	if names, ok := m.toolNames[name]; ok {
		for _, tName := range names {
			reg.Unregister(tName)
		}
		delete(m.toolNames, name)
	}
}

// mcpTool adapts an MCP tool to the local tools.Tool interface.
type mcpTool struct {
	server  string
	session *mcppkg.ClientSession
	tool    *mcppkg.Tool
}

// Name namespaces the wrapped tool as "{server}__{tool}" so identically
// named tools from two servers never collide.
func (t *mcpTool) Name() string {
	return sanitizeName(t.server) + "__" + sanitizeName(t.tool.Name)
}

func (t *mcpTool) JSONSchema() map[string]any {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if t.tool.InputSchema != nil {
		if b, err := json.Marshal(t.tool.InputSchema); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil && m != nil {
				for k, v := range m {
					params[k] = v
				}
			}
		}
	}
	if params["type"] != "object" {
		params["type"] = "object"
	}
	if _, ok := params["properties"]; !ok || params["properties"] == nil {
		params["properties"] = map[string]any{}
	}
	sanitizeSchema(params, "")
	return map[string]any{
		"description": t.tool.Description,
		"parameters":  params,
	}
}

// sanitizeSchema normalizes a JSON schema map in-place to meet stricter
// function-calling tool requirements (object/array completeness, required
// field shape).
func sanitizeSchema(s map[string]any, prop string) {
	hasType := func(v any, want string) bool {
		switch tt := v.(type) {
		case string:
			return tt == want
		case []any:
			for _, x := range tt {
				if xs, ok := x.(string); ok && xs == want {
					return true
				}
			}
		case []string:
			for _, xs := range tt {
				if xs == want {
					return true
				}
			}
		}
		return false
	}

	if hasType(s["type"], "object") {
		if _, ok := s["properties"].(map[string]any); !ok {
			s["properties"] = map[string]any{}
		}
	}
	if hasType(s["type"], "array") {
		if _, ok := s["items"].(map[string]any); !ok {
			s["items"] = map[string]any{"type": "string"}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		for k, v := range props {
			if m, ok := v.(map[string]any); ok {
				sanitizeSchema(m, k)
			}
		}
	}
	if it, ok := s["items"].(map[string]any); ok {
		sanitizeSchema(it, prop+"[]")
	}
	for _, key := range []string{"oneOf", "anyOf", "allOf"} {
		if arr, ok := s[key].([]any); ok {
			for _, v := range arr {
				if m, ok := v.(map[string]any); ok {
					sanitizeSchema(m, prop)
				}
			}
		}
	}
	if req, ok := s["required"]; ok {
		if rr, ok := req.([]any); ok {
			out := make([]string, 0, len(rr))
			for _, x := range rr {
				if xs, ok := x.(string); ok {
					out = append(out, xs)
				}
			}
			s["required"] = out
		}
	}
}

// silentExitMarker is the tool-output sentinel that tells the agent loop to
// end the turn without emitting a final assistant message.
const silentExitMarker = "__silent_exit__"

// ErrSilentExit signals that a tool asked for a graceful, body-less
// termination of the current turn (see mcpclient.go's silent-exit handling).
type ErrSilentExit struct{ Reason string }

func (e *ErrSilentExit) Error() string { return fmt.Sprintf("silent exit: %s", e.Reason) }

// SilentExitReason implements tools.SilentExit.
func (e *ErrSilentExit) SilentExitReason() string { return e.Reason }

func (t *mcpTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := t.session.CallTool(ctx, &mcppkg.CallToolParams{Name: t.tool.Name, Arguments: args})
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}

	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if v, ok := c.(*mcppkg.TextContent); ok {
			texts = append(texts, v.Text)
		}
	}

	if silent, reason := detectSilentExit(texts, res.StructuredContent); silent {
		return nil, &ErrSilentExit{Reason: reason}
	}

	out := map[string]any{
		"ok":         !res.IsError,
		"text":       strings.Join(texts, "\n"),
		"structured": res.StructuredContent,
	}
	if b, err := json.Marshal(res.Content); err == nil {
		var anyc any
		if json.Unmarshal(b, &anyc) == nil {
			out["content"] = anyc
		}
	}
	return out, nil
}

// detectSilentExit inspects structured content and raw text for the
// {"__silent_exit__": true, "reason": ...} sentinel.
func detectSilentExit(texts []string, structured any) (bool, string) {
	if m, ok := structured.(map[string]any); ok {
		if isSilent, ok := m[silentExitMarker].(bool); ok && isSilent {
			reason, _ := m["reason"].(string)
			return true, reason
		}
	}
	for _, t := range texts {
		trimmed := strings.TrimSpace(t)
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var m map[string]any
		if json.Unmarshal([]byte(trimmed), &m) != nil {
			continue
		}
		if isSilent, ok := m[silentExitMarker].(bool); ok && isSilent {
			reason, _ := m["reason"].(string)
			return true, reason
		}
	}
	return false, ""
}

func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

// buildMCPHTTPClient constructs an HTTP client with optional proxy/TLS and header injection.
func buildMCPHTTPClient(srv config.MCPServerConfig) *http.Client {
	tr := &http.Transport{}
	if p := strings.TrimSpace(srv.HTTP.ProxyURL); p != "" {
		if u, err := url.Parse(p); err == nil {
			tr.Proxy = http.ProxyURL(u)
		}
	}
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: srv.HTTP.TLS.InsecureSkipVerify} // #nosec G402
	rt := &headerRoundTripper{
		base:     tr,
		headers:  srv.Headers,
		bearer:   strings.TrimSpace(srv.BearerToken),
		origin:   defaultOrigin(srv.Origin),
		protocol: strings.TrimSpace(srv.ProtocolVersion),
	}
	cli := &http.Client{Transport: rt}
	if srv.HTTP.TimeoutSeconds > 0 {
		cli.Timeout = time.Duration(srv.HTTP.TimeoutSeconds) * time.Second
	}
	return cli
}

type headerRoundTripper struct {
	base     http.RoundTripper
	headers  map[string]string
	bearer   string
	origin   string
	protocol string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json, text/event-stream")
	}
	if t.origin != "" && r.Header.Get("Origin") == "" {
		r.Header.Set("Origin", t.origin)
	}
	if t.protocol != "" && r.Header.Get("MCP-Protocol-Version") == "" {
		r.Header.Set("MCP-Protocol-Version", t.protocol)
	}
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if t.bearer != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	return t.base.RoundTrip(r)
}

func defaultOrigin(o string) string {
	o = strings.TrimSpace(o)
	if o != "" {
		return o
	}
	return "https://chatgateway.local"
}
