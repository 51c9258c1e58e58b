// Package agentd exposes the chat-facing and internal chat-storage HTTP
// surface of spec §6, wiring together the agent loop, the persistence
// layer, the tool registry, and the streaming/memory/knowledge
// subsystems built alongside it.
package agentd

import (
	"net/http"

	"chatgateway/internal/agent"
	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/knowledge"
	"chatgateway/internal/llm"
	"chatgateway/internal/ltm"
	"chatgateway/internal/mcpclient"
	"chatgateway/internal/persistence"
	"chatgateway/internal/persistence/databases"
	"chatgateway/internal/streamlifecycle"
	"chatgateway/internal/tools"
)

// App holds every dependency the HTTP handlers need. It is built once at
// startup by New and is safe for concurrent use by multiple requests.
type App struct {
	cfg *config.Config

	store      persistence.TaskStore
	dbManager  databases.Manager
	authStore  *auth.Store
	llmBase    llm.Provider
	tools      tools.Registry
	mcpPool    *mcpclient.TaskPool
	streams    *streamlifecycle.Manager
	memory     *ltm.Client
	knowledge  *knowledge.Retriever
	engineTmpl agent.Engine
}

// Deps carries the already-constructed dependencies a caller assembled
// (typically cmd/agentd's main, so config parsing and backend selection
// stay outside this package). New does no I/O itself.
type Deps struct {
	Config    *config.Config
	Store     persistence.TaskStore
	DBManager databases.Manager
	AuthStore *auth.Store
	LLM       llm.Provider
	Tools     tools.Registry
	MCPPool   *mcpclient.TaskPool
	Streams   *streamlifecycle.Manager
	Memory    *ltm.Client
	Knowledge *knowledge.Retriever
	// EngineTemplate is copied per request (Run/RunStream mutate callback
	// fields), so concurrent requests never share engine state.
	EngineTemplate agent.Engine
}

// New assembles an App from already-constructed dependencies.
func New(d Deps) *App {
	return &App{
		cfg:        d.Config,
		store:      d.Store,
		dbManager:  d.DBManager,
		authStore:  d.AuthStore,
		llmBase:    d.LLM,
		tools:      d.Tools,
		mcpPool:    d.MCPPool,
		streams:    d.Streams,
		memory:     d.Memory,
		knowledge:  d.Knowledge,
		engineTmpl: d.EngineTemplate,
	}
}

// Handler builds the root http.Handler: the routed mux, optionally
// wrapped with session auth (spec §7 "unauthorised access -> 403").
func (a *App) Handler() http.Handler {
	mux := a.newRouter()
	return a.wrapWithMiddleware(mux)
}

func (a *App) wrapWithMiddleware(h http.Handler) http.Handler {
	if a.cfg.Auth.Enabled && a.authStore != nil {
		return auth.Middleware(a.authStore, "sio_session", false)(h)
	}
	return h
}

// cloneEngine returns a per-request copy of the engine template so
// request-scoped callbacks (OnDelta, OnAssistant, CancelCheck) never leak
// across concurrent requests.
func (a *App) cloneEngine() *agent.Engine {
	e := a.engineTmpl
	return &e
}
