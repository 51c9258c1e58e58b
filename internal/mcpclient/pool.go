package mcpclient

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatgateway/internal/config"
	"chatgateway/internal/tools"
)

// TaskPool manages one MCP Manager per task, so a task's servers are
// registered once on first use and explicitly torn down when the task ends
// (spec §4.4: "Sessions are scoped per-task and explicitly torn down when
// the task ends").
type TaskPool struct {
	mu   sync.Mutex
	cfg  config.MCPConfig
	byID map[string]*taskState
}

type taskState struct {
	manager    *Manager
	lastAccess time.Time
}

// NewTaskPool creates a pool that registers mcpCfg's servers for each task.
func NewTaskPool(mcpCfg config.MCPConfig) *TaskPool {
	return &TaskPool{cfg: mcpCfg, byID: make(map[string]*taskState)}
}

// EnsureTaskSession registers mcpCfg's servers for taskID if not already
// active, substituting ${{path}} placeholders from taskData first.
func (p *TaskPool) EnsureTaskSession(ctx context.Context, reg tools.Registry, taskID string, taskData map[string]any) error {
	p.mu.Lock()
	if state, ok := p.byID[taskID]; ok {
		state.lastAccess = time.Now()
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	mgr := NewManager()
	if err := mgr.RegisterFromConfig(ctx, reg, p.cfg, taskData); err != nil {
		return err
	}

	p.mu.Lock()
	p.byID[taskID] = &taskState{manager: mgr, lastAccess: time.Now()}
	p.mu.Unlock()
	log.Info().Str("task_id", taskID).Msg("mcp_task_session_created")
	return nil
}

// Session returns the Manager for an active task, or nil.
func (p *TaskPool) Session(taskID string) *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.byID[taskID]; ok {
		state.lastAccess = time.Now()
		return state.manager
	}
	return nil
}

// EndTask tears down and unregisters every tool belonging to taskID's
// session. Safe to call even if no session exists for the task.
func (p *TaskPool) EndTask(reg tools.Registry, taskID string) {
	p.mu.Lock()
	state, ok := p.byID[taskID]
	if ok {
		delete(p.byID, taskID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, names := range state.manager.toolNames {
		for _, name := range names {
			reg.Unregister(name)
		}
	}
	state.manager.Close()
	log.Info().Str("task_id", taskID).Msg("mcp_task_session_closed")
}

// StartReaper periodically tears down task sessions idle longer than maxIdle,
// guarding against tasks that never call EndTask explicitly (crashed worker,
// abandoned conversation).
func (p *TaskPool) StartReaper(ctx context.Context, reg tools.Registry, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.reapIdle(reg, maxIdle)
			}
		}
	}()
}

func (p *TaskPool) reapIdle(reg tools.Registry, maxIdle time.Duration) {
	now := time.Now()
	var stale []string
	p.mu.Lock()
	for taskID, state := range p.byID {
		if now.Sub(state.lastAccess) > maxIdle {
			stale = append(stale, taskID)
		}
	}
	p.mu.Unlock()
	for _, taskID := range stale {
		p.EndTask(reg, taskID)
		log.Info().Str("task_id", taskID).Msg("mcp_task_session_reaped")
	}
}

// Close tears down every active task session (process shutdown).
func (p *TaskPool) Close() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.mu.Lock()
		state := p.byID[id]
		delete(p.byID, id)
		p.mu.Unlock()
		if state != nil {
			state.manager.Close()
		}
	}
}

// ActiveTaskCount returns the number of tasks with a live MCP session.
func (p *TaskPool) ActiveTaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}
