package streamlifecycle

import (
	"context"
	"sync"
	"time"

	"chatgateway/internal/persistence"
)

// memCache is an in-memory Cache fake used to unit test the non-Redis
// control flow (producer flush cadence, resume algorithm) without a live
// broker. Teacher Redis integrations are exercised at runtime, not via a
// mocked client, the same way the corpus leaves its enterprise-tagged
// Redis code unit-test-free.
type memCache struct {
	mu   sync.Mutex
	kv   map[string]string
	subs map[string][]chan string
}

func newMemCache() *memCache {
	return &memCache{kv: make(map[string]string), subs: make(map[string][]chan string)}
}

func (c *memCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.kv[key]
	return v, ok, nil
}

func (c *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv[key] = value
	return nil
}

func (c *memCache) Publish(ctx context.Context, channel, payload string) error {
	c.mu.Lock()
	chans := append([]chan string(nil), c.subs[channel]...)
	c.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (c *memCache) Subscribe(ctx context.Context, channel string) Subscription {
	ch := make(chan string, 32)
	c.mu.Lock()
	c.subs[channel] = append(c.subs[channel], ch)
	c.mu.Unlock()
	return &memSubscription{cache: c, channel: channel, ch: ch}
}

type memSubscription struct {
	cache   *memCache
	channel string
	ch      chan string
}

func (s *memSubscription) Messages() <-chan string { return s.ch }

func (s *memSubscription) Close() error {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	subs := s.cache.subs[s.channel]
	for i, ch := range subs {
		if ch == s.ch {
			s.cache.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

// memStore is a minimal in-memory persistence.TaskStore fake.
type memStore struct {
	mu       sync.Mutex
	tasks    map[string]persistence.Task
	subtasks map[string]persistence.Subtask
	nextMsg  map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[string]persistence.Task),
		subtasks: make(map[string]persistence.Subtask),
		nextMsg:  make(map[string]int),
	}
}

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close()                         {}

func (s *memStore) CreateTask(ctx context.Context, ownerUserID int64, teamID, title string, isGroupChat bool) (persistence.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "task-1"
	t := persistence.Task{ID: id, OwnerUserID: ownerUserID, TeamID: teamID, Title: title, IsGroupChat: isGroupChat, Status: persistence.TaskPending}
	s.tasks[id] = t
	return t, nil
}

func (s *memStore) GetTask(ctx context.Context, taskID string) (persistence.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return persistence.Task{}, persistence.ErrNotFound
	}
	return t, nil
}

func (s *memStore) UpdateTaskStatus(ctx context.Context, taskID string, status persistence.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return persistence.ErrNotFound
	}
	t.Status = status
	s.tasks[taskID] = t
	return nil
}

func (s *memStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *memStore) ListTasks(ctx context.Context, ownerUserID *int64, limit int, beforeTaskID string) ([]persistence.Task, error) {
	return nil, nil
}

func (s *memStore) AppendSubtask(ctx context.Context, sub persistence.Subtask) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg[sub.TaskID]++
	sub.MessageID = s.nextMsg[sub.TaskID]
	s.subtasks[sub.ID] = sub
	return sub.MessageID, nil
}

func (s *memStore) GetSubtask(ctx context.Context, subtaskID string) (persistence.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[subtaskID]
	if !ok {
		return persistence.Subtask{}, persistence.ErrNotFound
	}
	return sub, nil
}

func (s *memStore) UpdateSubtaskContent(ctx context.Context, subtaskID string, result persistence.SubtaskResult, status persistence.SubtaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[subtaskID]
	if !ok {
		return persistence.ErrNotFound
	}
	sub.Result = result
	sub.Status = status
	s.subtasks[subtaskID] = sub
	return nil
}

func (s *memStore) UpdateSubtaskProgress(ctx context.Context, subtaskID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[subtaskID]
	if !ok {
		return persistence.ErrNotFound
	}
	sub.Progress = progress
	s.subtasks[subtaskID] = sub
	return nil
}

func (s *memStore) SoftDeleteSubtask(ctx context.Context, subtaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[subtaskID]
	if !ok {
		return persistence.ErrNotFound
	}
	sub.Status = persistence.SubtaskDeleted
	s.subtasks[subtaskID] = sub
	return nil
}

func (s *memStore) ListSubtasks(ctx context.Context, taskID string, limit int, beforeMessageID int) ([]persistence.Subtask, error) {
	return nil, nil
}

func (s *memStore) PutContext(ctx context.Context, c persistence.SubtaskContext) (persistence.SubtaskContext, error) {
	return c, nil
}

func (s *memStore) GetContext(ctx context.Context, contextID string) (persistence.SubtaskContext, error) {
	return persistence.SubtaskContext{}, persistence.ErrNotFound
}

func (s *memStore) ListContextsForSubtask(ctx context.Context, subtaskID string) ([]persistence.SubtaskContext, error) {
	return nil, nil
}

func (s *memStore) UpdateContextStatus(ctx context.Context, contextID string, status persistence.ContextStatus, extractedText string) error {
	return nil
}
