// Package persistence defines the storage-facing contracts for the
// gateway core: the append-only Task/Subtask message log and the
// attachment/knowledge-base context records bound to it.
package persistence

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Handlers translate
// these into HTTP 400/403/404 at the boundary (spec §7).
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidArgument = errors.New("invalid argument")
)

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Task is a conversation root (spec §3).
type Task struct {
	ID          string     `json:"task_id"`
	OwnerUserID int64      `json:"owner_user_id"`
	TeamID      string     `json:"team_id,omitempty"`
	Title       string     `json:"title"`
	IsGroupChat bool       `json:"is_group_chat"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SubtaskRole distinguishes a user turn from an assistant turn.
type SubtaskRole string

const (
	RoleUser      SubtaskRole = "USER"
	RoleAssistant SubtaskRole = "ASSISTANT"
)

// SubtaskStatus is the lifecycle status of a Subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskCompleted SubtaskStatus = "COMPLETED"
	SubtaskFailed    SubtaskStatus = "FAILED"
	SubtaskDeleted   SubtaskStatus = "DELETE"
)

// SubtaskResult is the ASSISTANT subtask's persisted `result` column
// (spec §6 "Persisted state").
type SubtaskResult struct {
	Value        string         `json:"value"`
	Streaming    bool           `json:"streaming,omitempty"`
	Incomplete   bool           `json:"incomplete,omitempty"`
	LoadedSkills []string       `json:"loaded_skills,omitempty"`
	Correction   map[string]any `json:"correction,omitempty"`
}

// Subtask is a single turn within a Task (spec §3). For USER subtasks,
// Prompt is populated and Result is the zero value; for ASSISTANT
// subtasks, Result is populated and Prompt is empty.
type Subtask struct {
	ID               string        `json:"subtask_id"`
	TaskID           string        `json:"task_id"`
	MessageID        int           `json:"message_id"`
	ParentID         int           `json:"parent_id"`
	Role             SubtaskRole   `json:"role"`
	SenderUserID     int64         `json:"sender_user_id,omitempty"`
	Prompt           string        `json:"prompt,omitempty"`
	Result           SubtaskResult `json:"result,omitempty"`
	Status           SubtaskStatus `json:"status"`
	Progress         int           `json:"progress"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// ContextType distinguishes an attachment binding from a knowledge-base
// binding on a USER subtask.
type ContextType string

const (
	ContextAttachment    ContextType = "ATTACHMENT"
	ContextKnowledgeBase ContextType = "KNOWLEDGE_BASE"
)

// ContextStatus is the materialisation status of a Subtask Context.
type ContextStatus string

const (
	ContextPending ContextStatus = "PENDING"
	ContextReady   ContextStatus = "READY"
	ContextFailed  ContextStatus = "FAILED"
)

// SubtaskContext is an attachment or knowledge-base binding on a USER
// subtask (spec §3). TypeData carries mode-specific fields: direct
// injection flag, RAG result, or kb_head slice parameters.
type SubtaskContext struct {
	ID               string         `json:"context_id"`
	SubtaskID        string         `json:"subtask_id"`
	Type             ContextType    `json:"type"`
	Status           ContextStatus  `json:"status"`
	ExtractedText    string         `json:"extracted_text,omitempty"`
	ImageBase64      string         `json:"image_base64,omitempty"`
	MimeType         string         `json:"mime_type,omitempty"`
	FileSize         int64          `json:"file_size,omitempty"`
	OriginalFilename string         `json:"original_filename,omitempty"`
	KnowledgeID      string         `json:"knowledge_id,omitempty"`
	TypeData         map[string]any `json:"type_data,omitempty"`
}

// TaskStore is the append-only message log keyed by (task_id,
// message_id), plus task/subtask-context CRUD (spec §6 "Internal
// chat-storage API").
type TaskStore interface {
	Init(ctx context.Context) error
	Close()

	CreateTask(ctx context.Context, ownerUserID int64, teamID, title string, isGroupChat bool) (Task, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error
	DeleteTask(ctx context.Context, taskID string) error
	ListTasks(ctx context.Context, ownerUserID *int64, limit int, beforeTaskID string) ([]Task, error)

	// AppendSubtask assigns the next dense message_id for taskID and
	// inserts the subtask. Returns the assigned message_id.
	AppendSubtask(ctx context.Context, s Subtask) (messageID int, err error)
	GetSubtask(ctx context.Context, subtaskID string) (Subtask, error)
	UpdateSubtaskContent(ctx context.Context, subtaskID string, result SubtaskResult, status SubtaskStatus) error
	UpdateSubtaskProgress(ctx context.Context, subtaskID string, progress int) error
	SoftDeleteSubtask(ctx context.Context, subtaskID string) error
	// ListSubtasks returns ordered (oldest first) subtasks for a task.
	// limit, if > 0, means "most recent N".
	ListSubtasks(ctx context.Context, taskID string, limit int, beforeMessageID int) ([]Subtask, error)

	PutContext(ctx context.Context, c SubtaskContext) (SubtaskContext, error)
	GetContext(ctx context.Context, contextID string) (SubtaskContext, error)
	ListContextsForSubtask(ctx context.Context, subtaskID string) ([]SubtaskContext, error)
	UpdateContextStatus(ctx context.Context, contextID string, status ContextStatus, extractedText string) error
}
