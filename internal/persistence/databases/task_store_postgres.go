package databases

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatgateway/internal/observability"
	"chatgateway/internal/persistence"
)

// NewPostgresTaskStore returns a Postgres-backed TaskStore: the
// append-only message log keyed by (task_id, message_id), adapted from
// the session/message store idiom used elsewhere in this package.
func NewPostgresTaskStore(pool *pgxpool.Pool) persistence.TaskStore {
	return &pgTaskStore{pool: pool}
}

type pgTaskStore struct {
	pool *pgxpool.Pool
}

func (s *pgTaskStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *pgTaskStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres task store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
    id UUID PRIMARY KEY,
    owner_user_id BIGINT NOT NULL,
    team_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    is_group_chat BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL DEFAULT 'PENDING',
    next_message_id INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS tasks_owner_updated_idx ON tasks(owner_user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS subtasks (
    id UUID PRIMARY KEY,
    task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    message_id INTEGER NOT NULL,
    parent_id INTEGER NOT NULL DEFAULT 0,
    role TEXT NOT NULL,
    sender_user_id BIGINT,
    prompt TEXT NOT NULL DEFAULT '',
    result JSONB NOT NULL DEFAULT '{}'::jsonb,
    status TEXT NOT NULL DEFAULT 'PENDING',
    progress INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ,
    UNIQUE (task_id, message_id)
);

CREATE INDEX IF NOT EXISTS subtasks_task_message_idx ON subtasks(task_id, message_id);

CREATE TABLE IF NOT EXISTS subtask_contexts (
    id UUID PRIMARY KEY,
    subtask_id UUID NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    extracted_text TEXT NOT NULL DEFAULT '',
    image_base64 TEXT NOT NULL DEFAULT '',
    mime_type TEXT NOT NULL DEFAULT '',
    file_size BIGINT NOT NULL DEFAULT 0,
    original_filename TEXT NOT NULL DEFAULT '',
    knowledge_id TEXT NOT NULL DEFAULT '',
    type_data JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS subtask_contexts_subtask_idx ON subtask_contexts(subtask_id);
`)
	return err
}

func (s *pgTaskStore) CreateTask(ctx context.Context, ownerUserID int64, teamID, title string, isGroupChat bool) (persistence.Task, error) {
	if strings.TrimSpace(title) == "" {
		title = "New Chat"
	}
	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
INSERT INTO tasks (id, owner_user_id, team_id, title, is_group_chat, status)
VALUES ($1, $2, $3, $4, $5, 'PENDING')
RETURNING id, owner_user_id, team_id, title, is_group_chat, status, created_at, updated_at`,
		id, ownerUserID, teamID, title, isGroupChat)
	return scanTask(row)
}

func scanTask(row pgx.Row) (persistence.Task, error) {
	var t persistence.Task
	if err := row.Scan(&t.ID, &t.OwnerUserID, &t.TeamID, &t.Title, &t.IsGroupChat, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.Task{}, persistence.ErrNotFound
		}
		return persistence.Task{}, err
	}
	return t, nil
}

func (s *pgTaskStore) GetTask(ctx context.Context, taskID string) (persistence.Task, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, owner_user_id, team_id, title, is_group_chat, status, created_at, updated_at
FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

func (s *pgTaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status persistence.TaskStatus) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1`, taskID, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *pgTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *pgTaskStore) ListTasks(ctx context.Context, ownerUserID *int64, limit int, beforeTaskID string) ([]persistence.Task, error) {
	query := `SELECT id, owner_user_id, team_id, title, is_group_chat, status, created_at, updated_at FROM tasks WHERE 1=1`
	args := []any{}
	if ownerUserID != nil {
		args = append(args, *ownerUserID)
		query += " AND owner_user_id = $" + itoa(len(args))
	}
	if beforeTaskID != "" {
		args = append(args, beforeTaskID)
		query += " AND created_at < (SELECT created_at FROM tasks WHERE id = $" + itoa(len(args)) + ")"
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $" + itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []persistence.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendSubtask assigns the next dense message_id for the task under a
// row-locked read-increment-write, matching the "message_id is dense
// and strictly increasing" invariant of spec §3.
func (s *pgTaskStore) AppendSubtask(ctx context.Context, sub persistence.Subtask) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var nextID int
	row := tx.QueryRow(ctx, `
UPDATE tasks SET next_message_id = next_message_id + 1, updated_at = NOW()
WHERE id = $1
RETURNING next_message_id - 1`, sub.TaskID)
	if err := row.Scan(&nextID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, persistence.ErrNotFound
		}
		return 0, err
	}

	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	resultJSON, err := json.Marshal(sub.Result)
	if err != nil {
		return 0, err
	}
	var senderUserID any
	if sub.SenderUserID != 0 {
		senderUserID = sub.SenderUserID
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO subtasks (id, task_id, message_id, parent_id, role, sender_user_id, prompt, result, status, progress, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, sub.TaskID, nextID, sub.ParentID, sub.Role, senderUserID, sub.Prompt, resultJSON, sub.Status, sub.Progress, sub.ErrorMessage); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return nextID, nil
}

func scanSubtask(row pgx.Row) (persistence.Subtask, error) {
	var sub persistence.Subtask
	var senderUserID *int64
	var resultJSON []byte
	var completedAt *time.Time
	if err := row.Scan(&sub.ID, &sub.TaskID, &sub.MessageID, &sub.ParentID, &sub.Role, &senderUserID,
		&sub.Prompt, &resultJSON, &sub.Status, &sub.Progress, &sub.ErrorMessage, &sub.CreatedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.Subtask{}, persistence.ErrNotFound
		}
		return persistence.Subtask{}, err
	}
	if senderUserID != nil {
		sub.SenderUserID = *senderUserID
	}
	sub.CompletedAt = completedAt
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &sub.Result)
	}
	return sub, nil
}

const subtaskCols = `id, task_id, message_id, parent_id, role, sender_user_id, prompt, result, status, progress, error_message, created_at, completed_at`

func (s *pgTaskStore) GetSubtask(ctx context.Context, subtaskID string) (persistence.Subtask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subtaskCols+` FROM subtasks WHERE id = $1 AND status != 'DELETE'`, subtaskID)
	return scanSubtask(row)
}

func (s *pgTaskStore) UpdateSubtaskContent(ctx context.Context, subtaskID string, result persistence.SubtaskResult, status persistence.SubtaskStatus) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var completedAt any
	if status == persistence.SubtaskCompleted || status == persistence.SubtaskFailed {
		completedAt = time.Now().UTC()
	}
	cmd, err := s.pool.Exec(ctx, `
UPDATE subtasks SET result = $2, status = $3, completed_at = COALESCE($4, completed_at)
WHERE id = $1`, subtaskID, resultJSON, status, completedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *pgTaskStore) UpdateSubtaskProgress(ctx context.Context, subtaskID string, progress int) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE subtasks SET progress = $2 WHERE id = $1`, subtaskID, progress)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *pgTaskStore) SoftDeleteSubtask(ctx context.Context, subtaskID string) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE subtasks SET status = 'DELETE' WHERE id = $1`, subtaskID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *pgTaskStore) ListSubtasks(ctx context.Context, taskID string, limit int, beforeMessageID int) ([]persistence.Subtask, error) {
	log := observability.LoggerWithTrace(ctx)
	inner := `SELECT ` + subtaskCols + ` FROM subtasks WHERE task_id = $1 AND status != 'DELETE'`
	args := []any{taskID}
	if beforeMessageID > 0 {
		args = append(args, beforeMessageID)
		inner += " AND message_id < $" + itoa(len(args))
	}

	var query string
	if limit > 0 {
		args = append(args, limit)
		query = `SELECT ` + subtaskCols + ` FROM (` + inner + ` ORDER BY message_id DESC LIMIT $` + itoa(len(args)) + `) sub ORDER BY message_id ASC`
	} else {
		query = inner + " ORDER BY message_id ASC"
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("list_subtasks_query_failed")
		return nil, err
	}
	defer rows.Close()
	var out []persistence.Subtask
	for rows.Next() {
		sub, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *pgTaskStore) PutContext(ctx context.Context, c persistence.SubtaskContext) (persistence.SubtaskContext, error) {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	typeData, err := json.Marshal(c.TypeData)
	if err != nil {
		return persistence.SubtaskContext{}, err
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO subtask_contexts (id, subtask_id, type, status, extracted_text, image_base64, mime_type, file_size, original_filename, knowledge_id, type_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id, subtask_id, type, status, extracted_text, image_base64, mime_type, file_size, original_filename, knowledge_id, type_data`,
		id, c.SubtaskID, c.Type, c.Status, c.ExtractedText, c.ImageBase64, c.MimeType, c.FileSize, c.OriginalFilename, c.KnowledgeID, typeData)
	return scanContext(row)
}

func scanContext(row pgx.Row) (persistence.SubtaskContext, error) {
	var c persistence.SubtaskContext
	var typeData []byte
	if err := row.Scan(&c.ID, &c.SubtaskID, &c.Type, &c.Status, &c.ExtractedText, &c.ImageBase64, &c.MimeType,
		&c.FileSize, &c.OriginalFilename, &c.KnowledgeID, &typeData); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.SubtaskContext{}, persistence.ErrNotFound
		}
		return persistence.SubtaskContext{}, err
	}
	if len(typeData) > 0 {
		_ = json.Unmarshal(typeData, &c.TypeData)
	}
	return c, nil
}

const contextCols = `id, subtask_id, type, status, extracted_text, image_base64, mime_type, file_size, original_filename, knowledge_id, type_data`

func (s *pgTaskStore) GetContext(ctx context.Context, contextID string) (persistence.SubtaskContext, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+contextCols+` FROM subtask_contexts WHERE id = $1`, contextID)
	return scanContext(row)
}

func (s *pgTaskStore) ListContextsForSubtask(ctx context.Context, subtaskID string) ([]persistence.SubtaskContext, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+contextCols+` FROM subtask_contexts WHERE subtask_id = $1 ORDER BY created_at ASC`, subtaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []persistence.SubtaskContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgTaskStore) UpdateContextStatus(ctx context.Context, contextID string, status persistence.ContextStatus, extractedText string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE subtask_contexts SET status = $2, extracted_text = CASE WHEN $3 = '' THEN extracted_text ELSE $3 END
WHERE id = $1`, contextID, status, extractedText)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
