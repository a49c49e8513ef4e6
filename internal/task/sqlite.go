package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/store"
)

// SQLiteStore persists tasks in the tasks table
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const taskColumns = `task_id, channel_id, status, prompt, repo_ref, container_id,
	error_kind, error_message, error_exit_code, output_log, result,
	created_at, updated_at, completed_at`

func (s *SQLiteStore) Create(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskArgs(t)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, t Task) error {
	args := taskArgs(t)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET channel_id = ?, status = ?, prompt = ?, repo_ref = ?, container_id = ?,
			error_kind = ?, error_message = ?, error_exit_code = ?, output_log = ?, result = ?,
			created_at = ?, updated_at = ?, completed_at = ?
		 WHERE task_id = ?`,
		append(args[1:], t.ID)...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) List(ctx context.Context, statuses ...protocol.TaskStatus) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, task_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func taskArgs(t Task) []any {
	var (
		kind, message any
		exitCode      any
		completedAt   any
	)
	if t.Error != nil {
		kind = string(t.Error.Kind)
		message = t.Error.Message
		exitCode = t.Error.ExitCode
	}
	if t.CompletedAt != nil {
		completedAt = store.FormatTime(*t.CompletedAt)
	}
	return []any{
		t.ID,
		t.ChannelID,
		string(t.Status),
		t.Prompt,
		store.NullIfEmpty(t.RepoRef),
		store.NullIfEmpty(t.ContainerID),
		kind,
		message,
		exitCode,
		store.NullIfEmpty(t.OutputLog),
		store.NullIfEmpty(t.Result),
		store.FormatTime(t.CreatedAt),
		store.FormatTime(t.UpdatedAt),
		completedAt,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var (
		t                                     Task
		status                                string
		repoRef, containerID, errKind, errMsg sql.NullString
		outputLog, result, completedAt        sql.NullString
		exitCode                              sql.NullInt64
		createdAt, updatedAt                  string
	)
	err := row.Scan(&t.ID, &t.ChannelID, &status, &t.Prompt, &repoRef, &containerID,
		&errKind, &errMsg, &exitCode, &outputLog, &result,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}

	t.Status = protocol.TaskStatus(status)
	t.RepoRef = repoRef.String
	t.ContainerID = containerID.String
	t.OutputLog = outputLog.String
	t.Result = result.String
	if errKind.Valid {
		t.Error = &protocol.TaskError{
			Kind:     protocol.ErrorKind(errKind.String),
			Message:  errMsg.String,
			ExitCode: int(exitCode.Int64),
		}
	}
	if t.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return Task{}, err
	}
	if t.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return Task{}, err
	}
	if completedAt.Valid {
		at, err := store.ParseTime(completedAt.String)
		if err != nil {
			return Task{}, err
		}
		t.CompletedAt = &at
	}
	return t, nil
}
