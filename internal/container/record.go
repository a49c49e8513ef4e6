package container

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/store"
)

// Record is the registry entry for one task's container
type Record struct {
	TaskID        string                  `json:"task_id"`
	Name          string                  `json:"name"`
	RuntimeID     string                  `json:"runtime_id,omitempty"`
	State         protocol.ContainerState `json:"state"`
	WorkspacePath string                  `json:"workspace_path"`
	LastUsed      time.Time               `json:"last_used"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// RecordStore persists container records across restarts
type RecordStore interface {
	SaveRecord(ctx context.Context, rec Record) error
	LoadRecords(ctx context.Context) ([]Record, error)
}

// MemoryRecordStore keeps records in memory
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]Record)}
}

func (s *MemoryRecordStore) SaveRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TaskID] = rec
	return nil
}

func (s *MemoryRecordStore) LoadRecords(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// SQLiteRecordStore persists records in the containers table
type SQLiteRecordStore struct {
	db *sql.DB
}

func NewSQLiteRecordStore(db *sql.DB) *SQLiteRecordStore {
	return &SQLiteRecordStore{db: db}
}

func (s *SQLiteRecordStore) SaveRecord(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO containers(task_id, name, runtime_id, state, workspace_path, last_used, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			name = excluded.name,
			runtime_id = excluded.runtime_id,
			state = excluded.state,
			workspace_path = excluded.workspace_path,
			last_used = excluded.last_used,
			updated_at = excluded.updated_at`,
		rec.TaskID,
		rec.Name,
		store.NullIfEmpty(rec.RuntimeID),
		string(rec.State),
		rec.WorkspacePath,
		store.FormatTime(rec.LastUsed),
		store.FormatTime(rec.CreatedAt),
		store.FormatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert container record: %w", err)
	}
	return nil
}

func (s *SQLiteRecordStore) LoadRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, name, runtime_id, state, workspace_path, last_used, created_at, updated_at
		 FROM containers ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("query container records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                            Record
			runtimeID                      sql.NullString
			state                          string
			lastUsed, createdAt, updatedAt string
		)
		if err := rows.Scan(&rec.TaskID, &rec.Name, &runtimeID, &state, &rec.WorkspacePath,
			&lastUsed, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan container record: %w", err)
		}
		rec.RuntimeID = runtimeID.String
		rec.State = protocol.ContainerState(state)
		if rec.LastUsed, err = store.ParseTime(lastUsed); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate container records: %w", err)
	}
	return out, nil
}
