package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/store"
)

// SQLiteStore persists sessions in the sessions and turns tables
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Append(ctx context.Context, channelID string, turn protocol.Turn) error {
	if channelID == "" {
		return errors.New("channel id is required")
	}
	turn = stamp(turn)
	at := store.FormatTime(turn.Timestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(channel_id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET updated_at = excluded.updated_at`,
		channelID, at, at); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns(channel_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
		channelID, string(turn.Role), turn.Text, at); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, channelID string, maxTurns int) ([]protocol.Turn, error) {
	limit := -1
	if maxTurns > 0 {
		limit = maxTurns
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, created_at FROM (
			SELECT id, role, text, created_at FROM turns
			WHERE channel_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []protocol.Turn
	for rows.Next() {
		var (
			role, text, createdAt string
		)
		if err := rows.Scan(&role, &text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		ts, err := store.ParseTime(createdAt)
		if err != nil {
			return nil, err
		}
		turns = append(turns, protocol.Turn{Role: protocol.Role(role), Text: text, Timestamp: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

func (s *SQLiteStore) Get(ctx context.Context, channelID string) (Session, error) {
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM sessions WHERE channel_id = ?`, channelID).
		Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}

	sess := Session{ChannelID: channelID}
	if sess.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return Session{}, err
	}
	if sess.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return Session{}, err
	}
	if sess.Turns, err = s.History(ctx, channelID, 0); err != nil {
		return Session{}, err
	}
	return sess, nil
}
