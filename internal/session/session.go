// Package session keeps per-channel conversation history.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iambrandonn/orca/internal/protocol"
)

// ErrNotFound is returned for a channel that has never been seen.
var ErrNotFound = errors.New("session not found")

// Session is the conversation attached to one channel
type Session struct {
	ChannelID string          `json:"channel_id"`
	Turns     []protocol.Turn `json:"turns"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is append-only. Truncation happens only when history is read.
type Store interface {
	// Append records a turn, creating the session on first use. Appends to
	// the same channel are serialized.
	Append(ctx context.Context, channelID string, turn protocol.Turn) error
	// History returns the most recent maxTurns turns in order. maxTurns <= 0
	// returns all of them.
	History(ctx context.Context, channelID string, maxTurns int) ([]protocol.Turn, error)
	Get(ctx context.Context, channelID string) (Session, error)
}

func stamp(turn protocol.Turn) protocol.Turn {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	return turn
}

func tail(turns []protocol.Turn, maxTurns int) []protocol.Turn {
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return append([]protocol.Turn(nil), turns...)
}

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu sync.Mutex
	s  Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (m *MemoryStore) lookup(channelID string, create bool) *memorySession {
	m.mu.RLock()
	ms, ok := m.sessions[channelID]
	m.mu.RUnlock()
	if ok || !create {
		return ms
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok = m.sessions[channelID]; !ok {
		ms = &memorySession{s: Session{ChannelID: channelID}}
		m.sessions[channelID] = ms
	}
	return ms
}

func (m *MemoryStore) Append(ctx context.Context, channelID string, turn protocol.Turn) error {
	if channelID == "" {
		return errors.New("channel id is required")
	}
	turn = stamp(turn)
	ms := m.lookup(channelID, true)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.s.CreatedAt.IsZero() {
		ms.s.CreatedAt = turn.Timestamp
	}
	ms.s.UpdatedAt = turn.Timestamp
	ms.s.Turns = append(ms.s.Turns, turn)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, channelID string, maxTurns int) ([]protocol.Turn, error) {
	ms := m.lookup(channelID, false)
	if ms == nil {
		return nil, nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return tail(ms.s.Turns, maxTurns), nil
}

func (m *MemoryStore) Get(ctx context.Context, channelID string) (Session, error) {
	ms := m.lookup(channelID, false)
	if ms == nil {
		return Session{}, ErrNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s := ms.s
	s.Turns = tail(s.Turns, 0)
	return s, nil
}
