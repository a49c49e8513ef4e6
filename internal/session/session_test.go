package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/store"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "orca.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLiteStore(db),
	}
}

func TestHistoryTruncatesAtReadTime(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				role := protocol.RoleUser
				if i%2 == 1 {
					role = protocol.RoleAssistant
				}
				require.NoError(t, s.Append(ctx, "chan-1", protocol.Turn{
					Role:      role,
					Text:      fmt.Sprintf("turn %d", i),
					Timestamp: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			last, err := s.History(ctx, "chan-1", 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			assert.Equal(t, "turn 3", last[0].Text)
			assert.Equal(t, protocol.RoleAssistant, last[0].Role)
			assert.Equal(t, "turn 4", last[1].Text)
			assert.True(t, last[1].Timestamp.Equal(base.Add(4*time.Minute)))

			// Nothing was deleted.
			all, err := s.History(ctx, "chan-1", 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			sess, err := s.Get(ctx, "chan-1")
			require.NoError(t, err)
			assert.True(t, sess.CreatedAt.Equal(base))
			assert.True(t, sess.UpdatedAt.Equal(base.Add(4*time.Minute)))
			assert.Len(t, sess.Turns, 5)
		})
	}
}

func TestUnknownChannel(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			turns, err := s.History(context.Background(), "nobody", 10)
			require.NoError(t, err)
			assert.Empty(t, turns)

			_, err = s.Get(context.Background(), "nobody")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConcurrentAppendsKeepEveryTurn(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, s.Append(ctx, "busy", protocol.Turn{Role: protocol.RoleUser, Text: fmt.Sprint(i)}))
				}(i)
			}
			wg.Wait()

			turns, err := s.History(ctx, "busy", 0)
			require.NoError(t, err)
			assert.Len(t, turns, 20)
		})
	}
}

func TestAppendRequiresChannel(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.Append(context.Background(), "", protocol.Turn{Role: protocol.RoleUser, Text: "x"}))
		})
	}
}
