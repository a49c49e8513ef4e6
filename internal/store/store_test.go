package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "orca.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"sessions", "turns", "tasks", "containers"} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "orca.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO sessions(channel_id, created_at, updated_at) VALUES ('c', 'x', 'x')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 30, 0, 123456789, time.FixedZone("x", 3600))

	parsed, err := ParseTime(FormatTime(at))
	require.NoError(t, err)
	assert.True(t, at.Equal(parsed))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
	assert.Nil(t, NullIfEmpty(""))
	assert.Equal(t, "v", NullIfEmpty("v"))
}
