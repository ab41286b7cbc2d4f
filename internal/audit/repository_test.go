package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/porticus/internal/infrastructure/config"
	"github.com/nerrad567/porticus/internal/infrastructure/database"
	"github.com/nerrad567/porticus/internal/relay"
	"github.com/nerrad567/porticus/migrations"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Enabled:     true,
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Migrate(context.Background(), migrations.FS)
	require.NoError(t, err)

	return NewSQLiteRepository(db.DB)
}

func TestFromResult(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entry := FromResult(relay.Result{
		ID:        "s-1",
		Peer:      "127.0.0.1:5000",
		StartedAt: start,
		EndedAt:   start.Add(90 * time.Second),
		Reason:    relay.ReasonDeviceWriteFailed,
		BytesIn:   3,
		Err:       errors.New("device gone"),
	})

	assert.Equal(t, "device_write_failed", entry.Reason)
	assert.Equal(t, "device gone", entry.Error)
	assert.Equal(t, 90*time.Second, entry.Duration())
	assert.Equal(t, uint64(3), entry.BytesIn)
}

func TestSQLiteRepository_RecordAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []*SessionLog{
		{Peer: "10.0.0.1:1000", StartedAt: base, EndedAt: base.Add(time.Minute), Reason: "client_closed", BytesOut: 128},
		{Peer: "10.0.0.2:1000", StartedAt: base.Add(time.Hour), EndedAt: base.Add(2 * time.Hour), Reason: "lagged", Lagged: 40, Error: "too slow"},
		{Peer: "10.0.0.1:2000", StartedAt: base.Add(2 * time.Hour), EndedAt: base.Add(3 * time.Hour), Reason: "client_closed"},
	}
	for _, e := range entries {
		require.NoError(t, repo.Record(ctx, e))
		assert.NotEmpty(t, e.ID, "ID generated")
	}

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, defaultLimit, all.Limit)
	require.Len(t, all.Sessions, 3)
	assert.Equal(t, "10.0.0.1:2000", all.Sessions[0].Peer, "most recent first")
	assert.True(t, all.Sessions[2].StartedAt.Equal(base))

	lagged, err := repo.List(ctx, Filter{Reason: "lagged"})
	require.NoError(t, err)
	require.Len(t, lagged.Sessions, 1)
	assert.Equal(t, uint64(40), lagged.Sessions[0].Lagged)
	assert.Equal(t, "too slow", lagged.Sessions[0].Error)

	byPeer, err := repo.List(ctx, Filter{Peer: "10.0.0.1:"})
	require.NoError(t, err)
	assert.Equal(t, 2, byPeer.Total)

	since, err := repo.List(ctx, Filter{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, since.Total)

	page, err := repo.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Sessions, 1)
	assert.Equal(t, "10.0.0.2:1000", page.Sessions[0].Peer)
}

func TestSQLiteRepository_SubSecondOrdering(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	require.NoError(t, repo.Record(ctx, &SessionLog{Peer: "a", StartedAt: base, Reason: "shutdown"}))
	require.NoError(t, repo.Record(ctx, &SessionLog{Peer: "b", StartedAt: base.Add(500 * time.Millisecond), Reason: "shutdown"}))

	res, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "b", res.Sessions[0].Peer)
}

func TestSQLiteRepository_ListClampsLimit(t *testing.T) {
	repo := setupRepo(t)

	res, err := repo.List(context.Background(), Filter{Limit: 10_000, Offset: -5})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, res.Limit)
	assert.Equal(t, 0, res.Offset)
	assert.NotNil(t, res.Sessions)
	assert.Empty(t, res.Sessions)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `10\_0\%\\`, escapeLike(`10_0%\`))
}
