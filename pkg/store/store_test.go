package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_CreateAndGet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "sess-1", "demo")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, created.Status)
	assert.Equal(t, "demo", created.Description)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, created.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestStore_GetUnknownReturnsNotFound(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateStatus(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "sess-1", "demo")
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, "sess-1", StatusPaused))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", StatusCompleted), ErrNotFound)
	assert.Error(t, s.UpdateStatus(ctx, "sess-1", Status("BOGUS")))
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s1, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	_, err = s1.Create(ctx, "sess-1", "demo")
	require.NoError(t, err)
	require.NoError(t, s1.UpdateStatus(ctx, "sess-1", StatusCompleted))
	require.NoError(t, s1.Close())

	s2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestStore_ListOrdering(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, id, "s-"+id)
		require.NoError(t, err)
	}

	sessions, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "a", sessions[0].ID)
	assert.Equal(t, "c", sessions[2].ID)
}

func TestStore_PurgeCompleted(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "done", "old completed")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, "done", StatusCompleted))

	_, err = s.Create(ctx, "live", "still active")
	require.NoError(t, err)

	// Cutoff in the future relative to creation: completed rows qualify.
	purged, err := s.PurgeCompleted(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = s.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestStore_CountActive(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "a", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "b", "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, "b", StatusCompleted))

	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
