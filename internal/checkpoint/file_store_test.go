package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossport-dev/crossport/internal/manual"
	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/pkg/settings"
)

func sampleSnapshot(id string) *Snapshot {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return &Snapshot{
		SessionID:  id,
		Direction:  settings.DirectionAToB,
		SourcePath: "/src/app",
		TargetPath: "/dst/app",
		Status:     "Paused",
		Settings:   settings.Default(),
		Chunks: []plan.Chunk{
			{ID: "c1", FilePath: "a.src", Stage: plan.StageCode, Status: plan.ChunkConverted, CostUSD: 0.12, TokensUsed: 900},
			{ID: "c2", FilePath: "b.src", Stage: plan.StageCode, Status: plan.ChunkPending},
		},
		Stages: map[plan.Stage]plan.StageProgress{
			plan.StageCode: {Stage: plan.StageCode, CompletedUnits: 1, TotalUnits: 2, Status: plan.StageRunning},
		},
		ManualQueue: []manual.Entry{
			{ChunkID: "c9", FilePath: "c.src", Reason: manual.ReasonTranslationFailed, Status: manual.StatusPending, CreatedAt: now, UpdatedAt: now},
		},
		TokensUsed:    900,
		CostUSD:       0.12,
		ActiveModel:   "gpt-5",
		FallbackChain: []string{"gpt-5-mini"},
		Notes:         []string{"started"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("sess-1")
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)
}

func TestFileStoreOverwriteKeepsLatest(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("sess-1")
	require.NoError(t, store.Save(ctx, snap))

	snap.CostUSD = 0.75
	snap.Chunks[1].Status = plan.ChunkConverted
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0.75, loaded.CostUSD)
	assert.Equal(t, plan.ChunkConverted, loaded.Chunks[1].Status)
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := newFileStore(t)
	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Save(context.Background(), sampleSnapshot("sess-1")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sess-1.snap", entries[0].Name())
}

func TestFileStoreStaleTempFileIsIgnored(t *testing.T) {
	// A crash mid-write leaves a .tmp file; it must not shadow the last
	// complete snapshot.
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	snap := sampleSnapshot("sess-1")
	require.NoError(t, store.Save(ctx, snap))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.snap.tmp"), []byte("torn"), 0o600))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, ids)
}

func TestFileStoreListAndDelete(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot("a")))
	require.NoError(t, store.Save(ctx, sampleSnapshot("b")))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing snapshot is not an error.
	assert.NoError(t, store.Delete(ctx, "a"))
}

func TestFileStoreRejectsUnsafeIDs(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("../escape")
	assert.ErrorIs(t, store.Save(ctx, snap), ErrInvalidSessionID)
	_, err := store.Load(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestFileStoreClosed(t *testing.T) {
	store := newFileStore(t)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Save(context.Background(), sampleSnapshot("x")), ErrStoreClosed)
	_, err := store.Load(context.Background(), "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
