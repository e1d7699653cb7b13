package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/edge_video_cache/internal/storage"
	"github.com/italolelis/edge_video_cache/internal/storage/sqlite"
)

func seedDownloading(t *testing.T) *sqlite.VideoRepository {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "videos.db")

	t.Setenv("CONTENT_DIR", filepath.Join(dir, "content"))
	t.Setenv("DB_PATH", dbPath)
	t.Setenv("LOG_LEVEL", "ERROR")

	db, err := sqlite.InitDB(dbPath, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewVideoRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &storage.VideoRecord{
		ID: "v1", Name: "Lesson", Status: storage.StatusPending, SourceURL: "https://origin/v1.mp4",
	}))

	claimed, err := repo.Claim(ctx, storage.ClaimRequest{ID: "v1", InstanceID: "edge-a-4242-beef", SourceURL: "https://origin/v1.mp4"})
	require.NoError(t, err)
	require.True(t, claimed)

	return repo
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), stderr.String(), err
}

func TestReconcileCmd_RefusesOwnedDownloads(t *testing.T) {
	repo := seedDownloading(t)

	_, stderr, err := execute(t, "reconcile")
	require.ErrorIs(t, err, errDownloadsOwned)
	assert.Contains(t, stderr, `v1 is downloading, locked by "edge-a-4242-beef"`)

	rec, err := repo.Get(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, rec.Status, "a running server keeps its transfer")
}

func TestReconcileCmd_Force(t *testing.T) {
	repo := seedDownloading(t)

	stdout, _, err := execute(t, "reconcile", "--force")
	require.NoError(t, err)
	assert.Contains(t, stdout, "reconciled 1 interrupted downloads")

	rec, err := repo.Get(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, "interrupted by restart", rec.Message)
	assert.Empty(t, rec.LockedBy)
}

func TestReconcileCmd_NothingToDo(t *testing.T) {
	repo := seedDownloading(t)

	require.NoError(t, repo.Fail(context.Background(), "v1", "network", "connection reset"))

	stdout, _, err := execute(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, stdout, "reconciled 0 interrupted downloads")
}
