package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestManifest(t *testing.T) *Manifest {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestOpenAppliesMigrationsIdempotently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.db")

	m1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	m2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, m2.Close())
}

func TestPutChunkDedup(t *testing.T) {
	m := openTestManifest(t)

	c := Chunk{Hash: "abc123", SizePlain: 100, ProviderName: "s3-1", StorageKey: "enigma/chunks/ab/abc123"}

	res, err := m.PutChunk(c)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, 1, res.RefCount)

	res, err = m.PutChunk(c)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, 2, res.RefCount)

	got, err := m.GetChunk("abc123")
	require.NoError(t, err)
	require.Equal(t, int64(100), got.SizePlain)
	require.Equal(t, "s3-1", got.ProviderName)
}

func TestAddFileChunkGapFree(t *testing.T) {
	m := openTestManifest(t)

	_, err := m.OpenBackup("b1", "/src")
	require.NoError(t, err)
	fileID, err := m.CreateFile("b1", "file1.txt", 0644, 30, time.Now())
	require.NoError(t, err)

	_, err = m.PutChunk(Chunk{Hash: "h0", SizePlain: 10, ProviderName: "p", StorageKey: "k0"})
	require.NoError(t, err)
	_, err = m.PutChunk(Chunk{Hash: "h1", SizePlain: 10, ProviderName: "p", StorageKey: "k1"})
	require.NoError(t, err)

	// Attempting idx 1 before idx 0 exists must fail: gap-free violation.
	err = m.AddFileChunk(fileID, 1, "h1", 10, 10)
	require.Error(t, err)

	require.NoError(t, m.AddFileChunk(fileID, 0, "h0", 0, 10))
	require.NoError(t, m.AddFileChunk(fileID, 1, "h1", 10, 10))

	edges, err := m.ListFileEdges(fileID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	require.Equal(t, 0, edges[0].Idx)
	require.Equal(t, 1, edges[1].Idx)
}

func TestFinalizeBackupLifecycle(t *testing.T) {
	m := openTestManifest(t)

	_, err := m.OpenBackup("b1", "/src")
	require.NoError(t, err)

	require.NoError(t, m.FinalizeBackup("b1", BackupCompleted, 2, 200))

	b, err := m.GetBackup("b1")
	require.NoError(t, err)
	require.Equal(t, BackupCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)

	// Finalizing an already-terminal backup is rejected.
	err = m.FinalizeBackup("b1", BackupFailed, 2, 200)
	require.Error(t, err)
}

func TestDeleteBackupDecrementsRefcounts(t *testing.T) {
	m := openTestManifest(t)

	_, err := m.OpenBackup("b1", "/src")
	require.NoError(t, err)
	fileID, err := m.CreateFile("b1", "file1.txt", 0644, 10, time.Now())
	require.NoError(t, err)

	res, err := m.PutChunk(Chunk{Hash: "h0", SizePlain: 10, ProviderName: "p", StorageKey: "k0"})
	require.NoError(t, err)
	require.Equal(t, 1, res.RefCount)
	require.NoError(t, m.AddFileChunk(fileID, 0, "h0", 0, 10))

	require.NoError(t, m.DeleteBackup("b1"))

	c, err := m.GetChunk("h0")
	require.NoError(t, err)
	require.Equal(t, 0, c.RefCount)

	orphans, err := m.ListOrphans()
	require.NoError(t, err)
	require.Contains(t, orphans, "h0")
}

func TestDeleteChunkRowRefusesReferenced(t *testing.T) {
	m := openTestManifest(t)

	_, err := m.PutChunk(Chunk{Hash: "h0", SizePlain: 10, ProviderName: "p", StorageKey: "k0"})
	require.NoError(t, err)

	err = m.DeleteChunkRow("h0")
	require.Error(t, err, "refcount=1 chunk must not be deletable")

	_, err = m.db.Exec(`UPDATE chunks SET refcount = 0 WHERE hash = ?`, "h0")
	require.NoError(t, err)
	m.cache.delete("h0")

	require.NoError(t, m.DeleteChunkRow("h0"))

	_, err = m.GetChunk("h0")
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	m := openTestManifest(t)

	_, err := m.PutChunk(Chunk{Hash: "h0", SizePlain: 100, ProviderName: "p", StorageKey: "k0"})
	require.NoError(t, err)
	_, err = m.OpenBackup("b1", "/src")
	require.NoError(t, err)

	stats, err := m.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalChunks)
	require.Equal(t, int64(100), stats.TotalBytes)
	require.Equal(t, int64(1), stats.TotalBackups)
	require.Equal(t, int64(0), stats.OrphanChunks)
}
