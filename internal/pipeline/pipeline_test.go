package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/enigma/internal/audit"
	"github.com/kenneth/enigma/internal/chunker"
	"github.com/kenneth/enigma/internal/compression"
	"github.com/kenneth/enigma/internal/crypto"
	"github.com/kenneth/enigma/internal/distributor"
	"github.com/kenneth/enigma/internal/manifest"
	"github.com/kenneth/enigma/internal/metrics"
)

func newTestEngine(t *testing.T, strategy chunker.Strategy, size uint64, providerNames ...string) *Engine {
	t.Helper()

	ck, err := chunker.New(chunker.Config{Strategy: strategy, Size: size, TargetSize: size})
	require.NoError(t, err)

	ce, err := compression.NewEngine(true, 0, nil, "zstd", 3)
	require.NoError(t, err)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cr, err := crypto.NewEngine(key)
	require.NoError(t, err)

	mf, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mf.Close() })

	if len(providerNames) == 0 {
		providerNames = []string{"p1"}
	}
	var providers []distributor.Provider
	for _, name := range providerNames {
		p, err := distributor.NewLocalProvider(name, filepath.Join(t.TempDir(), name), 1)
		require.NoError(t, err)
		providers = append(providers, p)
	}
	dist, err := distributor.New(providers, distributor.NewRoundRobin())
	require.NoError(t, err)

	al := audit.NewLogger(1000, nil)
	mx := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	log := logrus.New()
	log.SetOutput(os.Stderr)

	return New(ck, ce, cr, mf, dist, al, mx, log, 4)
}

func writeSourceFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	full := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
	require.NoError(t, os.WriteFile(full, content, 0o640))
	return full
}

func countStoredObjects(t *testing.T, providers ...distributor.Provider) int {
	t.Helper()
	total := 0
	for _, p := range providers {
		keys, err := p.List(context.Background(), "enigma/chunks/")
		require.NoError(t, err)
		total += len(keys)
	}
	return total
}

func TestBackupRestoreSmallTextRoundTrip(t *testing.T) {
	eng := newTestEngine(t, chunker.StrategyFixed, 64*1024)
	src := t.TempDir()
	writeSourceFile(t, src, "hello.txt", []byte("hello, enigma backup engine"))

	ctx := context.Background()
	backup, err := eng.Backup(ctx, "backup-1", src)
	require.NoError(t, err)
	require.Equal(t, manifest.BackupCompleted, backup.Status)
	require.Equal(t, 1, backup.TotalFiles)

	dest := t.TempDir()
	require.NoError(t, eng.Restore(ctx, "backup-1", dest, nil))

	got, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello, enigma backup engine", string(got))
}

func TestBackupDedupSkipsReupload(t *testing.T) {
	eng := newTestEngine(t, chunker.StrategyFixed, 32*1024)
	src := t.TempDir()
	content := make([]byte, 32*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	writeSourceFile(t, src, "a.bin", content)

	ctx := context.Background()
	_, err := eng.Backup(ctx, "backup-a", src)
	require.NoError(t, err)

	stats, err := eng.Manifest.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalChunks)

	provider, _ := eng.Distributor.Provider("p1")
	before := countStoredObjects(t, provider)
	require.Equal(t, 1, before)

	_, err = eng.Backup(ctx, "backup-b", src)
	require.NoError(t, err)

	after := countStoredObjects(t, provider)
	require.Equal(t, before, after, "a dedup re-backup must not upload anything new")

	chunks, err := eng.Manifest.ListFileEdges(mustFirstFileID(t, eng, "backup-b"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	chunk, err := eng.Manifest.GetChunk(chunks[0].Hash)
	require.NoError(t, err)
	require.Equal(t, 2, chunk.RefCount, "refcount must double across two backups of identical content")
}

func mustFirstFileID(t *testing.T, eng *Engine, backupID string) int64 {
	t.Helper()
	files, err := eng.Manifest.ListFiles(backupID)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	return files[0].ID
}

func TestBackupFixedChunking100KiBProducesFourChunks(t *testing.T) {
	eng := newTestEngine(t, chunker.StrategyFixed, 32*1024)
	src := t.TempDir()
	content := make([]byte, 100*1024)
	for i := range content {
		content[i] = byte(i % 256)
	}
	writeSourceFile(t, src, "big.bin", content)

	ctx := context.Background()
	backup, err := eng.Backup(ctx, "backup-fixed", src)
	require.NoError(t, err)
	require.EqualValues(t, len(content), backup.TotalBytes)

	fileID := mustFirstFileID(t, eng, "backup-fixed")
	edges, err := eng.Manifest.ListFileEdges(fileID)
	require.NoError(t, err)
	require.Len(t, edges, 4)
	for i, e := range edges {
		require.Equal(t, i, e.Idx)
		if i < 3 {
			require.EqualValues(t, 32*1024, e.Length)
		} else {
			require.EqualValues(t, 4*1024, e.Length)
		}
	}
}

func TestVerifyDetectsTamperedChunk(t *testing.T) {
	eng := newTestEngine(t, chunker.StrategyFixed, 64*1024)
	src := t.TempDir()
	writeSourceFile(t, src, "secret.txt", []byte("this must not be altered in storage"))

	ctx := context.Background()
	_, err := eng.Backup(ctx, "backup-tamper", src)
	require.NoError(t, err)

	fileID := mustFirstFileID(t, eng, "backup-tamper")
	edges, err := eng.Manifest.ListFileEdges(fileID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	hash := edges[0].Hash

	chunk, err := eng.Manifest.GetChunk(hash)
	require.NoError(t, err)
	provider, ok := eng.Distributor.Provider(chunk.ProviderName)
	require.True(t, ok)

	ciphertext, err := provider.Get(ctx, chunk.StorageKey)
	require.NoError(t, err)
	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF
	require.NoError(t, provider.Put(ctx, chunk.StorageKey, tampered))

	report, err := eng.Verify(ctx, "backup-tamper")
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Len(t, report.Failures, 1)
	require.Equal(t, hash, report.Failures[0].Hash)
}

func TestProviderRotationDistributesChunksEvenly(t *testing.T) {
	eng := newTestEngine(t, chunker.StrategyFixed, 16*1024, "p1", "p2", "p3")
	src := t.TempDir()

	for i := 0; i < 6; i++ {
		content := make([]byte, 16*1024)
		for j := range content {
			content[j] = byte((i*37 + j) % 256)
		}
		writeSourceFile(t, src, filepath.Join("files", string(rune('a'+i))+".bin"), content)
	}

	ctx := context.Background()
	_, err := eng.Backup(ctx, "backup-rotate", src)
	require.NoError(t, err)

	providers := []distributor.Provider{}
	for _, name := range []string{"p1", "p2", "p3"} {
		p, ok := eng.Distributor.Provider(name)
		require.True(t, ok)
		providers = append(providers, p)
		count := countStoredObjects(t, p)
		require.Equal(t, 2, count, "provider %s should hold exactly 2 of 6 unique chunks", name)
	}

	totalBefore := countStoredObjects(t, providers...)
	require.Equal(t, 6, totalBefore)

	_, err = eng.Backup(ctx, "backup-rotate-again", src)
	require.NoError(t, err)
	totalAfter := countStoredObjects(t, providers...)
	require.Equal(t, totalBefore, totalAfter, "re-backing up identical content must not place any new chunks")
}

func TestGCDeletesOrphanedChunks(t *testing.T) {
	eng := newTestEngine(t, chunker.StrategyFixed, 64*1024)
	src := t.TempDir()
	writeSourceFile(t, src, "gone.txt", []byte("will be deleted"))

	ctx := context.Background()
	_, err := eng.Backup(ctx, "backup-gc", src)
	require.NoError(t, err)

	require.NoError(t, eng.Manifest.DeleteBackup("backup-gc"))

	orphans, err := eng.Manifest.ListOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	dry, err := eng.GC(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, dry.OrphansFound)
	require.Equal(t, 0, dry.ChunksDeleted)

	report, err := eng.GC(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.ChunksDeleted)
	require.Empty(t, report.Errors)

	stats, err := eng.Manifest.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.TotalChunks)
}
