package consensus

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/enigma/internal/config"
	"github.com/kenneth/enigma/internal/manifest"
)

func newSingleNodeCluster(t *testing.T) *Node {
	t.Helper()

	mf, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mf.Close() })

	cfg := config.RaftConfig{
		NodeID:    "node-1",
		BindAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}

	log := logrus.New()
	node, err := NewNode(cfg, mf, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	waitForLeader(t, node)
	return node
}

func waitForLeader(t *testing.T, n *Node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("node never became leader")
}

func TestNodeReplicatesOpenAndFinalizeBackup(t *testing.T) {
	node := newSingleNodeCluster(t)

	backup, err := node.OpenBackup("backup-1", "/data/src")
	require.NoError(t, err)
	require.Equal(t, "backup-1", backup.BackupID)
	require.Equal(t, manifest.BackupRunning, backup.Status)

	require.NoError(t, node.FinalizeBackup("backup-1", manifest.BackupCompleted, 3, 4096))
}

func TestNodeReplicatesChunkAndFileLifecycle(t *testing.T) {
	node := newSingleNodeCluster(t)

	_, err := node.OpenBackup("backup-2", "/data/src")
	require.NoError(t, err)

	fileID, err := node.CreateFile("backup-2", "a.bin", 0o640, 1024, time.Now())
	require.NoError(t, err)
	require.NotZero(t, fileID)

	result, err := node.PutChunk(manifest.Chunk{
		Hash:         "deadbeef",
		SizePlain:    1024,
		ProviderName: "p1",
		StorageKey:   "enigma/chunks/de/deadbeef",
	})
	require.NoError(t, err)
	require.False(t, result.Duplicate)

	require.NoError(t, node.AddFileChunk(fileID, 0, "deadbeef", 0, 1024))

	// A second PutChunk of the same hash is a dedup hit, replicated
	// through Raft exactly like the first.
	result, err = node.PutChunk(manifest.Chunk{Hash: "deadbeef"})
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, 2, result.RefCount)

	// The row is still referenced (refcount 2), so the replicated
	// DeleteChunkRow is refused exactly as the local manifest refuses it.
	require.Error(t, node.DeleteChunkRow("deadbeef"))
}

func TestNodeShutdownStopsAcceptingApplies(t *testing.T) {
	node := newSingleNodeCluster(t)
	require.NoError(t, node.Shutdown())

	_, err := node.OpenBackup("backup-3", "/data/src")
	require.Error(t, err)
}
