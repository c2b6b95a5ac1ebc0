package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/enigma/internal/config"
	"github.com/kenneth/enigma/internal/enigmaerr"
	"github.com/kenneth/enigma/internal/manifest"
)

const (
	retainSnapshotCount = 3
	transportMaxPool    = 3
	transportTimeout    = 10 * time.Second
	applyTimeout        = 10 * time.Second

	// applyRetryDeadline bounds the total wall-clock time apply() spends
	// retrying a single logical operation (spec §5/§7: consensus RPCs
	// retry with exponential backoff until the per-operation deadline).
	applyRetryDeadline  = 30 * time.Second
	applyInitialBackoff = 100 * time.Millisecond
	applyMaxBackoff     = 2 * time.Second
)

// Node replicates manifest mutations across a Raft cluster (spec C8).
// It satisfies StateMachine: every exported method here matches a
// *manifest.Manifest method one for one, replicating the call through
// raft.Raft.Apply before it ever reaches the local manifest.
type Node struct {
	raft     *raft.Raft
	fsm      *fsm
	log      *logrus.Logger
	nodeID   string
	transport *raft.NetworkTransport
}

// NewNode starts (or rejoins) a Raft node over mf, using cfg's bind
// address and data directory for the log store, stable store, and
// snapshot store. If cfg.Bootstrap is set and no prior cluster state
// exists on disk, the node bootstraps a cluster whose initial
// configuration is itself plus every entry of cfg.Peers, each given as
// "id=addr" (an entry without "=" is used as both ID and address).
// There is no join RPC, so membership is fixed at bootstrap (see
// DESIGN.md).
func NewNode(cfg config.RaftConfig, mf *manifest.Manifest, log *logrus.Logger) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("consensus: %w: raft.node_id is empty", enigmaerr.ErrConfigInvalid)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("consensus: create raft data dir %s: %w", cfg.DataDir, err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = io.Discard
	if cfg.SnapshotInterval > 0 {
		raftCfg.SnapshotInterval = cfg.SnapshotInterval
	}
	if cfg.SnapshotThreshold > 0 {
		raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	}
	if cfg.ElectionTimeout > 0 {
		raftCfg.ElectionTimeout = cfg.ElectionTimeout
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolve bind addr %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, transportMaxPool, transportTimeout, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("consensus: start raft transport on %s: %w", cfg.BindAddr, err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, retainSnapshotCount, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("consensus: open snapshot store: %w", err)
	}

	logStorePath := filepath.Join(cfg.DataDir, "raft-log.bolt")
	boltStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return nil, fmt.Errorf("consensus: open raft log store %s: %w", logStorePath, err)
	}

	machine := newFSM(mf)
	r, err := raft.NewRaft(raftCfg, machine, boltStore, boltStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: start raft node %s: %w", cfg.NodeID, err)
	}

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
		for _, peer := range cfg.Peers {
			id, peerAddr, ok := strings.Cut(peer, "=")
			if !ok {
				id, peerAddr = peer, peer
			}
			servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(peerAddr)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, fmt.Errorf("consensus: bootstrap cluster: %w", err)
		}
	}

	return &Node{raft: r, fsm: machine, log: log, nodeID: cfg.NodeID, transport: transport}, nil
}

// IsLeader reports whether this node currently holds leadership. Writes
// issued against a non-leader are retried by apply() until the node
// either gains leadership or the operation's retry deadline elapses,
// rather than forwarding to whichever node is actually leader (no join
// RPC exists to discover it — see NewNode).
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Shutdown stops the Raft node and releases its network transport.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("consensus: shutdown raft node %s: %w", n.nodeID, err)
	}
	return n.transport.Close()
}

// apply replicates cmd through Raft and returns the FSM's result. A
// missing ClientRequestID is filled in here so every call (including
// each retry of the same logical operation) replicates under one ID;
// the FSM's seen-map then replays the first attempt's result instead of
// re-running the mutation if an earlier Apply actually committed but
// timed out before its caller observed that.
//
// Failures — an outright Apply error, or this node not currently being
// leader — are retried with exponential backoff until applyRetryDeadline
// elapses, per spec §5/§7. A result the FSM itself returned (result.Err,
// a domain-level failure like "backup not found") is never retried; only
// the replication step is.
func (n *Node) apply(cmd command) (applyResult, error) {
	if cmd.ClientRequestID == "" {
		cmd.ClientRequestID = uuid.NewString()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{}, fmt.Errorf("consensus: encode command %s: %w", cmd.Op, err)
	}

	deadline := time.Now().Add(applyRetryDeadline)
	backoff := applyInitialBackoff
	var lastErr error
	for attempt := 0; ; attempt++ {
		if n.raft.State() == raft.Shutdown {
			return applyResult{}, fmt.Errorf("consensus: node %s is shut down: %w", n.nodeID, enigmaerr.ErrConsensusUnavailable)
		}
		if !n.IsLeader() {
			lastErr = fmt.Errorf("consensus: node %s is not leader: %w", n.nodeID, enigmaerr.ErrConsensusUnavailable)
		} else {
			future := n.raft.Apply(data, applyTimeout)
			if ferr := future.Error(); ferr != nil {
				lastErr = fmt.Errorf("consensus: apply %s: %w: %v", cmd.Op, enigmaerr.ErrConsensusUnavailable, ferr)
			} else {
				result, ok := future.Response().(applyResult)
				if !ok {
					return applyResult{}, fmt.Errorf("consensus: apply %s: unexpected fsm response type", cmd.Op)
				}
				return result, result.Err
			}
		}

		if time.Now().Add(backoff).After(deadline) {
			break
		}
		n.log.WithFields(logrus.Fields{
			"op":      cmd.Op,
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Warn("consensus: retrying apply")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > applyMaxBackoff {
			backoff = applyMaxBackoff
		}
	}
	return applyResult{}, fmt.Errorf("consensus: apply %s: retry deadline exceeded: %w", cmd.Op, lastErr)
}

func (n *Node) OpenBackup(backupID, sourcePath string) (*manifest.Backup, error) {
	result, err := n.apply(command{Op: opOpenBackup, OpenBackup: &openBackupArgs{BackupID: backupID, SourcePath: sourcePath}})
	if err != nil {
		return nil, err
	}
	return result.Backup, nil
}

func (n *Node) FinalizeBackup(backupID string, status manifest.BackupStatus, totalFiles int, totalBytes int64) error {
	_, err := n.apply(command{Op: opFinalizeBackup, FinalizeBackup: &finalizeBackupArgs{
		BackupID: backupID, Status: status, TotalFiles: totalFiles, TotalBytes: totalBytes,
	}})
	return err
}

func (n *Node) CreateFile(backupID, path string, mode uint32, size int64, mtime time.Time) (int64, error) {
	result, err := n.apply(command{Op: opCreateFile, CreateFile: &createFileArgs{
		BackupID: backupID, Path: path, Mode: mode, Size: size, MTime: mtime,
	}})
	if err != nil {
		return 0, err
	}
	return result.FileID, nil
}

func (n *Node) AddFileChunk(fileID int64, idx int, hash string, offset, length int64) error {
	_, err := n.apply(command{Op: opAddFileChunk, AddFileChunk: &addFileChunkArgs{
		FileID: fileID, Idx: idx, Hash: hash, Offset: offset, Length: length,
	}})
	return err
}

func (n *Node) PutChunk(c manifest.Chunk) (manifest.PutChunkResult, error) {
	result, err := n.apply(command{Op: opPutChunk, PutChunk: &c})
	if err != nil {
		return manifest.PutChunkResult{}, err
	}
	return result.PutChunkResult, nil
}

func (n *Node) DeleteBackup(backupID string) error {
	_, err := n.apply(command{Op: opDeleteBackup, DeleteBackup: &deleteBackupArgs{BackupID: backupID}})
	return err
}

func (n *Node) DeleteChunkRow(hash string) error {
	_, err := n.apply(command{Op: opDeleteChunk, DeleteChunk: &deleteChunkArgs{Hash: hash}})
	return err
}

// GetBackup, GetChunk, ListFiles, ListFileEdges, ListOrphans, and Stats
// read the local manifest directly rather than replicating through
// Raft: Raft guarantees every node's FSM applies the same log in the
// same order, so a local read on any node (leader or follower) already
// reflects every write that node has seen committed. Only mutations
// need to funnel through apply().
func (n *Node) GetBackup(backupID string) (*manifest.Backup, error) {
	return n.fsm.manifest.GetBackup(backupID)
}

func (n *Node) ListBackups() ([]*manifest.Backup, error) {
	return n.fsm.manifest.ListBackups()
}

func (n *Node) GetChunk(hash string) (*manifest.Chunk, error) {
	return n.fsm.manifest.GetChunk(hash)
}

func (n *Node) ListFiles(backupID string) ([]*manifest.FileRecord, error) {
	return n.fsm.manifest.ListFiles(backupID)
}

func (n *Node) ListFileEdges(fileID int64) ([]manifest.FileChunkEdge, error) {
	return n.fsm.manifest.ListFileEdges(fileID)
}

func (n *Node) ListOrphans() ([]string, error) {
	return n.fsm.manifest.ListOrphans()
}

func (n *Node) Stats() (manifest.Stats, error) {
	return n.fsm.manifest.Stats()
}

var _ StateMachine = (*Node)(nil)
var _ StateMachine = (*manifest.Manifest)(nil)
