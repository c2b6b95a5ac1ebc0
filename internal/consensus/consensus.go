// Package consensus replicates the manifest's write operations across
// a Raft cluster (spec C8). No example repo in the retrieval pack ships
// a complete Raft core; this package is grounded on
// other_examples/manifests/cuemby-warren/go.mod, which pins
// github.com/hashicorp/raft and github.com/hashicorp/raft-boltdb as the
// backing store for a cluster-state machine, and on the accompanying
// pkg/storage doc file's bucket-per-entity, transaction-per-mutation
// design — generalized here from cluster/service/task buckets to
// backups/files/chunks/edges.
//
// StateMachine names the manifest surface the pipeline engine calls
// through. *manifest.Manifest already satisfies it directly (single-node
// mode talks to the manifest with no Raft in the loop); *Node satisfies
// it by replicating every write through raft.Raft.Apply before running
// it against the local FSM, and serving reads off that same local copy.
package consensus

import (
	"time"

	"github.com/kenneth/enigma/internal/manifest"
)

// StateMachine is the manifest's full surface as the pipeline engine
// consumes it: the replicated write operations, plus the read-only
// queries the engine needs to finish a backup, walk a restore, or scan
// for orphans. Every method here has the exact signature of the
// matching *manifest.Manifest method, so a single-node deployment can
// pass a *manifest.Manifest wherever a StateMachine is expected; a
// clustered deployment passes a *Node instead, which replicates the
// write methods through Raft and serves the read methods off its local
// copy of the manifest.
type StateMachine interface {
	OpenBackup(backupID, sourcePath string) (*manifest.Backup, error)
	FinalizeBackup(backupID string, status manifest.BackupStatus, totalFiles int, totalBytes int64) error
	CreateFile(backupID, path string, mode uint32, size int64, mtime time.Time) (int64, error)
	AddFileChunk(fileID int64, idx int, hash string, offset, length int64) error
	PutChunk(c manifest.Chunk) (manifest.PutChunkResult, error)
	DeleteBackup(backupID string) error
	DeleteChunkRow(hash string) error

	GetBackup(backupID string) (*manifest.Backup, error)
	ListBackups() ([]*manifest.Backup, error)
	GetChunk(hash string) (*manifest.Chunk, error)
	ListFiles(backupID string) ([]*manifest.FileRecord, error)
	ListFileEdges(fileID int64) ([]manifest.FileChunkEdge, error)
	ListOrphans() ([]string, error)
	Stats() (manifest.Stats, error)
}

// opKind tags a replicated command so the FSM knows which manifest
// method to dispatch Apply to.
type opKind string

const (
	opOpenBackup     opKind = "open_backup"
	opFinalizeBackup opKind = "finalize_backup"
	opCreateFile     opKind = "create_file"
	opAddFileChunk   opKind = "add_file_chunk"
	opPutChunk       opKind = "put_chunk"
	opDeleteBackup   opKind = "delete_backup"
	opDeleteChunk    opKind = "delete_chunk_row"
)

// command is the Raft log entry payload. ClientRequestID lets a caller
// retry an Apply that timed out waiting for a quorum without risking a
// double-apply: the FSM remembers the last result per ID and replays it
// instead of re-running the mutation.
type command struct {
	Op              opKind `json:"op"`
	ClientRequestID string `json:"client_request_id"`

	OpenBackup     *openBackupArgs     `json:"open_backup,omitempty"`
	FinalizeBackup *finalizeBackupArgs `json:"finalize_backup,omitempty"`
	CreateFile     *createFileArgs     `json:"create_file,omitempty"`
	AddFileChunk   *addFileChunkArgs   `json:"add_file_chunk,omitempty"`
	PutChunk       *manifest.Chunk     `json:"put_chunk,omitempty"`
	DeleteBackup   *deleteBackupArgs   `json:"delete_backup,omitempty"`
	DeleteChunk    *deleteChunkArgs    `json:"delete_chunk_row,omitempty"`
}

type openBackupArgs struct {
	BackupID   string `json:"backup_id"`
	SourcePath string `json:"source_path"`
}

type finalizeBackupArgs struct {
	BackupID   string                `json:"backup_id"`
	Status     manifest.BackupStatus `json:"status"`
	TotalFiles int                   `json:"total_files"`
	TotalBytes int64                 `json:"total_bytes"`
}

type createFileArgs struct {
	BackupID string    `json:"backup_id"`
	Path     string    `json:"path"`
	Mode     uint32    `json:"mode"`
	Size     int64     `json:"size"`
	MTime    time.Time `json:"mtime"`
}

type addFileChunkArgs struct {
	FileID int64  `json:"file_id"`
	Idx    int    `json:"idx"`
	Hash   string `json:"hash"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type deleteBackupArgs struct {
	BackupID string `json:"backup_id"`
}

type deleteChunkArgs struct {
	Hash string `json:"hash"`
}

// applyResult is what fsm.Apply returns for every command, decoded by
// the caller that issued the Apply from the ApplyFuture's Response().
type applyResult struct {
	Backup         *manifest.Backup
	FileID         int64
	PutChunkResult manifest.PutChunkResult
	Err            error
}
