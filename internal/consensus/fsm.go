package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/raft"

	"github.com/kenneth/enigma/internal/manifest"
)

// fsm applies replicated commands against a local manifest. Exactly one
// fsm exists per Raft node; raft.Raft guarantees Apply is called in log
// order and never concurrently, so fsm needs no locking of its own
// beyond what manifest already does internally.
type fsm struct {
	manifest *manifest.Manifest

	// seen remembers the last result applied for a given client
	// request ID, so a retried Apply (the original having timed out
	// waiting on quorum, not having failed to commit) replays the
	// recorded result instead of re-running the mutation.
	seen map[string]applyResult
}

func newFSM(m *manifest.Manifest) *fsm {
	return &fsm{manifest: m, seen: make(map[string]applyResult)}
}

// Apply decodes one Raft log entry and dispatches it to the matching
// manifest method. The returned value is always an applyResult, which
// the caller's ApplyFuture.Response() asserts back out.
func (f *fsm) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("consensus: decode log entry %d: %w", entry.Index, err)}
	}

	if cmd.ClientRequestID != "" {
		if prior, ok := f.seen[cmd.ClientRequestID]; ok {
			return prior
		}
	}

	result := f.dispatch(cmd)
	if cmd.ClientRequestID != "" {
		f.seen[cmd.ClientRequestID] = result
	}
	return result
}

func (f *fsm) dispatch(cmd command) applyResult {
	switch cmd.Op {
	case opOpenBackup:
		backup, err := f.manifest.OpenBackup(cmd.OpenBackup.BackupID, cmd.OpenBackup.SourcePath)
		return applyResult{Backup: backup, Err: err}

	case opFinalizeBackup:
		a := cmd.FinalizeBackup
		err := f.manifest.FinalizeBackup(a.BackupID, a.Status, a.TotalFiles, a.TotalBytes)
		return applyResult{Err: err}

	case opCreateFile:
		a := cmd.CreateFile
		id, err := f.manifest.CreateFile(a.BackupID, a.Path, a.Mode, a.Size, a.MTime)
		return applyResult{FileID: id, Err: err}

	case opAddFileChunk:
		a := cmd.AddFileChunk
		err := f.manifest.AddFileChunk(a.FileID, a.Idx, a.Hash, a.Offset, a.Length)
		return applyResult{Err: err}

	case opPutChunk:
		res, err := f.manifest.PutChunk(*cmd.PutChunk)
		return applyResult{PutChunkResult: res, Err: err}

	case opDeleteBackup:
		err := f.manifest.DeleteBackup(cmd.DeleteBackup.BackupID)
		return applyResult{Err: err}

	case opDeleteChunk:
		err := f.manifest.DeleteChunkRow(cmd.DeleteChunk.Hash)
		return applyResult{Err: err}

	default:
		return applyResult{Err: fmt.Errorf("consensus: unknown op %q", cmd.Op)}
	}
}

// Snapshot captures the manifest's on-disk SQLite file verbatim. It
// holds the manifest's write lock only long enough to read the file
// into memory; the returned fsmSnapshot then persists that copy off to
// the side without blocking further Apply calls.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	var data []byte
	err := f.manifest.WithWriteLock(func() error {
		b, rerr := os.ReadFile(f.manifest.Path())
		data = b
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("consensus: snapshot manifest: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore replaces the local manifest wholesale with the snapshot's
// SQLite file, then reopens it in place. Raft only calls Restore during
// startup or when catching a follower up from an installSnapshot RPC,
// never concurrently with Apply.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer func() { _ = rc.Close() }()

	path := f.manifest.Path()
	if err := f.manifest.Close(); err != nil {
		return fmt.Errorf("consensus: close manifest before restore: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("consensus: recreate manifest file: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("consensus: write restored manifest: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("consensus: close restored manifest file: %w", err)
	}

	reopened, err := manifest.Open(path)
	if err != nil {
		return fmt.Errorf("consensus: reopen restored manifest: %w", err)
	}
	f.manifest = reopened
	f.seen = make(map[string]applyResult)
	return nil
}

// fsmSnapshot is handed to Raft's snapshot store; Persist writes the
// captured bytes out, Release frees them.
type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("consensus: persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {
	s.data = nil
}
