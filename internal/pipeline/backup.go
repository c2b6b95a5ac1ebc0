package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kenneth/enigma/internal/audit"
	"github.com/kenneth/enigma/internal/chunker"
	"github.com/kenneth/enigma/internal/compression"
	"github.com/kenneth/enigma/internal/distributor"
	"github.com/kenneth/enigma/internal/enigmaerr"
	"github.com/kenneth/enigma/internal/fingerprint"
	"github.com/kenneth/enigma/internal/manifest"
)

// chunkJob carries one chunk through the bounded worker pool, in the same
// shape as the teacher's cryptoJob: an index for ordering, the source
// offset, and a done channel the consumer blocks on to collect the
// result in order without blocking the producer.
type chunkJob struct {
	idx    int
	offset int64
	length int64
	hash   string
	err    error
	done   chan struct{}
}

// Backup walks sourcePath, content-defines each regular file into
// chunks, and stores exactly one copy of every distinct chunk (spec
// §4.7 step 2). Re-running Backup over identical content uploads
// nothing new; every chunk is found by fingerprint and its refcount is
// incremented instead.
func (e *Engine) Backup(ctx context.Context, backupID, sourcePath string) (*manifest.Backup, error) {
	start := time.Now()
	backup, err := e.Manifest.OpenBackup(backupID, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: backup %s: %w", backupID, err)
	}
	e.logAccess(string(audit.EventTypeBackupStart), backupID, true, nil, 0)

	var totalFiles int
	var totalBytes int64

	walkErr := filepath.WalkDir(sourcePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("pipeline: stat %s: %w", path, err)
		}

		rel, err := filepath.Rel(sourcePath, path)
		if err != nil {
			return fmt.Errorf("pipeline: relative path %s: %w", path, err)
		}

		size, ferr := e.backupFile(ctx, backup.BackupID, path, rel, info)
		if ferr != nil {
			return ferr
		}
		totalFiles++
		totalBytes += size
		return nil
	})

	if walkErr != nil {
		_ = e.Manifest.FinalizeBackup(backup.BackupID, manifest.BackupFailed, totalFiles, totalBytes)
		e.logAccess(string(audit.EventTypeBackupComplete), backupID, false, walkErr, time.Since(start))
		return nil, fmt.Errorf("pipeline: backup %s: %w", backupID, walkErr)
	}

	if err := e.Manifest.FinalizeBackup(backup.BackupID, manifest.BackupCompleted, totalFiles, totalBytes); err != nil {
		e.logAccess(string(audit.EventTypeBackupComplete), backupID, false, err, time.Since(start))
		return nil, fmt.Errorf("pipeline: finalize backup %s: %w", backup.BackupID, err)
	}
	e.logAccess(string(audit.EventTypeBackupComplete), backupID, true, nil, time.Since(start))

	return e.Manifest.GetBackup(backup.BackupID)
}

// backupFile streams one file through the chunker and the bounded worker
// pool, recording one gap-free sequence of file_chunks edges.
func (e *Engine) backupFile(ctx context.Context, backupID, fullPath, relPath string, info os.FileInfo) (int64, error) {
	fileID, err := e.Manifest.CreateFile(backupID, relPath, uint32(info.Mode()), info.Size(), info.ModTime())
	if err != nil {
		return 0, fmt.Errorf("pipeline: create file %s: %w", relPath, err)
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return 0, fmt.Errorf("pipeline: open %s: %w", fullPath, err)
	}
	defer func() { _ = f.Close() }()

	chunks, chunkErrs := e.Chunker.Split(f)
	jobs := e.runChunkWorkers(ctx, chunks)

	var total int64
	idx := 0
	for job := range jobs {
		select {
		case <-job.done:
		case <-ctx.Done():
			return total, ctx.Err()
		}
		if job.err != nil {
			return total, fmt.Errorf("pipeline: process chunk %d of %s: %w", job.idx, relPath, job.err)
		}
		if err := e.Manifest.AddFileChunk(fileID, idx, job.hash, job.offset, job.length); err != nil {
			return total, fmt.Errorf("pipeline: record edge %d of %s: %w", idx, relPath, err)
		}
		idx++
		total += job.length
	}

	if err := <-chunkErrs; err != nil {
		return total, fmt.Errorf("pipeline: split %s: %w", relPath, err)
	}

	return total, nil
}

// runChunkWorkers feeds chunks into a bounded pool of workers, each of
// which hashes, dedups, optionally compresses, encrypts, and uploads a
// single chunk. Jobs are returned over an ordered channel exactly like
// the teacher's chunkedEncryptReader.pending: the consumer always
// receives jobs in the order chunks were read, but the work behind each
// job's done channel happens concurrently.
func (e *Engine) runChunkWorkers(ctx context.Context, chunks <-chan chunker.Chunk) <-chan *chunkJob {
	pending := make(chan *chunkJob, e.concurrency*2)
	workerPool := make(chan struct{}, e.concurrency)

	go func() {
		defer close(pending)
		idx := 0
		for c := range chunks {
			job := &chunkJob{idx: idx, offset: c.Offset, done: make(chan struct{})}
			idx++

			select {
			case pending <- job:
			case <-ctx.Done():
				return
			}

			select {
			case workerPool <- struct{}{}:
			case <-ctx.Done():
				return
			}

			go func(j *chunkJob, data []byte) {
				defer func() { <-workerPool }()
				defer close(j.done)
				hash, length, err := e.storeChunk(ctx, data)
				j.hash, j.length, j.err = hash, length, err
			}(job, c.Data)
		}
	}()

	return pending
}

// storeChunk fingerprints plaintext, and either records a dedup hit
// against an existing manifest row or compresses, encrypts, places, and
// uploads it as a new chunk (spec §4.7 step 2). It returns the chunk's
// fingerprint hex string and its plaintext length, the values a
// file_chunks edge needs.
func (e *Engine) storeChunk(ctx context.Context, plaintext []byte) (string, int64, error) {
	fp := fingerprint.Of(plaintext)
	hash := fp.String()

	_, err := e.Manifest.GetChunk(hash)
	switch {
	case err == nil:
		if _, perr := e.Manifest.PutChunk(manifest.Chunk{Hash: hash}); perr != nil {
			return "", 0, fmt.Errorf("pipeline: bump refcount %s: %w", hash, perr)
		}
		return hash, int64(len(plaintext)), nil
	case !errors.Is(err, enigmaerr.ErrNotFound):
		return "", 0, fmt.Errorf("pipeline: lookup chunk %s: %w", hash, err)
	}

	encStart := time.Now()
	stored, compressed, err := compression.CompressChunk(e.Compression, plaintext, "")
	if err != nil {
		return "", 0, fmt.Errorf("pipeline: compress chunk %s: %w", hash, err)
	}

	nonce, ciphertext, err := e.Crypto.EncryptChunk(fp, stored)
	if err != nil {
		e.recordEncryptionError("encrypt")
		return "", 0, fmt.Errorf("pipeline: encrypt chunk %s: %w", hash, err)
	}
	e.recordEncryption("encrypt", time.Since(encStart), int64(len(plaintext)))

	provider := e.Distributor.Place()
	key := distributor.ChunkKey(hash)

	putStart := time.Now()
	if err := provider.Put(ctx, key, ciphertext); err != nil {
		e.recordStorageError(provider.Name(), "put")
		return "", 0, fmt.Errorf("pipeline: upload chunk %s to %s: %w", hash, provider.Name(), err)
	}
	e.recordStorage(provider.Name(), "put", time.Since(putStart))

	row := manifest.Chunk{
		Hash:         hash,
		SizePlain:    int64(len(plaintext)),
		ProviderName: provider.Name(),
		StorageKey:   key,
		Nonce:        nonce,
	}
	if compressed {
		n := int64(len(stored))
		row.SizeCompressed = &n
	}

	result, err := e.Manifest.PutChunk(row)
	if err != nil {
		return "", 0, fmt.Errorf("pipeline: put chunk %s: %w", hash, err)
	}
	if result.Duplicate {
		// Lost the race: another writer's upload already won the
		// manifest row. Remove our redundant copy from the provider we
		// uploaded to — we own that object, regardless of who won.
		if derr := provider.Delete(ctx, key); derr != nil {
			e.logWarn(derr, hash, "pipeline: cleanup of losing chunk upload failed")
		}
	}

	return hash, int64(len(plaintext)), nil
}
