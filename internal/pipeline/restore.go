package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kenneth/enigma/internal/audit"
	"github.com/kenneth/enigma/internal/compression"
	"github.com/kenneth/enigma/internal/enigmaerr"
	"github.com/kenneth/enigma/internal/fingerprint"
	"github.com/kenneth/enigma/internal/manifest"
)

// Filter decides whether a file record should be restored or verified.
// A nil Filter selects every file in the backup.
type Filter func(path string) bool

// Restore writes every file (selected by filter) from backupID into
// destDir, decrypting and verifying each chunk as it is fetched (spec
// §4.7 restore operation). A fingerprint mismatch or AEAD auth failure
// aborts the file being restored and is returned wrapping
// enigmaerr.ErrIntegrityFailure or enigmaerr.ErrAuthFailure respectively.
func (e *Engine) Restore(ctx context.Context, backupID, destDir string, filter Filter) error {
	start := time.Now()
	files, err := e.Manifest.ListFiles(backupID)
	if err != nil {
		e.logAccess(string(audit.EventTypeRestore), backupID, false, err, time.Since(start))
		return fmt.Errorf("pipeline: restore %s: %w", backupID, err)
	}

	for _, f := range files {
		if filter != nil && !filter(f.Path) {
			continue
		}
		if err := e.restoreFile(ctx, f, destDir); err != nil {
			e.logAccess(string(audit.EventTypeRestore), backupID, false, err, time.Since(start))
			return fmt.Errorf("pipeline: restore %s: %w", f.Path, err)
		}
	}

	e.logAccess(string(audit.EventTypeRestore), backupID, true, nil, time.Since(start))
	return nil
}

func (e *Engine) restoreFile(ctx context.Context, f *manifest.FileRecord, destDir string) error {
	edges, err := e.Manifest.ListFileEdges(f.ID)
	if err != nil {
		return fmt.Errorf("list edges: %w", err)
	}

	destPath := filepath.Join(destDir, f.Path)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", f.Path, err)
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(f.Mode))
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer func() { _ = out.Close() }()

	for _, edge := range edges {
		plaintext, err := e.fetchAndDecrypt(ctx, edge.Hash)
		if err != nil {
			return fmt.Errorf("chunk %s at offset %d: %w", edge.Hash, edge.Offset, err)
		}
		if int64(len(plaintext)) != edge.Length {
			return fmt.Errorf("chunk %s: restored length %d, edge expects %d: %w", edge.Hash, len(plaintext), edge.Length, enigmaerr.ErrIntegrityFailure)
		}
		if _, err := out.WriteAt(plaintext, edge.Offset); err != nil {
			return fmt.Errorf("write %s at %d: %w", destPath, edge.Offset, err)
		}
	}

	return nil
}

// fetchAndDecrypt fetches a chunk's ciphertext from the provider its
// manifest row names, decrypts it, and decompresses it if it was stored
// compressed, verifying the plaintext's fingerprint against hash before
// returning it (spec §8 tamper-detection property).
func (e *Engine) fetchAndDecrypt(ctx context.Context, hash string) ([]byte, error) {
	chunk, err := e.Manifest.GetChunk(hash)
	if err != nil {
		return nil, fmt.Errorf("lookup manifest row: %w", err)
	}

	provider, ok := e.Distributor.Provider(chunk.ProviderName)
	if !ok {
		return nil, fmt.Errorf("provider %s not configured: %w", chunk.ProviderName, enigmaerr.ErrStoragePermanent)
	}

	getStart := time.Now()
	ciphertext, err := provider.Get(ctx, chunk.StorageKey)
	if err != nil {
		e.recordStorageError(provider.Name(), "get")
		return nil, fmt.Errorf("fetch from %s: %w", provider.Name(), err)
	}
	e.recordStorage(provider.Name(), "get", time.Since(getStart))

	fp, err := fingerprint.ParseHex(hash)
	if err != nil {
		return nil, fmt.Errorf("parse hash %s: %w", hash, err)
	}

	decStart := time.Now()
	stored, err := e.Crypto.DecryptChunk(fp, chunk.Nonce, ciphertext)
	if err != nil {
		e.recordEncryptionError("decrypt")
		return nil, err
	}
	e.recordEncryption("decrypt", time.Since(decStart), int64(len(stored)))

	meta := map[string]string{}
	if chunk.SizeCompressed != nil {
		meta[compression.MetaCompressionEnabled] = "true"
		meta[compression.MetaCompressionAlgorithm] = string(compression.AlgorithmZstd)
	}
	r, err := e.Compression.Decompress(bytes.NewReader(stored), meta)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk %s: %w", hash, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read decompressed chunk %s: %w", hash, err)
	}

	if !fingerprint.Verify(plaintext, fp) {
		return nil, fmt.Errorf("chunk %s: fingerprint mismatch after decompression: %w", hash, enigmaerr.ErrIntegrityFailure)
	}

	return plaintext, nil
}
