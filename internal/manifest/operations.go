package manifest

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kenneth/enigma/internal/enigmaerr"
)

// OpenBackup creates a new running backup record. Called once per
// backup invocation (spec §4.7 step 1).
func (m *Manifest) OpenBackup(backupID, sourcePath string) (*Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	_, err := m.db.Exec(
		`INSERT INTO backups (backup_id, source_path, status, created_at, total_files, total_bytes)
		 VALUES (?, ?, ?, ?, 0, 0)`,
		backupID, sourcePath, string(BackupRunning), now,
	)
	if err != nil {
		return nil, fmt.Errorf("manifest: open backup %s: %w", backupID, err)
	}
	m.audit("open_backup", backupID, "", "")
	return &Backup{BackupID: backupID, SourcePath: sourcePath, Status: BackupRunning, CreatedAt: now}, nil
}

// GetBackup looks up a backup record by id.
func (m *Manifest) GetBackup(backupID string) (*Backup, error) {
	var b Backup
	var status string
	var completedAt sql.NullTime
	row := m.db.QueryRow(
		`SELECT backup_id, source_path, status, created_at, completed_at, total_files, total_bytes
		 FROM backups WHERE backup_id = ?`, backupID)
	if err := row.Scan(&b.BackupID, &b.SourcePath, &status, &b.CreatedAt, &completedAt, &b.TotalFiles, &b.TotalBytes); err != nil {
		return nil, wrapNotFound(err, fmt.Sprintf("get backup %s", backupID))
	}
	b.Status = BackupStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

// ListBackups returns every backup record, most recent first.
func (m *Manifest) ListBackups() ([]*Backup, error) {
	rows, err := m.db.Query(
		`SELECT backup_id, source_path, status, created_at, completed_at, total_files, total_bytes
		 FROM backups ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("manifest: list backups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Backup
	for rows.Next() {
		var b Backup
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&b.BackupID, &b.SourcePath, &status, &b.CreatedAt, &completedAt, &b.TotalFiles, &b.TotalBytes); err != nil {
			return nil, fmt.Errorf("manifest: scan backup row: %w", err)
		}
		b.Status = BackupStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			b.CompletedAt = &t
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// FinalizeBackup transitions a running backup to completed or failed
// (spec §4.7 step 3). Only running -> {completed, failed} is legal.
func (m *Manifest) FinalizeBackup(backupID string, status BackupStatus, totalFiles int, totalBytes int64) error {
	if status != BackupCompleted && status != BackupFailed {
		return fmt.Errorf("manifest: finalize backup %s: invalid terminal status %q", backupID, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	res, err := m.db.Exec(
		`UPDATE backups SET status = ?, completed_at = ?, total_files = ?, total_bytes = ?
		 WHERE backup_id = ? AND status = ?`,
		string(status), now, totalFiles, totalBytes, backupID, string(BackupRunning),
	)
	if err != nil {
		return fmt.Errorf("manifest: finalize backup %s: %w", backupID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("manifest: finalize backup %s: not running: %w", backupID, enigmaerr.ErrNotFound)
	}
	m.audit("finalize_backup", backupID, "", string(status))
	return nil
}

// PutChunk inserts a new chunk row with refcount=1, or — if one
// already exists for hash — increments its refcount and reports a
// duplicate. Exactly one concurrent caller racing on the same missing
// hash performs the insert; every other racer observes the duplicate
// path (spec §4.7 step 2, at-most-one-upload-per-hash).
func (m *Manifest) PutChunk(c Chunk) (PutChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return PutChunkResult{}, fmt.Errorf("manifest: put chunk %s: %w", c.Hash, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingRefcount int
	err = tx.QueryRow(`SELECT refcount FROM chunks WHERE hash = ?`, c.Hash).Scan(&existingRefcount)
	switch err {
	case nil:
		newCount := existingRefcount + 1
		if _, err := tx.Exec(`UPDATE chunks SET refcount = ? WHERE hash = ?`, newCount, c.Hash); err != nil {
			return PutChunkResult{}, fmt.Errorf("manifest: increment refcount %s: %w", c.Hash, err)
		}
		if err := tx.Commit(); err != nil {
			return PutChunkResult{}, fmt.Errorf("manifest: put chunk %s: %w", c.Hash, err)
		}
		m.cache.delete(c.Hash)
		m.audit("put_chunk_dup", "", c.Hash, "")
		return PutChunkResult{Duplicate: true, RefCount: newCount}, nil
	case sql.ErrNoRows:
		_, err = tx.Exec(
			`INSERT INTO chunks (hash, size_plain, size_compressed, nonce, provider_name, storage_key, refcount)
			 VALUES (?, ?, ?, ?, ?, ?, 1)`,
			c.Hash, c.SizePlain, c.SizeCompressed, c.Nonce[:], c.ProviderName, c.StorageKey,
		)
		if err != nil {
			return PutChunkResult{}, fmt.Errorf("manifest: insert chunk %s: %w", c.Hash, err)
		}
		if err := tx.Commit(); err != nil {
			return PutChunkResult{}, fmt.Errorf("manifest: put chunk %s: %w", c.Hash, err)
		}
		c.RefCount = 1
		m.cache.set(c.Hash, &c)
		m.audit("put_chunk_new", "", c.Hash, c.ProviderName)
		return PutChunkResult{Duplicate: false, RefCount: 1}, nil
	default:
		return PutChunkResult{}, fmt.Errorf("manifest: lookup chunk %s: %w", c.Hash, err)
	}
}

// GetChunk looks up a chunk row by hash, consulting the in-memory
// cache first.
func (m *Manifest) GetChunk(hash string) (*Chunk, error) {
	if c := m.cache.get(hash); c != nil {
		cp := *c
		return &cp, nil
	}

	var c Chunk
	var sizeCompressed sql.NullInt64
	var nonce []byte
	row := m.db.QueryRow(
		`SELECT hash, size_plain, size_compressed, nonce, provider_name, storage_key, refcount
		 FROM chunks WHERE hash = ?`, hash)
	if err := row.Scan(&c.Hash, &c.SizePlain, &sizeCompressed, &nonce, &c.ProviderName, &c.StorageKey, &c.RefCount); err != nil {
		return nil, wrapNotFound(err, fmt.Sprintf("get chunk %s", hash))
	}
	if sizeCompressed.Valid {
		v := sizeCompressed.Int64
		c.SizeCompressed = &v
	}
	copy(c.Nonce[:], nonce)

	m.cache.set(hash, &c)
	return &c, nil
}

// AddFileChunk records one file's edge into a chunk, enforcing a
// gap-free index sequence per file (spec §3 File record invariant).
// The caller must insert edges for a given file in ascending idx order.
func (m *Manifest) AddFileChunk(fileID int64, idx int, hash string, offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx > 0 {
		var exists int
		err := m.db.QueryRow(`SELECT COUNT(*) FROM file_chunks WHERE file_id = ? AND idx = ?`, fileID, idx-1).Scan(&exists)
		if err != nil {
			return fmt.Errorf("manifest: add file chunk: check predecessor: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("manifest: add file chunk: file %d idx %d has no predecessor at idx %d: gap-free sequence violated", fileID, idx, idx-1)
		}
	}

	_, err := m.db.Exec(
		`INSERT INTO file_chunks (file_id, idx, hash, offset, length) VALUES (?, ?, ?, ?, ?)`,
		fileID, idx, hash, offset, length,
	)
	if err != nil {
		return fmt.Errorf("manifest: add file chunk %d/%d: %w", fileID, idx, err)
	}
	m.audit("add_file_chunk", "", hash, fmt.Sprintf("file=%d idx=%d", fileID, idx))
	return nil
}

// CreateFile inserts a file record under a running backup and returns
// its row id, to which AddFileChunk edges are then attached.
func (m *Manifest) CreateFile(backupID, path string, mode uint32, size int64, mtime time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.Exec(
		`INSERT INTO files (backup_id, path, mode, size, mtime) VALUES (?, ?, ?, ?, ?)`,
		backupID, path, mode, size, mtime,
	)
	if err != nil {
		return 0, fmt.Errorf("manifest: create file %s/%s: %w", backupID, path, err)
	}
	return res.LastInsertId()
}

// ListFiles returns every file record in a backup, in creation order.
func (m *Manifest) ListFiles(backupID string) ([]*FileRecord, error) {
	rows, err := m.db.Query(
		`SELECT id, backup_id, path, mode, size, mtime FROM files WHERE backup_id = ? ORDER BY id ASC`, backupID)
	if err != nil {
		return nil, fmt.Errorf("manifest: list files %s: %w", backupID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.ID, &f.BackupID, &f.Path, &f.Mode, &f.Size, &f.Mtime); err != nil {
			return nil, fmt.Errorf("manifest: scan file row: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ListFileEdges returns a file's chunk edges in ascending index order,
// ready for sequential restore.
func (m *Manifest) ListFileEdges(fileID int64) ([]FileChunkEdge, error) {
	rows, err := m.db.Query(
		`SELECT file_id, idx, hash, offset, length FROM file_chunks WHERE file_id = ? ORDER BY idx ASC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("manifest: list edges for file %d: %w", fileID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []FileChunkEdge
	for rows.Next() {
		var e FileChunkEdge
		if err := rows.Scan(&e.FileID, &e.Idx, &e.Hash, &e.Offset, &e.Length); err != nil {
			return nil, fmt.Errorf("manifest: scan edge row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteBackup removes a backup's files and edges and decrements the
// refcount of every chunk they referenced, atomically. It never
// deletes remote objects; orphaned chunk rows become GC-reachable.
func (m *Manifest) DeleteBackup(backupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("manifest: delete backup %s: %w", backupID, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(
		`SELECT fc.hash FROM file_chunks fc JOIN files f ON f.id = fc.file_id WHERE f.backup_id = ?`, backupID)
	if err != nil {
		return fmt.Errorf("manifest: delete backup %s: collect hashes: %w", backupID, err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			_ = rows.Close()
			return fmt.Errorf("manifest: delete backup %s: scan hash: %w", backupID, err)
		}
		hashes = append(hashes, h)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`DELETE FROM file_chunks WHERE file_id IN (SELECT id FROM files WHERE backup_id = ?)`, backupID,
	); err != nil {
		return fmt.Errorf("manifest: delete backup %s: delete edges: %w", backupID, err)
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE backup_id = ?`, backupID); err != nil {
		return fmt.Errorf("manifest: delete backup %s: delete files: %w", backupID, err)
	}
	for _, h := range hashes {
		if _, err := tx.Exec(`UPDATE chunks SET refcount = refcount - 1 WHERE hash = ? AND refcount > 0`, h); err != nil {
			return fmt.Errorf("manifest: delete backup %s: decrement %s: %w", backupID, h, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM backups WHERE backup_id = ?`, backupID); err != nil {
		return fmt.Errorf("manifest: delete backup %s: delete record: %w", backupID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: delete backup %s: %w", backupID, err)
	}
	for _, h := range hashes {
		m.cache.delete(h)
	}
	m.audit("delete_backup", backupID, "", "")
	return nil
}

// ListOrphans returns every chunk hash with refcount = 0, the set of
// candidates for garbage collection (spec §4.7 GC phase a).
func (m *Manifest) ListOrphans() ([]string, error) {
	rows, err := m.db.Query(`SELECT hash FROM chunks WHERE refcount = 0`)
	if err != nil {
		return nil, fmt.Errorf("manifest: list orphans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("manifest: scan orphan hash: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteChunkRow removes a chunk's manifest row once its remote object
// has already been deleted (spec §4.7 GC phase b). Refuses to delete a
// row that is still referenced.
func (m *Manifest) DeleteChunkRow(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.Exec(`DELETE FROM chunks WHERE hash = ? AND refcount = 0`, hash)
	if err != nil {
		return fmt.Errorf("manifest: delete chunk row %s: %w", hash, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("manifest: delete chunk row %s: still referenced or absent", hash)
	}
	m.cache.delete(hash)
	m.audit("delete_chunk_row", "", hash, "")
	return nil
}

// Stats summarizes manifest content for `enigma status`.
func (m *Manifest) Stats() (Stats, error) {
	var s Stats
	row := m.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_plain), 0), COALESCE(SUM(COALESCE(size_compressed, size_plain)), 0) FROM chunks`)
	if err := row.Scan(&s.TotalChunks, &s.TotalBytes, &s.PhysicalBytes); err != nil {
		return s, fmt.Errorf("manifest: stats: %w", err)
	}
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE refcount = 0`).Scan(&s.OrphanChunks); err != nil {
		return s, fmt.Errorf("manifest: stats: orphans: %w", err)
	}
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM backups`).Scan(&s.TotalBackups); err != nil {
		return s, fmt.Errorf("manifest: stats: backups: %w", err)
	}
	return s, nil
}

func (m *Manifest) audit(op, backupID, hash, detail string) {
	_, _ = m.db.Exec(
		`INSERT INTO audit_log (ts, op, backup_id, hash, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now(), op, nullIfEmpty(backupID), nullIfEmpty(hash), detail,
	)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
