package manifest

// migration is one versioned, idempotent schema step. Migrations are
// applied in ascending version order inside a single write transaction
// before any read, tracked in schema_version (§4.5).
type migration struct {
	version int
	stmt    string
}

var migrations = []migration{
	{
		version: 1,
		stmt: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	hash            TEXT PRIMARY KEY,
	size_plain      INTEGER NOT NULL,
	size_compressed INTEGER,
	nonce           BLOB NOT NULL,
	provider_name   TEXT NOT NULL,
	storage_key     TEXT NOT NULL,
	refcount        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS backups (
	backup_id    TEXT PRIMARY KEY,
	source_path  TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	total_files  INTEGER NOT NULL DEFAULT 0,
	total_bytes  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS files (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	backup_id   TEXT NOT NULL REFERENCES backups(backup_id),
	path        TEXT NOT NULL,
	mode        INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	mtime       TIMESTAMP NOT NULL,
	UNIQUE(backup_id, path)
);

CREATE TABLE IF NOT EXISTS file_chunks (
	file_id INTEGER NOT NULL REFERENCES files(id),
	idx     INTEGER NOT NULL,
	hash    TEXT NOT NULL REFERENCES chunks(hash),
	offset  INTEGER NOT NULL,
	length  INTEGER NOT NULL,
	PRIMARY KEY (file_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_file_chunks_hash ON file_chunks(hash);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         TIMESTAMP NOT NULL,
	op         TEXT NOT NULL,
	backup_id  TEXT,
	hash       TEXT,
	detail     TEXT
);
`,
	},
}

// applyMigrations runs every migration whose version exceeds the
// highest version already recorded in schema_version, inside one
// transaction. Safe to call on every Open.
func (m *Manifest) applyMigrations() error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}
		if _, err := tx.Exec(mig.stmt); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, mig.version); err != nil {
			return err
		}
	}

	return tx.Commit()
}
