package manifest

import "time"

// BackupStatus is the lifecycle state of a Backup record.
type BackupStatus string

const (
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// Chunk is a manifest row keyed by content fingerprint. A chunk row
// exists if and only if exactly one chunk object exists at
// (ProviderName, StorageKey); RefCount is the number of file_chunks
// edges pointing at it.
type Chunk struct {
	Hash           string
	SizePlain      int64
	SizeCompressed *int64 // nil means stored uncompressed
	Nonce          [12]byte
	ProviderName   string
	StorageKey     string
	RefCount       int
}

// FileChunkEdge connects one ordered position of a file to the chunk
// that covers it. Edges for a file form a gap-free [0..n) partition by
// Idx, and their Length values sum to the file's size.
type FileChunkEdge struct {
	FileID int64
	Idx    int
	Hash   string
	Offset int64
	Length int64
}

// FileRecord describes one logical file (or, for the S3 surface, one
// synthetic single-file object) within a backup.
type FileRecord struct {
	ID       int64
	BackupID string
	Path     string
	Mode     uint32
	Size     int64
	Mtime    time.Time
}

// Backup is one backup invocation's lifecycle record.
type Backup struct {
	BackupID    string
	SourcePath  string
	Status      BackupStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
	TotalFiles  int
	TotalBytes  int64
}

// PutChunkResult reports whether PutChunk created a new row or found an
// existing one and incremented its refcount (a dedup hit).
type PutChunkResult struct {
	Duplicate bool
	RefCount  int
}

// Stats summarizes the manifest's current content for status reporting.
type Stats struct {
	TotalChunks   int64
	TotalBytes    int64
	PhysicalBytes int64
	OrphanChunks  int64
	TotalBackups  int64
}
