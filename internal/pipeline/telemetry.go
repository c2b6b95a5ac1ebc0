package pipeline

import (
	"context"
	"time"
)

// logAccess records a lifecycle event through the audit logger, reusing
// LogAccess rather than adding a pipeline-specific Logger method (spec's
// EventType consts for backup/restore/verify/gc already cover it). Audit
// is optional in tests, so a nil logger is a no-op.
func (e *Engine) logAccess(eventType, backupID string, success bool, err error, duration time.Duration) {
	if e.Audit == nil {
		return
	}
	e.Audit.LogAccess(eventType, "", backupID, "", "", "", success, err, duration)
}

// recordEncryption and recordStorage reuse internal/metrics' existing
// encryption/S3 counters rather than adding pipeline-specific ones: a
// chunk encrypt/decrypt is the same kind of operation the gateway's
// whole-object path already measures, and a provider Put/Get is the same
// kind of operation an S3 bucket call already measures, just with
// "bucket" repurposed as the distributor provider name.
func (e *Engine) recordEncryption(operation string, duration time.Duration, bytes int64) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordEncryptionOperation(context.Background(), operation, duration, bytes)
}

func (e *Engine) recordEncryptionError(operation string) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordEncryptionError(context.Background(), operation, "auth")
}

func (e *Engine) recordStorage(providerName, operation string, duration time.Duration) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordS3Operation(context.Background(), operation, providerName, duration)
}

func (e *Engine) recordStorageError(providerName, operation string) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordS3Error(context.Background(), operation, providerName, "storage")
}

// logWarn logs a non-fatal pipeline event. Log is optional in tests, so
// a nil logger is a no-op rather than a panic.
func (e *Engine) logWarn(err error, hash, msg string) {
	if e.Log == nil {
		return
	}
	e.Log.WithError(err).WithField("hash", hash).Warn(msg)
}
