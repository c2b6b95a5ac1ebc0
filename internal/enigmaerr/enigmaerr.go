// Package enigmaerr defines the error kinds shared across the backup
// engine core. Kinds are sentinels, not types: components wrap them with
// fmt.Errorf and callers classify failures with errors.Is.
package enigmaerr

import "errors"

var (
	// ErrConfigInvalid marks a fatal configuration problem detected at startup.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrAuthFailure covers wrong passphrase or any AEAD tag mismatch
	// (keystore, chunk, or credential). Callers must not reveal which.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrIntegrityFailure marks a fingerprint mismatch or a manifest
	// invariant violation.
	ErrIntegrityFailure = errors.New("integrity failure")

	// ErrStorageTransient marks a retryable provider failure (network, 5xx).
	ErrStorageTransient = errors.New("storage transient error")

	// ErrStoragePermanent marks a non-retryable provider failure (4xx,
	// missing object, access denied, or an unconfigured provider).
	ErrStoragePermanent = errors.New("storage permanent error")

	// ErrConsensusUnavailable marks a missing leader or a lost quorum.
	ErrConsensusUnavailable = errors.New("consensus unavailable")

	// ErrNotFound marks an unknown backup id or a path not present in a backup.
	ErrNotFound = errors.New("not found")
)
