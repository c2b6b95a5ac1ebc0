package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/kenneth/enigma/internal/audit"
)

// GC deletes every orphaned chunk (refcount = 0) in two phases (spec
// §4.7 GC operation): first the remote object is removed, then the
// manifest row. Reversing that order would risk a manifest row
// pointing at nothing if the process died mid-GC; this order instead
// risks, at worst, a harmless orphaned remote object if it died between
// the two deletes — DeleteChunkRow is safe to retry since it only
// removes rows still at refcount 0.
//
// dryRun reports what would be deleted without deleting anything.
func (e *Engine) GC(ctx context.Context, dryRun bool) (*GCReport, error) {
	start := time.Now()
	report := &GCReport{DryRun: dryRun}

	orphans, err := e.Manifest.ListOrphans()
	if err != nil {
		e.logAccess(string(audit.EventTypeGC), "", false, err, time.Since(start))
		return nil, fmt.Errorf("pipeline: gc: list orphans: %w", err)
	}
	report.OrphansFound = len(orphans)

	if dryRun {
		e.logAccess(string(audit.EventTypeGC), "", true, nil, time.Since(start))
		return report, nil
	}

	for _, hash := range orphans {
		if err := e.collectChunk(ctx, hash); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", hash, err))
			continue
		}
		report.ChunksDeleted++
	}

	e.logAccess(string(audit.EventTypeGC), "", len(report.Errors) == 0, nil, time.Since(start))
	return report, nil
}

func (e *Engine) collectChunk(ctx context.Context, hash string) error {
	chunk, err := e.Manifest.GetChunk(hash)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	provider, ok := e.Distributor.Provider(chunk.ProviderName)
	if !ok {
		return fmt.Errorf("provider %s not configured", chunk.ProviderName)
	}

	if err := provider.Delete(ctx, chunk.StorageKey); err != nil {
		e.recordStorageError(provider.Name(), "delete")
		return fmt.Errorf("delete from %s: %w", provider.Name(), err)
	}
	e.recordStorage(provider.Name(), "delete", 0)

	if err := e.Manifest.DeleteChunkRow(hash); err != nil {
		return fmt.Errorf("delete manifest row: %w", err)
	}
	return nil
}
