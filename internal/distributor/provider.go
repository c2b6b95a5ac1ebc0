// Package distributor chooses a storage provider per chunk, locates
// existing chunks, and exposes upload/download/delete against whatever
// heterogeneous cloud object stores the deployment is configured with
// (spec §4.6). The Provider interface is ported from the teacher's
// internal/s3.Client shape, generalized from "always AWS SDK" to a
// narrow capability interface several backends satisfy.
package distributor

import (
	"context"
	"fmt"
)

// Provider is the minimal capability set the pipeline engine needs
// from a storage backend to place, fetch, and remove chunk objects.
type Provider interface {
	// Name returns the configured provider identifier (as it appears in
	// a chunk's recorded ProviderName in the manifest).
	Name() string

	// Weight returns the configured placement weight for the Weighted
	// strategy. Ignored by RoundRobin.
	Weight() int

	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// ChunkKey builds the on-storage key pattern spec §6 specifies:
// enigma/chunks/<hash_hex[0:2]>/<hash_hex>.
func ChunkKey(hash string) string {
	if len(hash) < 2 {
		return fmt.Sprintf("enigma/chunks/%s", hash)
	}
	return fmt.Sprintf("enigma/chunks/%s/%s", hash[:2], hash)
}

// Distributor routes chunk placement across a set of named providers
// and exposes lookups by name for the pipeline engine's read path.
// Providers are kept in a fixed, configuration-declared order: both
// RoundRobin and Weighted placement must be deterministic given the
// same configuration (spec §9 Determinism), which a Go map's iteration
// order cannot guarantee.
type Distributor struct {
	ordered   []Provider
	byName    map[string]Provider
	strategy  Strategy
}

// New builds a Distributor over providers (in configuration order),
// placing new chunks according to strategy.
func New(providers []Provider, strategy Strategy) (*Distributor, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("distributor: at least one provider required")
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Distributor{ordered: providers, byName: byName, strategy: strategy}, nil
}

// Provider returns the named provider, or false if it is not currently
// configured (spec §9: a removed provider must fail reads with
// StoragePermanent rather than silently remapping — see
// enigmaerr.ErrStoragePermanent at the call site in internal/pipeline).
func (d *Distributor) Provider(name string) (Provider, bool) {
	p, ok := d.byName[name]
	return p, ok
}

// Place chooses the provider for a new (non-dedup) chunk placement,
// advancing the underlying strategy's placement cursor exactly once.
// Dedup hits must not call Place (spec §4.6: the cursor only advances
// on new placements).
func (d *Distributor) Place() Provider {
	return d.strategy.Next(d.ordered)
}
