package distributor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLocalProviders(t *testing.T, n int) []Provider {
	t.Helper()
	var out []Provider
	for i := 0; i < n; i++ {
		p, err := NewLocalProvider(
			[]string{"p1", "p2", "p3", "p4"}[i],
			filepath.Join(t.TempDir()),
			1,
		)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestLocalProviderRoundTrip(t *testing.T) {
	p, err := NewLocalProvider("local", t.TempDir(), 1)
	require.NoError(t, err)
	ctx := context.Background()

	key := ChunkKey("abcd1234")
	require.NoError(t, p.Put(ctx, key, []byte("ciphertext bytes")))

	exists, err := p.Head(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	got, err := p.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext bytes"), got)

	keys, err := p.List(ctx, "enigma/chunks/ab")
	require.NoError(t, err)
	require.Contains(t, keys, key)

	require.NoError(t, p.Delete(ctx, key))
	exists, err = p.Head(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = p.Get(ctx, key)
	require.Error(t, err)
}

func TestRoundRobinDistributesEvenly(t *testing.T) {
	providers := newLocalProviders(t, 3)
	dist, err := New(providers, NewRoundRobin())
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		p := dist.Place()
		counts[p.Name()]++
	}

	require.Equal(t, 2, counts["p1"])
	require.Equal(t, 2, counts["p2"])
	require.Equal(t, 2, counts["p3"])
}

func TestRoundRobinSkipsOnDedup(t *testing.T) {
	providers := newLocalProviders(t, 2)
	dist, err := New(providers, NewRoundRobin())
	require.NoError(t, err)

	first := dist.Place()
	require.Equal(t, "p1", first.Name())
	// A dedup hit never calls Place; the cursor stays put.
	second := dist.Place()
	require.Equal(t, "p2", second.Name())
	third := dist.Place()
	require.Equal(t, "p1", third.Name())
}

func TestWeightedStrategyProportions(t *testing.T) {
	providers := []Provider{
		mustLocal(t, "heavy", 3),
		mustLocal(t, "light", 1),
	}
	strategy := NewWeighted()

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		p := strategy.Next(providers)
		counts[p.Name()]++
	}
	require.Equal(t, 6, counts["heavy"])
	require.Equal(t, 2, counts["light"])
}

func mustLocal(t *testing.T, name string, weight int) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(name, t.TempDir(), weight)
	require.NoError(t, err)
	return p
}

func TestProviderLookupMissingIsNotFound(t *testing.T) {
	providers := newLocalProviders(t, 1)
	dist, err := New(providers, NewRoundRobin())
	require.NoError(t, err)

	_, ok := dist.Provider("removed-provider")
	require.False(t, ok, "a provider not in the configured set must not be found")
}
