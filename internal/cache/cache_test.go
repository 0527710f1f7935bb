package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/graph"
	"deepresearch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult(q string) *types.CachedResult {
	return &types.CachedResult{
		Query:      q,
		Summary:    "summary of " + q,
		FocusAreas: []types.FocusArea{{Topic: "hardware", Completed: true}},
		FollowUps:  []string{"what next?"},
		Graph:      graph.View{Nodes: []graph.Node{{ID: "qubit", Label: "Qubit", Confidence: 0.9}}},
	}
}

func TestNormalizeAndKey(t *testing.T) {
	assert.Equal(t, "quantum computing breakthroughs", Normalize("  Quantum   Computing\tBreakthroughs "))
	assert.Equal(t, Key("Quantum computing breakthroughs"), Key("quantum  computing breakthroughs "))
	assert.NotEqual(t, Key("quantum computing"), Key("quantum computers"))
	assert.Len(t, Key("x"), 64)
}

// storeSuite runs the same behavioural checks against every backend.
func storeSuite(t *testing.T, store Store, setNow func(time.Time)) {
	ctx := context.Background()
	now := time.Now()
	setNow(now)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Put(ctx, "k1", sampleResult("q1"), time.Hour))
	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "summary of q1", got.Summary)
	assert.Equal(t, "Qubit", got.Graph.Nodes[0].Label)

	// Overwrite
	updated := sampleResult("q1")
	updated.Summary = "newer"
	require.NoError(t, store.Put(ctx, "k1", updated, time.Hour))
	got, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Summary)

	// Expiry
	require.NoError(t, store.Put(ctx, "k2", sampleResult("q2"), time.Minute))
	setNow(now.Add(2 * time.Minute))
	_, err = store.Get(ctx, "k2")
	assert.ErrorIs(t, err, ErrMiss)

	n, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Delete(ctx, "k1"))
	_, err = store.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore(10)
	storeSuite(t, m, func(now time.Time) { m.now = func() time.Time { return now } })
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(2)
	base := time.Now()
	tick := 0
	m.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	require.NoError(t, m.Put(ctx, "a", sampleResult("a"), time.Hour))
	require.NoError(t, m.Put(ctx, "b", sampleResult("b"), time.Hour))
	require.NoError(t, m.Put(ctx, "c", sampleResult("c"), time.Hour))

	n, _ := m.Len(ctx)
	assert.Equal(t, 2, n)
	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache", "research.db"))
	require.NoError(t, err)
	defer s.Close()

	storeSuite(t, s, func(now time.Time) { s.now = func() time.Time { return now } })
}

func TestCache_LookupSave(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, config.CacheConfig{Driver: "memory", MaxEntries: 10}, 24*time.Hour)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Lookup(ctx, "Quantum computing breakthroughs")
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, "Quantum computing breakthroughs", sampleResult("quantum computing breakthroughs")))

	got, ok := c.Lookup(ctx, "  quantum COMPUTING breakthroughs")
	require.True(t, ok)
	assert.False(t, got.StoredAt.IsZero())

	require.NoError(t, c.Invalidate(ctx, "quantum computing breakthroughs"))
	_, ok = c.Lookup(ctx, "quantum computing breakthroughs")
	assert.False(t, ok)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.CacheConfig{Driver: "redis"}, time.Hour)
	assert.Error(t, err)
}
