package solana_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/solana"
)

func storedPool(address, pair string, lastUpdated int64) domain.Pool {
	return domain.Pool{
		Address:     address,
		Dex:         "orca",
		Chain:       "solana",
		Pair:        pair,
		Price:       1,
		LastUpdated: lastUpdated,
	}
}

func TestPoolStoreSetGetDelete(t *testing.T) {
	s := solana.NewPoolStore(10)

	p := storedPool("orca:sol-usdc:0", "SOL-USDC", 42)
	s.Set(p)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(1), s.Version())

	got, ok := s.Get("orca:sol-usdc:0")
	require.True(t, ok)
	assert.Equal(t, p, got)

	require.True(t, s.Delete("orca:sol-usdc:0"))
	assert.False(t, s.Delete("orca:sol-usdc:0"), "second delete finds nothing")
	_, ok = s.Get("orca:sol-usdc:0")
	assert.False(t, ok)
	assert.Equal(t, uint64(2), s.Version(), "delete is one mutation")
}

func TestPoolStoreEvictsOldestWriteAtCapacity(t *testing.T) {
	const max = 3
	s := solana.NewPoolStore(max)

	for i := 0; i <= max; i++ {
		s.Set(storedPool(fmt.Sprintf("orca:pool:%d", i), "SOL-USDC", 1))
	}

	assert.Equal(t, max, s.Len())
	_, ok := s.Get("orca:pool:0")
	assert.False(t, ok, "least recently written pool should be gone")
	_, ok = s.Get(fmt.Sprintf("orca:pool:%d", max))
	assert.True(t, ok)

	// max+1 inserts plus the eviction, each a mutation of its own.
	assert.Equal(t, uint64(max+2), s.Version())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, max, stats.Size)
}

func TestPoolStoreUpdateRefreshesRecency(t *testing.T) {
	s := solana.NewPoolStore(2)

	s.Set(storedPool("orca:a:0", "SOL-USDC", 1))
	s.Set(storedPool("orca:b:0", "SOL-USDC", 1))
	s.Set(storedPool("orca:a:0", "SOL-USDC", 2)) // refresh a
	s.Set(storedPool("orca:c:0", "SOL-USDC", 1)) // must evict b, not a

	_, ok := s.Get("orca:b:0")
	assert.False(t, ok)
	_, ok = s.Get("orca:a:0")
	assert.True(t, ok)
	_, ok = s.Get("orca:c:0")
	assert.True(t, ok)
}

func TestPoolStorePairIndexMigratesWithUpdate(t *testing.T) {
	s := solana.NewPoolStore(10)

	p := storedPool("orca:x:0", "SOL-USDC", 1)
	s.Set(p)
	require.Len(t, s.PoolsForPair("SOL-USDC"), 1)

	p.Pair = "JUP-SOL"
	s.Set(p)

	assert.Empty(t, s.PoolsForPair("SOL-USDC"))
	require.Len(t, s.PoolsForPair("JUP-SOL"), 1)
	assert.Equal(t, []string{"JUP-SOL"}, s.Pairs())
}

func TestPoolStorePruneStale(t *testing.T) {
	s := solana.NewPoolStore(10)
	s.Set(storedPool("orca:old:0", "SOL-USDC", 1_000))
	s.Set(storedPool("orca:new:0", "SOL-USDC", 9_000))

	before := s.Version()
	removed := s.PruneStale(10_000, 5_000)

	assert.Equal(t, 1, removed)
	_, ok := s.Get("orca:old:0")
	assert.False(t, ok)
	_, ok = s.Get("orca:new:0")
	assert.True(t, ok)
	assert.Equal(t, before+1, s.Version())
	assert.Len(t, s.PoolsForPair("SOL-USDC"), 1, "pair index keeps only the survivor")
}

func TestPoolStoreClearIsOneMutation(t *testing.T) {
	s := solana.NewPoolStore(10)
	s.Set(storedPool("orca:a:0", "SOL-USDC", 1))
	s.Set(storedPool("orca:b:0", "JUP-SOL", 1))

	before := s.Version()
	s.Clear()

	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Pairs())
	assert.Equal(t, before+1, s.Version())
}

func TestPoolStoreSnapshotOldestFirst(t *testing.T) {
	s := solana.NewPoolStore(10)
	s.Set(storedPool("orca:a:0", "SOL-USDC", 1))
	s.Set(storedPool("orca:b:0", "SOL-USDC", 2))
	s.Set(storedPool("orca:a:0", "SOL-USDC", 3)) // rewrite moves a to the back

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "orca:b:0", snap[0].Address)
	assert.Equal(t, "orca:a:0", snap[1].Address)
}
