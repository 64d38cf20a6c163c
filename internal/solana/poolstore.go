// Package solana implements the Solana-side arbitrage engine: a versioned
// pool store fed by upstream detectors, detection kernels over that store,
// and a publisher that hands detected opportunities to the router's intake
// stream.
package solana

import (
	"container/list"
	"sync"

	"github.com/arbnet/coordinator/internal/domain"
)

// PoolStoreStats is a point-in-time snapshot of store health.
type PoolStoreStats struct {
	Size      int    `json:"size"`
	Pairs     int    `json:"pairs"`
	Version   uint64 `json:"version"`
	Evictions uint64 `json:"evictions"`
}

// PoolStore indexes live pools by address and by normalized pair, bounded by
// an LRU over write recency. Every mutation (set, delete, eviction, prune,
// clear) bumps a monotonic version so detection kernels can tell whether the
// store changed under them mid-scan.
type PoolStore struct {
	mu        sync.RWMutex
	max       int
	byAddress map[string]*list.Element
	byPair    map[string]map[string]struct{}
	lru       *list.List // front = least recently written
	version   uint64
	evictions uint64
}

// NewPoolStore returns a store bounded to max pools.
func NewPoolStore(max int) *PoolStore {
	if max < 1 {
		max = 1
	}
	return &PoolStore{
		max:       max,
		byAddress: make(map[string]*list.Element),
		byPair:    make(map[string]map[string]struct{}),
		lru:       list.New(),
	}
}

// Set inserts or updates a pool, refreshing its LRU position. At capacity the
// least recently written pool is evicted first. When an update moves the pool
// to a different pair (token metadata corrected upstream), the pair index
// migrates with it.
func (s *PoolStore) Set(pool domain.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.byAddress[pool.Address]; ok {
		old := el.Value.(*domain.Pool)
		if old.Pair != pool.Pair {
			s.unindexPair(old.Pair, pool.Address)
			s.indexPair(pool.Pair, pool.Address)
		}
		*old = pool
		s.lru.MoveToBack(el)
		s.version++
		return
	}

	if s.lru.Len() >= s.max {
		s.evictOldest()
	}

	p := pool
	s.byAddress[pool.Address] = s.lru.PushBack(&p)
	s.indexPair(pool.Pair, pool.Address)
	s.version++
}

// evictOldest removes the least recently written pool. An eviction is its
// own mutation: it invalidates a concurrent scan just as an update does, so
// it bumps the version separately from the insert that triggered it. Caller
// holds the lock.
func (s *PoolStore) evictOldest() {
	el := s.lru.Front()
	if el == nil {
		return
	}
	victim := el.Value.(*domain.Pool)
	s.removeLocked(victim.Address)
	s.evictions++
	s.version++
}

// Get returns the pool at address. Reads do not refresh LRU position; only
// writes count as activity.
func (s *PoolStore) Get(address string) (domain.Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.byAddress[address]
	if !ok {
		return domain.Pool{}, false
	}
	return *el.Value.(*domain.Pool), true
}

// PoolsForPair returns copies of all pools indexed under the normalized pair
// key.
func (s *PoolStore) PoolsForPair(pairKey string) []domain.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs, ok := s.byPair[pairKey]
	if !ok {
		return nil
	}
	out := make([]domain.Pool, 0, len(addrs))
	for addr := range addrs {
		if el, found := s.byAddress[addr]; found {
			out = append(out, *el.Value.(*domain.Pool))
		}
	}
	return out
}

// Delete removes a pool by address. Reports whether it was present.
func (s *PoolStore) Delete(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAddress[address]; !ok {
		return false
	}
	s.removeLocked(address)
	s.version++
	return true
}

// removeLocked detaches a pool from every index. The version bump belongs to
// the caller: external deletes and evictions each count once.
func (s *PoolStore) removeLocked(address string) {
	el, ok := s.byAddress[address]
	if !ok {
		return
	}
	pool := el.Value.(*domain.Pool)
	s.lru.Remove(el)
	delete(s.byAddress, address)
	s.unindexPair(pool.Pair, address)
}

// PruneStale drops every pool whose last update is older than maxAgeMs at
// nowMs, returning how many were removed. Each removal is one mutation.
func (s *PoolStore) PruneStale(nowMs, maxAgeMs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []string
	for el := s.lru.Front(); el != nil; el = el.Next() {
		p := el.Value.(*domain.Pool)
		if p.StaleAt(nowMs, maxAgeMs) {
			victims = append(victims, p.Address)
		}
	}
	for _, addr := range victims {
		s.removeLocked(addr)
		s.version++
	}
	return len(victims)
}

// Clear empties the store. Counts as a single mutation.
func (s *PoolStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAddress = make(map[string]*list.Element)
	s.byPair = make(map[string]map[string]struct{})
	s.lru.Init()
	s.version++
}

// Pairs returns all pair keys with at least one pool.
func (s *PoolStore) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byPair))
	for k := range s.byPair {
		out = append(out, k)
	}
	return out
}

// Snapshot returns copies of every stored pool, oldest write first.
func (s *PoolStore) Snapshot() []domain.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Pool, 0, s.lru.Len())
	for el := s.lru.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*domain.Pool))
	}
	return out
}

// Len returns the number of stored pools.
func (s *PoolStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lru.Len()
}

// Version returns the monotonic mutation counter.
func (s *PoolStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Stats snapshots store health for the status surface.
func (s *PoolStore) Stats() PoolStoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PoolStoreStats{
		Size:      s.lru.Len(),
		Pairs:     len(s.byPair),
		Version:   s.version,
		Evictions: s.evictions,
	}
}

func (s *PoolStore) indexPair(pairKey, address string) {
	if pairKey == "" {
		return
	}
	set, ok := s.byPair[pairKey]
	if !ok {
		set = make(map[string]struct{})
		s.byPair[pairKey] = set
	}
	set[address] = struct{}{}
}

func (s *PoolStore) unindexPair(pairKey, address string) {
	set, ok := s.byPair[pairKey]
	if !ok {
		return
	}
	delete(set, address)
	if len(set) == 0 {
		delete(s.byPair, pairKey)
	}
}
