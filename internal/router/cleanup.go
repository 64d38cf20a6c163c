package router

import (
	"container/heap"

	"github.com/arbnet/coordinator/internal/domain"
)

// CleanupExpired removes stale records from the working set: everything past
// its effective expiry (explicit expiresAt, or detection timestamp plus the
// per-chain TTL), then, should the set still exceed maxOpportunities, the
// oldest survivors by detection timestamp. Returns the number removed.
//
// Nothing here touches the dropped counter: cleanup is retention hygiene,
// not a forwarding failure.
func (r *Router) CleanupExpired() int {
	nowMs := r.now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		o := el.Value.(*domain.Opportunity)
		if o.Expired(nowMs, r.cfg.ChainTTLMs, r.cfg.OpportunityTTLMs) {
			r.order.Remove(el)
			delete(r.byID, o.ID)
			removed++
		}
		el = next
	}

	// Size guard. upsert already evicts on insert, so this only fires after
	// a config reload shrank the bound.
	if excess := r.order.Len() - r.cfg.MaxOpportunities; excess > 0 {
		for _, id := range r.oldestLocked(excess) {
			if el, ok := r.byID[id]; ok {
				r.order.Remove(el)
				delete(r.byID, id)
				removed++
			}
		}
	}

	if removed > 0 {
		r.log.Debug("expired opportunities cleaned", "removed", removed, "remaining", r.order.Len())
	}
	return removed
}

// oldestLocked selects the ids of the k oldest records by detection
// timestamp. A bounded max-heap keeps selection at O(n log k) instead of
// sorting the whole set. Caller holds r.mu.
func (r *Router) oldestLocked(k int) []string {
	if k <= 0 {
		return nil
	}
	h := make(tsHeap, 0, k+1)
	for el := r.order.Front(); el != nil; el = el.Next() {
		o := el.Value.(*domain.Opportunity)
		heap.Push(&h, tsEntry{id: o.ID, ts: o.Timestamp})
		if h.Len() > k {
			heap.Pop(&h)
		}
	}
	ids := make([]string, 0, h.Len())
	for _, e := range h {
		ids = append(ids, e.id)
	}
	return ids
}

type tsEntry struct {
	id string
	ts int64
}

// tsHeap is a max-heap on timestamp: popping removes the newest of the
// candidates, so the k oldest remain.
type tsHeap []tsEntry

func (h tsHeap) Len() int           { return len(h) }
func (h tsHeap) Less(i, j int) bool { return h[i].ts > h[j].ts }
func (h tsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tsHeap) Push(x any)        { *h = append(*h, x.(tsEntry)) }
func (h *tsHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
