package solana

import (
	"sort"
	"strconv"

	"github.com/arbnet/coordinator/internal/domain"
)

// Triangular search bounds. Each start token may yield at most
// maxPathsPerToken cycles and the whole scan stops at maxTotalPaths, so a
// dense token graph degrades to partial results instead of a stalled cycle.
const (
	minCycleLen      = 3
	maxPathsPerToken = 100
	maxTotalPaths    = 1000
	maxMemoSize      = 10000
)

// triEdge is one direction through a pool. Price and fee stay separate so
// that a forward/reverse edge pair multiplies to exactly 1 before fees.
type triEdge struct {
	to    string
	pool  domain.Pool
	price float64
	fee   float64 // decimal, applied per hop
}

type triSearch struct {
	adj        map[string][]triEdge
	start      string
	maxDepth   int
	threshold  float64 // percent
	memo       map[string]struct{}
	visited    map[string]bool
	usedPools  map[string]struct{}
	pathTokens []string
	pathPools  []domain.Pool
	foundStart int
	foundTotal *int
	explored   *int
	emit       func(tokens []string, pools []domain.Pool, profitPct float64)
}

// detectTriangular looks for profitable cycles of length three (up to the
// configured depth) through the live pool graph. Amount simulation starts at
// 1 unit of the start token; each hop multiplies by the edge price and keeps
// (1 - fee).
func (e *Engine) detectTriangular(nowMs int64, st *scanStats) []domain.Opportunity {
	adj := e.buildGraph(nowMs, st)
	if len(adj) == 0 {
		return nil
	}

	starts := make([]string, 0, len(adj))
	for token := range adj {
		starts = append(starts, token)
	}
	sort.Strings(starts)

	var out []domain.Opportunity
	foundTotal := 0
	memo := make(map[string]struct{})

	for _, start := range starts {
		if foundTotal >= maxTotalPaths {
			break
		}
		s := &triSearch{
			adj:        adj,
			start:      start,
			maxDepth:   e.cfg.MaxTriangularDepth,
			threshold:  e.cfg.MinProfitThreshold,
			memo:       memo,
			visited:    map[string]bool{start: true},
			usedPools:  make(map[string]struct{}),
			pathTokens: []string{start},
			foundTotal: &foundTotal,
			explored:   &st.paths,
			emit: func(tokens []string, pools []domain.Pool, profitPct float64) {
				out = append(out, e.factory.Triangular(
					tokens, pools, profitPct,
					e.cfg.SolanaTxUSD,
					e.cfg.DefaultTradeValueUSD,
				))
			},
		}
		s.walk(start, 1.0, 0)
	}
	return out
}

// buildGraph turns usable pools into a bidirectional token graph: the
// forward edge carries the pool price, the reverse its inverse, the fee
// identical on both.
func (e *Engine) buildGraph(nowMs int64, st *scanStats) map[string][]triEdge {
	adj := make(map[string][]triEdge)
	for _, p := range e.usablePools(e.store.Snapshot(), nowMs, st) {
		t0, t1 := p.NormalizedToken0, p.NormalizedToken1
		if t0 == "" || t1 == "" || t0 == t1 {
			continue
		}
		fee := float64(p.FeeBps) / 10000
		adj[t0] = append(adj[t0], triEdge{to: t1, pool: p, price: p.Price, fee: fee})
		adj[t1] = append(adj[t1], triEdge{to: t0, pool: p, price: 1 / p.Price, fee: fee})
	}
	// Deterministic neighbor order keeps runs reproducible.
	for token := range adj {
		edges := adj[token]
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].to != edges[j].to {
				return edges[i].to < edges[j].to
			}
			return edges[i].pool.Address < edges[j].pool.Address
		})
	}
	return adj
}

func (s *triSearch) walk(token string, amount float64, depth int) {
	for _, edge := range s.adj[token] {
		if s.foundStart >= maxPathsPerToken || *s.foundTotal >= maxTotalPaths {
			return
		}
		if _, used := s.usedPools[edge.pool.Address]; used {
			continue
		}

		*s.explored++
		next := edge.to
		nextAmount := amount * edge.price * (1 - edge.fee)
		if !isFinite(nextAmount) || nextAmount <= 0 {
			continue
		}

		// Closing hop: back at the start with a long enough cycle. The
		// emitted path is the open token sequence; the start token is
		// implied as the final destination.
		if next == s.start {
			if depth+1 >= minCycleLen {
				profitPct := (nextAmount - 1) * 100
				if profitPct > s.threshold {
					tokens := append([]string(nil), s.pathTokens...)
					pools := append(append([]domain.Pool(nil), s.pathPools...), edge.pool)
					s.emit(tokens, pools, profitPct)
					s.foundStart++
					*s.foundTotal++
				}
			}
			continue
		}

		if depth+1 >= s.maxDepth {
			continue
		}
		if s.visited[next] {
			continue
		}
		key := memoKey(s.start, next, depth, edge.pool.Address)
		if _, seen := s.memo[key]; seen {
			continue
		}
		if len(s.memo) < maxMemoSize {
			s.memo[key] = struct{}{}
		}

		s.usedPools[edge.pool.Address] = struct{}{}
		s.visited[next] = true
		s.pathTokens = append(s.pathTokens, next)
		s.pathPools = append(s.pathPools, edge.pool)

		s.walk(next, nextAmount, depth+1)

		s.pathTokens = s.pathTokens[:len(s.pathTokens)-1]
		s.pathPools = s.pathPools[:len(s.pathPools)-1]
		delete(s.visited, next)
		delete(s.usedPools, edge.pool.Address)
	}
}

func memoKey(start, next string, depth int, poolAddr string) string {
	return start + "-" + next + "-" + strconv.Itoa(depth) + "-" + poolAddr
}
