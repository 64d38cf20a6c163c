package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/breaker"
	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/router"
	"github.com/arbnet/coordinator/internal/server/handler"
	"github.com/arbnet/coordinator/internal/solana"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealthCheckReportsDependencyProbes(t *testing.T) {
	h := handler.NewHealthHandler(stubPinger{}, testLogger()).
		WithCheck("postgres", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["redis"])
	assert.Equal(t, "ok", checks["postgres"])
}

func TestHealthCheckDegradesWhenRedisIsDown(t *testing.T) {
	h := handler.NewHealthHandler(stubPinger{err: errors.New("connection refused")}, testLogger())

	rec := httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Contains(t, checks["redis"], "connection refused")
}

type staticLeader bool

func (s staticLeader) IsLeader() bool { return bool(s) }

type stubRouterStats struct{ stats router.Stats }

func (s stubRouterStats) Stats() router.Stats { return s.stats }

func TestStatusOmitsHalvesNotRunning(t *testing.T) {
	h := handler.NewStatusHandler("coordinator", "inst-1", staticLeader(true)).
		WithRouter(stubRouterStats{stats: router.Stats{Size: 7, TotalOpportunities: 42}})

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "coordinator", body["mode"])
	assert.Equal(t, "inst-1", body["instanceId"])
	assert.Equal(t, true, body["leader"])

	require.Contains(t, body, "router")
	routerStats := body["router"].(map[string]any)
	assert.Equal(t, float64(7), routerStats["size"])
	assert.NotContains(t, body, "engine", "detection half is not wired")
}

type fakeOppSource struct {
	byID     map[string]domain.Opportunity
	list     []domain.Opportunity
	gotLimit int
}

func (f *fakeOppSource) Opportunity(id string) (domain.Opportunity, bool) {
	o, ok := f.byID[id]
	return o, ok
}

func (f *fakeOppSource) Opportunities(limit int) []domain.Opportunity {
	f.gotLimit = limit
	if len(f.list) > limit {
		return f.list[:limit]
	}
	return f.list
}

func TestOpportunitiesListCapsLimit(t *testing.T) {
	src := &fakeOppSource{list: []domain.Opportunity{
		{ID: "opp-1", Chain: "solana", ProfitPercentage: 1.2},
		{ID: "opp-2", Chain: "solana", ProfitPercentage: 0.8},
	}}
	h := handler.NewOpportunityHandler(src)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/opportunities?limit=9999", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, src.gotLimit, "limit is capped before hitting the router")
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/opportunities", nil))
	assert.Equal(t, 50, src.gotLimit, "default limit applies without a query param")
}

func TestOpportunityGetByID(t *testing.T) {
	src := &fakeOppSource{byID: map[string]domain.Opportunity{
		"opp-1": {ID: "opp-1", Type: "triangular", Chain: "solana"},
	}}
	h := handler.NewOpportunityHandler(src)

	req := httptest.NewRequest(http.MethodGet, "/api/opportunities/opp-1", nil)
	req.SetPathValue("id", "opp-1")
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "opp-1", body["ID"])

	req = httptest.NewRequest(http.MethodGet, "/api/opportunities/nope", nil)
	req.SetPathValue("id", "nope")
	rec = httptest.NewRecorder()
	h.Get(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpportunitiesUnavailableWithoutRouter(t *testing.T) {
	h := handler.NewOpportunityHandler(nil)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/opportunities", nil))

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type fakePoolSource struct {
	pools  []domain.Pool
	byPair map[string][]domain.Pool
	pairs  []string
	stats  solana.PoolStoreStats
}

func (f *fakePoolSource) Snapshot() []domain.Pool { return f.pools }

func (f *fakePoolSource) PoolsForPair(pairKey string) []domain.Pool { return f.byPair[pairKey] }

func (f *fakePoolSource) Pairs() []string { return f.pairs }

func (f *fakePoolSource) Stats() solana.PoolStoreStats { return f.stats }

func TestPoolsListFiltersByPair(t *testing.T) {
	src := &fakePoolSource{
		pools: []domain.Pool{
			{Address: "pool-a"}, {Address: "pool-b"}, {Address: "pool-c"},
		},
		byPair: map[string][]domain.Pool{
			"MINTA/MINTB": {{Address: "pool-b"}},
		},
	}
	h := handler.NewPoolHandler(src)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/pools?pair=MINTA/MINTB", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/pools?limit=2", nil))
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"], "limit truncates the snapshot")
	assert.Equal(t, float64(3), body["total"])
}

func TestPoolPairsIncludeStoreCounters(t *testing.T) {
	src := &fakePoolSource{
		pairs: []string{"MINTA/MINTB", "MINTB/MINTC"},
		stats: solana.PoolStoreStats{Size: 3, Pairs: 2, Version: 11},
	}
	h := handler.NewPoolHandler(src)

	rec := httptest.NewRecorder()
	h.ListPairs(rec, httptest.NewRequest(http.MethodGet, "/api/pools/pairs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
	store := body["store"].(map[string]any)
	assert.Equal(t, float64(11), store["version"])
}

type stubBreaker struct{ st breaker.Status }

func (s stubBreaker) BreakerStatus() breaker.Status { return s.st }

func TestBreakerReportsRunningHalvesOnly(t *testing.T) {
	h := handler.NewBreakerHandler(stubBreaker{st: breaker.Status{Open: true, Failures: 5}}, nil)

	rec := httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest(http.MethodGet, "/api/breaker", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body, "forwarding")
	forwarding := body["forwarding"].(map[string]any)
	assert.Equal(t, true, forwarding["open"])
	assert.NotContains(t, body, "publishing")

	h = handler.NewBreakerHandler(nil, nil)
	rec = httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest(http.MethodGet, "/api/breaker", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type fakeForwardLog struct {
	forwards []domain.ForwardRecord
	deads    []domain.DeadLetterRecord
	err      error
}

func (f *fakeForwardLog) RecentForwards(context.Context, int) ([]domain.ForwardRecord, error) {
	return f.forwards, f.err
}

func (f *fakeForwardLog) RecentDeadLetters(context.Context, int) ([]domain.DeadLetterRecord, error) {
	return f.deads, f.err
}

func TestArchiveEndpointsRequireBackends(t *testing.T) {
	h := handler.NewArchiveHandler(testLogger())

	for _, fn := range []http.HandlerFunc{h.ListForwards, h.ListDeadLetters, h.ListFiles} {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodGet, "/api/archive/forwards", nil))
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	}
}

func TestArchiveListsForwardRecords(t *testing.T) {
	log := &fakeForwardLog{forwards: []domain.ForwardRecord{
		{OpportunityID: "opp-1", Chain: "solana"},
		{OpportunityID: "opp-2", Chain: "base"},
	}}
	h := handler.NewArchiveHandler(testLogger()).WithForwardLog(log)

	rec := httptest.NewRecorder()
	h.ListForwards(rec, httptest.NewRequest(http.MethodGet, "/api/archive/forwards", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])

	log.err = errors.New("pool closed")
	rec = httptest.NewRecorder()
	h.ListForwards(rec, httptest.NewRequest(http.MethodGet, "/api/archive/forwards", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
