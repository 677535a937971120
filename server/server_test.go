package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennyphilp/trainsai/cache"
	"github.com/kennyphilp/trainsai/darwin"
	"github.com/kennyphilp/trainsai/enrich"
	"github.com/kennyphilp/trainsai/model"
	"github.com/kennyphilp/trainsai/resolve"
	"github.com/kennyphilp/trainsai/storage"
	"github.com/kennyphilp/trainsai/testutil"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func buildServer(t *testing.T, opts Options) (*Server, *cache.Cache, storage.Storage) {
	s := testutil.BuildStorage(t, "memory")

	resolver, err := resolve.NewResolver(s)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	engine := enrich.NewEngine(s, resolver, testLog(), registry)
	c := cache.New(100, time.Hour)

	client := darwin.NewClient(darwin.ClientConfig{
		Host: "localhost", Port: 61613, Topic: "/topic/test",
	}, testLog())

	srv := New(c, engine, s, client, registry, testLog(), opts)
	shutdownOnCleanup(t, srv)
	return srv, c, s
}

func shutdownOnCleanup(t *testing.T, srv *Server) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
}

func do(srv *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func insertEnriched(c *cache.Cache, rid string, observed time.Time, origin, dest string) {
	c.Insert(&model.ActiveCancellation{
		RID:         rid,
		ObservedAt:  observed,
		Enriched:    true,
		Origin:      &model.Endpoint{Tiploc: origin},
		Destination: &model.Endpoint{Tiploc: dest},
	})
}

func TestCancellationsEmptyIsArray(t *testing.T) {
	srv, _, _ := buildServer(t, Options{})

	rec := do(srv, "/cancellations")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = do(srv, "/cancellations/enriched")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestCancellationsListing(t *testing.T) {
	srv, c, _ := buildServer(t, Options{})
	base := time.Now().Add(-10 * time.Minute)

	c.Insert(&model.ActiveCancellation{RID: "plain-1", ObservedAt: base})
	insertEnriched(c, "rich-1", base.Add(time.Minute), "PADTON", "BRSTLTM")
	c.Insert(&model.ActiveCancellation{RID: "plain-2", ObservedAt: base.Add(2 * time.Minute)})

	rec := do(srv, "/cancellations")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []*model.ActiveCancellation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "plain-2", entries[0].RID)
	assert.Equal(t, "plain-1", entries[2].RID)

	rec = do(srv, "/cancellations?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)

	since := base.Add(90 * time.Second).UTC().Format(time.RFC3339Nano)
	rec = do(srv, "/cancellations?since="+url.QueryEscape(since))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "plain-2", entries[0].RID)

	rec = do(srv, "/cancellations/enriched")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "rich-1", entries[0].RID)
}

func TestListQueryValidation(t *testing.T) {
	srv, _, _ := buildServer(t, Options{})

	for _, target := range []string{
		"/cancellations?limit=abc",
		"/cancellations?limit=-1",
		"/cancellations?limit=0",
		"/cancellations?since=yesterday",
		"/cancellations/enriched?limit=x",
	} {
		rec := do(srv, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	// Oversized limits clamp instead of failing.
	rec := do(srv, "/cancellations?limit=10000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestByRouteSorted(t *testing.T) {
	srv, c, _ := buildServer(t, Options{})
	base := time.Now().Add(-5 * time.Minute)

	insertEnriched(c, "a", base, "KNGX", "YORK")
	insertEnriched(c, "b", base.Add(time.Second), "PADTON", "BRSTLTM")
	insertEnriched(c, "c", base.Add(2*time.Second), "PADTON", "BRSTLTM")
	insertEnriched(c, "d", base.Add(3*time.Second), "EUSTON", "MNCRPIC")

	rec := do(srv, "/cancellations/by-route")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []routeEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 3)

	assert.Equal(t, "PADTON", entries[0].Origin)
	assert.Equal(t, 2, entries[0].Count)
	// Equal counts order alphabetically by origin.
	assert.Equal(t, "EUSTON", entries[1].Origin)
	assert.Equal(t, "KNGX", entries[2].Origin)
}

func TestStats(t *testing.T) {
	srv, c, _ := buildServer(t, Options{})
	insertEnriched(c, "a", time.Now(), "PADTON", "BRSTLTM")

	rec := do(srv, "/cancellations/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Cache.Total)
	assert.Equal(t, 1, resp.Cache.Enriched)
	require.NotNil(t, resp.Store)
	assert.Equal(t, int64(0), resp.Store.Schedules)
	require.NotNil(t, resp.Enrichment.FailuresByReason)
}

type brokenStatsStore struct {
	storage.Storage
}

func (b *brokenStatsStore) Statistics() (*model.StoreStatistics, error) {
	return nil, assert.AnError
}

func TestStatsStoreErrorOmitsSection(t *testing.T) {
	s := testutil.BuildStorage(t, "memory")
	resolver, err := resolve.NewResolver(s)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	broken := &brokenStatsStore{Storage: s}
	engine := enrich.NewEngine(broken, resolver, testLog(), registry)
	client := darwin.NewClient(darwin.ClientConfig{Host: "localhost", Port: 1, Topic: "/t"}, testLog())
	srv := New(cache.New(10, time.Hour), engine, broken, client, registry, testLog(), Options{})
	shutdownOnCleanup(t, srv)

	rec := do(srv, "/cancellations/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Store)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := buildServer(t, Options{})

	rec := do(srv, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)

	// The push port client never connected, so readiness fails even
	// though the store is fine.
	rec = do(srv, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Ready)
	assert.Equal(t, "down", report.Checks["stomp"].Status)
	assert.Equal(t, "disconnected", report.Checks["stomp"].Detail)
	assert.Equal(t, "ok", report.Checks["store"].Status)
	assert.Nil(t, report.Cache)

	rec = do(srv, "/health/deep")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.NotNil(t, report.Cache)
	require.NotNil(t, report.Enrichment)
}

func TestRateLimit(t *testing.T) {
	srv, _, _ := buildServer(t, Options{RateDefault: 2, RateHealth: 2})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := do(srv, "/cancellations")
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
	assert.Equal(t, http.StatusTooManyRequests, codes[3])

	// Health endpoints meter on their own bucket.
	rec := do(srv, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDashboard(t *testing.T) {
	srv, c, _ := buildServer(t, Options{})
	insertEnriched(c, "dash-1", time.Now(), "PADTON", "BRSTLTM")

	rec := do(srv, "/cancellations/dashboard")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "PADTON")
	assert.Contains(t, body, "BRSTLTM")
	assert.Contains(t, body, "dash-1")
}

func TestMetrics(t *testing.T) {
	srv, _, _ := buildServer(t, Options{})

	rec := do(srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "darwin_cancellations_total")
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := buildServer(t, Options{})

	rec := do(srv, "/cancellations")
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
