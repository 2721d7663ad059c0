package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchverify/patchverify/pkg/history"
	"github.com/patchverify/patchverify/pkg/metrics"
	"github.com/patchverify/patchverify/pkg/types"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) history.Store {
	t.Helper()
	store, err := history.Open(history.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for i, r := range []struct {
		id, eco, pkg string
		category     types.RiskCategory
	}{
		{"a", "npm", "lodash", types.RiskLow},
		{"b", "npm", "lodash", types.RiskHigh},
		{"c", "PyPI", "requests", types.RiskMedium},
	} {
		require.NoError(t, store.Append(context.Background(), &types.ScanReport{
			ScanID: r.id,
			PackageVersionPair: types.PackageVersionPair{
				Ecosystem: r.eco, Package: r.pkg, OldVersion: "1.0.0", NewVersion: "1.0.1",
			},
			Verdicts:     []types.Verdict{{CVEID: "CVE-2024-0001", Status: types.Fixed, Confidence: 90}},
			RiskCategory: r.category,
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
		}))
	}
	return store
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHistory(t *testing.T) {
	h := NewServer(seededStore(t), nil).Handler()

	tests := []struct {
		name   string
		target string
		code   int
		want   []string
	}{
		{"all newest first", "/api/history", http.StatusOK, []string{"c", "b", "a"}},
		{"ecosystem", "/api/history?ecosystem=pypi", http.StatusOK, []string{"c"}},
		{"package and category", "/api/history?package=lodash&category=medium", http.StatusOK, []string{"b"}},
		{"limit", "/api/history?limit=1", http.StatusOK, []string{"c"}},
		{"since time", "/api/history?since=" + base.Add(90*time.Minute).Format(time.RFC3339), http.StatusOK, []string{"c"}},
		{"no match", "/api/history?package=left-pad", http.StatusOK, []string{}},
		{"bad category", "/api/history?category=severe", http.StatusBadRequest, nil},
		{"bad limit", "/api/history?limit=-3", http.StatusBadRequest, nil},
		{"bad since", "/api/history?since=yesterday", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.target)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("content-type"))
			if tt.want == nil {
				return
			}
			var reports []types.ScanReport
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&reports))
			ids := []string{}
			for _, r := range reports {
				ids = append(ids, r.ScanID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestHistorySinceDuration(t *testing.T) {
	orig := now
	now = func() time.Time { return base.Add(2*time.Hour + 30*time.Minute) }
	defer func() { now = orig }()

	rec := get(t, NewServer(seededStore(t), nil).Handler(), "/api/history?since=1h")
	require.Equal(t, http.StatusOK, rec.Code)
	var reports []types.ScanReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "c", reports[0].ScanID)
}

func TestGetScan(t *testing.T) {
	h := NewServer(seededStore(t), nil).Handler()

	rec := get(t, h, "/api/scan/b")
	require.Equal(t, http.StatusOK, rec.Code)
	var report types.ScanReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "lodash", report.Package)
	assert.Equal(t, types.RiskHigh, report.RiskCategory)

	rec = get(t, h, "/api/scan/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"scan not found"}`, rec.Body.String())
}

func TestStats(t *testing.T) {
	rec := get(t, NewServer(seededStore(t), nil).Handler(), "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats history.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Scans)
	assert.Equal(t, 2, stats.Packages)
	assert.Equal(t, 3, stats.ByVerdict[types.Fixed])
	assert.Equal(t, base.Add(2*time.Hour), stats.LastScan)
}

type failingStore struct{ history.Store }

func (failingStore) Query(context.Context, history.Filter) ([]*types.ScanReport, error) {
	return nil, errors.New("disk full")
}

func (failingStore) Get(context.Context, string) (*types.ScanReport, error) {
	return nil, errors.New("disk full")
}

func (failingStore) Stats(context.Context) (*history.Stats, error) {
	return nil, errors.New("disk full")
}

func TestStoreFailures(t *testing.T) {
	h := NewServer(failingStore{}, nil).Handler()
	for _, target := range []string{"/api/history", "/api/scan/x", "/api/stats"} {
		rec := get(t, h, target)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, target)
		assert.NotContains(t, rec.Body.String(), "disk full")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	m := metrics.NewMetrics()
	h := NewServer(seededStore(t), m).Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	get(t, h, "/api/scan/a")
	get(t, h, "/api/scan/b")
	get(t, h, "/api/scan/missing")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/scan/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/scan/{id}", "404")))

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "patchverify_http_requests_total"))

	assert.Equal(t, http.StatusNotFound, get(t, NewServer(seededStore(t), nil).Handler(), "/metrics").Code)
}

func TestListenAndServeStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(seededStore(t), nil).ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
