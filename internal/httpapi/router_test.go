package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecfr-dashboard/internal/dashboard"
	"ecfr-dashboard/internal/ecfr"
	"ecfr-dashboard/internal/httpapi/requestid"
	"ecfr-dashboard/internal/resilience/circuitbreaker"
	"ecfr-dashboard/internal/resilience/retry"
	"ecfr-dashboard/internal/store"
	"ecfr-dashboard/internal/wordcount"
)

const agenciesDoc = `{"agencies":[{"name":"Department of Agriculture","short_name":"USDA","display_name":"Agriculture Department","slug":"agriculture-department","cfr_references":[{"title":7,"chapter":"I"}],"children":[{"name":"Forest Service","short_name":"FS","display_name":"Forest Service","slug":"forest-service","cfr_references":[],"children":[]}]},{"name":"Department of Energy","display_name":"Energy Department","slug":"energy-department","cfr_references":[{"title":10}],"children":[]}]}`

const titlesDoc = `{"titles":[{"number":7,"name":"Agriculture","up_to_date_as_of":"2025-01-03","reserved":false},{"number":10,"name":"Energy","up_to_date_as_of":"2025-01-03","reserved":false}]}`

const versionsDoc = `{"content_versions":[{"date":"2024-03-01","amendment_date":"2024-03-01","identifier":"1.1","name":"General","type":"section","substantive":true,"removed":false},{"date":"2024-04-01","amendment_date":"2024-04-01","identifier":"1.2","name":"Scope","type":"section","substantive":false,"removed":true}],"meta":{"title":"7","result_count":2,"issue_date":{"gte":"2024-01-01"}}}`

// fakeECFR serves the subset of the eCFR API the dashboard uses.
func fakeECFR(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/admin/v1/agencies.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, agenciesDoc)
	})
	mux.HandleFunc("/api/versioner/v1/titles.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, titlesDoc)
	})
	mux.HandleFunc("/api/versioner/v1/versions/title-7.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, versionsDoc)
	})
	mux.HandleFunc("/api/versioner/v1/versions/title-99.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Invalid date range"}`)
	})
	mux.HandleFunc("/api/search/v1/counts/daily", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"dates":{"2024-06-01":4,"2024-07-01":2}}`)
	})
	mux.HandleFunc("/api/versioner/v1/full/2025-01-03/title-7.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<ECFR><DIV3 TYPE="CHAPTER" N="I"><P>one two three</P></DIV3><DIV3 TYPE="CHAPTER" N="II"><P>four</P></DIV3></ECFR>`)
	})
	mux.HandleFunc("/api/versioner/v1/full/2025-01-03/title-10.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<ECFR><DIV3 TYPE="CHAPTER" N="II"><P>alpha beta</P></DIV3></ECFR>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	router http.Handler
	store  *store.Store
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	d := newTestDeps(t)
	return testEnv{store: d.Store, router: NewRouter(d)}
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	upstream := fakeECFR(t)
	fast := retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	client := ecfr.NewClient(ecfr.Options{
		BaseURL:       upstream.URL,
		Timeout:       5 * time.Second,
		Retry:         fast,
		DownloadRetry: fast,
		Breaker:       circuitbreaker.DefaultConfig(t.Name()),
	})

	st, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := dashboard.NewService(client, st).WithClock(func() time.Time {
		return time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	})
	return Deps{
		Service:   svc,
		Store:     st,
		Refresher: wordcount.NewRefresher(client, st, wordcount.Options{Concurrency: 2, Timeout: time.Minute, Logger: logger}),
		Breakers:  client.Breakers(),
		Logger:    logger,
	}
}

func (e testEnv) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestListAgenciesPassthrough(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/agencies")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, agenciesDoc, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestid.Header))
}

func TestListTitlesPassthrough(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/titles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, titlesDoc, rec.Body.String())
}

func TestChanges(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		target  string
		code    int
		wantErr string
	}{
		{"no parameters", "/api/changes", http.StatusBadRequest, "Either agency or title parameter is required"},
		{"non numeric title", "/api/changes?title=7abc", http.StatusBadRequest, "Invalid title number"},
		{"zero title", "/api/changes?title=0", http.StatusBadRequest, "Invalid title number"},
		{"upstream rejects", "/api/changes?title=99&startDate=2025-01-01&endDate=2024-01-01", http.StatusBadRequest, "Invalid date range"},
		{"unknown agency", "/api/changes?agency=nope", http.StatusNotFound, "Agency not found: nope"},
		{"blank agency", "/api/changes?agency=%20", http.StatusBadRequest, "Either agency or title parameter is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tc.target)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.wantErr, errorOf(t, rec))
		})
	}

	t.Run("title passthrough", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/changes?title=7&agency=ignored")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, versionsDoc, rec.Body.String())
	})

	t.Run("agency defaults to trailing year", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/changes?agency=agriculture")
		require.Equal(t, http.StatusOK, rec.Code)
		var got struct {
			Agency  string           `json:"agency"`
			Slug    string           `json:"slug"`
			Period  dashboard.Period `json:"period"`
			Changes map[string]any   `json:"changes"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "Department of Agriculture", got.Agency)
		assert.Equal(t, "agriculture-department", got.Slug)
		assert.Equal(t, dashboard.Period{Start: "2024-03-15", End: "2025-03-15"}, got.Period)
		assert.Contains(t, got.Changes, "dates")
	})
}

func TestWordCountsBeforeAndAfterRefresh(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/wordcounts")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Agency parameter is required", errorOf(t, rec))

	rec = env.do(t, http.MethodGet, "/api/wordcounts?agency=%20")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/wordcounts?agency=agriculture-department")
	require.Equal(t, http.StatusOK, rec.Code)
	var before dashboard.WordCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))
	require.Len(t, before.TitleCounts, 1)
	assert.False(t, before.TitleCounts[0].Computed)
	assert.Zero(t, before.TotalWordCount)

	rec = env.do(t, http.MethodPost, "/api/refresh")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res wordcount.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Downloaded)

	rec = env.do(t, http.MethodGet, "/api/wordcounts?agency=agriculture-department")
	require.Equal(t, http.StatusOK, rec.Code)
	var after dashboard.WordCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	require.Len(t, after.TitleCounts, 1)
	assert.True(t, after.TitleCounts[0].Computed)
	assert.Equal(t, 3, after.TitleCounts[0].WordCount)
	assert.Equal(t, 3, after.TotalWordCount)

	rec = env.do(t, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, res.ComputedAt, status.LastRefresh)
	assert.False(t, status.RefreshRunning)
	require.Len(t, status.Breakers, 3)
	assert.Equal(t, t.Name(), status.Breakers[0].Name)
	for _, b := range status.Breakers {
		assert.Equal(t, "closed", b.State, b.Name)
	}
}

func TestRefreshSurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	last, err := env.store.GetState(context.Background(), wordcount.StateLastRefresh)
	require.NoError(t, err)
	assert.NotEmpty(t, last)
}

func TestRefreshCancelledAtShutdown(t *testing.T) {
	d := newTestDeps(t)
	lifetime, cancel := context.WithCancel(context.Background())
	cancel()
	d.Lifetime = lifetime
	env := testEnv{store: d.Store, router: NewRouter(d)}

	rec := env.do(t, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Server is shutting down", errorOf(t, rec))

	last, err := d.Store.GetState(context.Background(), wordcount.StateLastRefresh)
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestRefreshAfterRefresherClosed(t *testing.T) {
	d := newTestDeps(t)
	d.Refresher.Close()
	env := testEnv{store: d.Store, router: NewRouter(d)}

	rec := env.do(t, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Server is shutting down", errorOf(t, rec))
}

func TestStructure(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/structure?agency=Agriculture")
	require.Equal(t, http.StatusOK, rec.Code)
	var got dashboard.Structure
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "agriculture-department", got.Slug)
	require.Len(t, got.Titles, 1)
	assert.Equal(t, []string{"I"}, got.Titles[0].Chapters)
	assert.Equal(t, []dashboard.AgencyRef{{Name: "Forest Service", Slug: "forest-service"}}, got.Children)

	rec = env.do(t, http.MethodGet, "/api/structure?agency=missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrowthIgnoresInvalidDays(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{"/api/wordcounts/growth", "/api/wordcounts/growth?days=abc", "/api/wordcounts/growth?days=99999"} {
		rec := env.do(t, http.MethodGet, target)
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.JSONEq(t, `[]`, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("database down", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("disk I/O error"))

		r := NewRouter(Deps{Store: store.New(db, t.TempDir()), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/titles")
	rec := env.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/api/titles",status="200"}`)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/agencies", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIndexView(t *testing.T) {
	env := newTestEnv(t)

	t.Run("empty", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "eCFR Analyzer")
	})

	t.Run("content structure", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/?analysis=contentStructure")
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "7 CFR Chapter I")
		assert.Contains(t, body, "└─")
		assert.Contains(t, body, "N/A")
	})

	t.Run("historical changes", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/?agency=agriculture&analysis=historicalChanges")
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "6 changes from 2024-03-15 to 2025-03-15")
		assert.Less(t, strings.Index(body, "2024-07-01"), strings.Index(body, "2024-06-01"))
	})

	t.Run("unknown agency", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/?agency=nope&analysis=wordCount")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "Agency not found: nope")
	})
}

func TestTitlesView(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/titles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Enter a title number and click Search to see changes")

	rec = env.do(t, http.MethodGet, "/titles?title=")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Title number is required")

	rec = env.do(t, http.MethodGet, "/titles?title=7&startDate=2024-01-01")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Found 2 changes for Title 7")
	assert.Contains(t, body, "From: 2024-01-01")
	assert.Contains(t, body, "Substantive Change")
	assert.Contains(t, body, "Removed")
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "Removed", statusLabel(ecfr.ContentVersion{Removed: true, Substantive: true}))
	assert.Equal(t, "Substantive Change", statusLabel(ecfr.ContentVersion{Substantive: true}))
	assert.Equal(t, "Editorial Change", statusLabel(ecfr.ContentVersion{}))
}
