package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/config"
	"github.com/hazardops/alertmirror/internal/coordinator"
	"github.com/hazardops/alertmirror/internal/metrics"
	"github.com/hazardops/alertmirror/internal/planner"
	queuememory "github.com/hazardops/alertmirror/internal/queue/memory"
	storagememory "github.com/hazardops/alertmirror/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type testEnv struct {
	feeds  *storagememory.FeedStore
	crawls *storagememory.CrawlStore
	alerts *storagememory.AlertStore
	queue  *queuememory.Queue
	clock  *stubClock
	server *Server
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		feeds:  storagememory.NewFeedStore(),
		crawls: storagememory.NewCrawlStore(),
		alerts: storagememory.NewAlertStore(),
		queue:  queuememory.NewQueue(64),
		clock:  &stubClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	coord := coordinator.New(
		env.feeds, env.crawls, env.queue, &seqIDs{}, env.clock, nil,
		coordinator.Config{}, zap.NewNop(),
	)
	pl := planner.New(env.alerts, env.crawls, planner.Config{}, zap.NewNop())
	env.server = NewServer(env.feeds, env.crawls, env.alerts, coord, pl, env.clock, cfg, zap.NewNop())
	return env
}

func (env *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	env := newTestEnv(t, cfg)

	rec := env.do(t, http.MethodGet, "/v1/feeds", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/feeds", nil)
	req.Header.Set("X-API-Key", "sekrit")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestFeedLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/v1/feeds", map[string]any{
		"url":            "https://feeds.example.com/cap",
		"period_minutes": 15,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/feeds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	feeds, ok := decodeBody(t, rec)["feeds"].([]any)
	require.True(t, ok)
	require.Len(t, feeds, 1)

	rec = env.do(t, http.MethodDelete, "/v1/feeds?url=https://feeds.example.com/cap", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/feeds?url=https://feeds.example.com/cap", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertFeedValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/v1/feeds", map[string]any{"period_minutes": 5})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/feeds", bytes.NewReader([]byte("{not json")))
	bad := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(bad, req)
	require.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestAdvanceCrawl(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	// Nothing enabled yet: the tick is a no-op.
	rec := env.do(t, http.MethodPost, "/v1/crawl/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["advanced"])

	require.NoError(t, env.feeds.UpsertFeed(context.Background(), alert.Feed{
		URL:     "https://feeds.example.com/cap",
		Enabled: true,
		Period:  15 * time.Minute,
	}))

	rec = env.do(t, http.MethodPost, "/v1/crawl/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["advanced"])
	crawl, ok := body["crawl"].(map[string]any)
	require.True(t, ok)
	crawlID, _ := crawl["id"].(string)
	require.NotEmpty(t, crawlID)

	// The root fetch task is on the queue.
	assert.Equal(t, 1, env.queue.Len())

	rec = env.do(t, http.MethodGet, "/v1/crawls/"+crawlID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	shards, ok := decodeBody(t, rec)["shards"].([]any)
	require.True(t, ok)
	require.Len(t, shards, 1)
}

func TestGetCrawlNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/v1/crawls/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryAlerts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	seedDocs(t, env)

	rec := env.do(t, http.MethodGet, "/v1/alerts?severity=Severe&all_crawls=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	docs, ok := body["alerts"].([]any)
	require.True(t, ok)
	require.Len(t, docs, 1)
	assert.Equal(t, false, body["truncated"])

	rec = env.do(t, http.MethodGet, "/v1/alerts?all_crawls=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	docs, ok = decodeBody(t, rec)["alerts"].([]any)
	require.True(t, ok)
	require.Len(t, docs, 2)
}

func TestQueryAlertsTruncation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	seedDocs(t, env)

	rec := env.do(t, http.MethodGet, "/v1/alerts?all_crawls=true&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	docs, ok := body["alerts"].([]any)
	require.True(t, ok)
	require.Len(t, docs, 1)
	assert.Equal(t, true, body["truncated"])
	assert.NotEmpty(t, body["next_crawl_id"])
	assert.NotEmpty(t, body["warning"])
}

func TestQueryAlertsBadParams(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	for _, target := range []string{
		"/v1/alerts?sent_after=yesterday",
		"/v1/alerts?bbox=1,2,3",
		"/v1/alerts?limit=-5",
	} {
		rec := env.do(t, http.MethodGet, target, nil)
		assert.Equalf(t, http.StatusBadRequest, rec.Code, "target %s", target)
	}
}

func TestGetAlert(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	seedDocs(t, env)

	rec := env.do(t, http.MethodGet, "/v1/alerts/doc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc, ok := decodeBody(t, rec)["alert"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ALERT-1", doc["identifier"])

	rec = env.do(t, http.MethodGet, "/v1/alerts/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// seedDocs writes two documents from one completed crawl.
func seedDocs(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	started := env.clock.now.Add(-time.Hour)
	finished := env.clock.now.Add(-50 * time.Minute)
	require.NoError(t, env.crawls.CreateCrawl(ctx, alert.Crawl{
		ID:        "crawl-1",
		Status:    alert.CrawlRunning,
		StartedAt: started,
		FeedURLs:  []string{"https://feeds.example.com/cap"},
	}, nil))
	require.NoError(t, env.crawls.FinishCrawl(ctx, "crawl-1", alert.CrawlCompleted, finished))

	for i, severity := range []string{"Severe", "Minor"} {
		doc := alert.Document{
			ID:         fmt.Sprintf("doc-%d", i+1),
			Identifier: fmt.Sprintf("ALERT-%d", i+1),
			SourceURL:  fmt.Sprintf("https://feeds.example.com/cap/%d.xml", i+1),
			FeedURL:    "https://feeds.example.com/cap",
			CrawlID:    "crawl-1",
			Sent:       env.clock.now.Add(-time.Duration(i+1) * time.Hour),
			Attributes: alert.Attributes{alert.AttrSeverity: {severity}},
			FetchedAt:  env.clock.now,
		}
		require.NoError(t, env.alerts.UpsertDocument(ctx, doc))
	}
}

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time {
	return c.now
}

type seqIDs struct {
	n int
}

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}
