package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/config"
	"github.com/JakeFAU/crawlkit/internal/downloader"
	memorypublisher "github.com/JakeFAU/crawlkit/internal/publisher/memory"
	"github.com/JakeFAU/crawlkit/internal/scheduler"
	"github.com/JakeFAU/crawlkit/internal/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.StorageMemory
	cfg.Crawler.RespectRobots = false
	cfg.Crawler.Retries = 0
	cfg.Dedup.Capacity = 10_000
	cfg.Progress.Console = false
	cfg.Server.Enabled = false
	cfg.PubSub = config.PubSubConfig{}
	cfg.GCP = config.GCPConfig{}
	cfg.Download.Dir = t.TempDir()
	return cfg
}

func build(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })
	return a
}

func published(t *testing.T, a *App, topic string) []any {
	t.Helper()
	pub, ok := a.publisher.(*memorypublisher.Publisher)
	require.True(t, ok, "expected in-memory publisher")
	return pub.ByTopic(topic)
}

type site struct {
	*httptest.Server
	hits atomic.Int64
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	for _, name := range []string{"a", "b"} {
		mux.HandleFunc("/"+name, func(w http.ResponseWriter, _ *http.Request) {
			s.hits.Add(1)
			fmt.Fprintf(w, `<html><head><title>Page %s</title></head><body><a href="/next">next</a></body></html>`, name)
		})
	}
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func countBatched(t *testing.T, events []any) int {
	t.Helper()
	total := 0
	for _, evt := range events {
		batch, ok := evt.(storage.BatchWritten)
		require.True(t, ok, "unexpected event %T", evt)
		require.Equal(t, "pages", batch.Collection)
		total += batch.Count
	}
	return total
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Crawler.Concurrency = 0
	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "crawler.concurrency")
}

func TestCrawlStoresEveryPage(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	cfg := testConfig(t)
	cfg.Crawler.Seeds = []string{s.URL + "/a", s.URL + "/b"}
	a := build(t, cfg)

	require.NoError(t, a.Crawl(context.Background()))
	require.Equal(t, int64(2), s.hits.Load())
	require.Equal(t, 2, countBatched(t, published(t, a, cfg.Storage.Topic)))
	require.Equal(t, int64(2), a.monitor.Snapshot().Success)
}

func TestCrawlWritesLocalBatches(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.BaseDir = t.TempDir()
	cfg.Crawler.Seeds = []string{s.URL + "/a"}
	a := build(t, cfg)

	require.NoError(t, a.Crawl(context.Background()))

	var files []string
	require.NoError(t, filepath.Walk(cfg.Storage.BaseDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return err
	}))
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Contains(t, string(data), "Page a")
}

func TestCrawlSharesRedisDedupAcrossRuns(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newSite(t)
	cfg := testConfig(t)
	cfg.Dedup.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	cfg.Crawler.Seeds = []string{s.URL + "/a", s.URL + "/b"}
	a := build(t, cfg)

	require.NoError(t, a.Crawl(context.Background()))
	require.Equal(t, int64(2), s.hits.Load())
	require.True(t, mr.Exists(cfg.Crawler.Name+":tasks:bitarray"))

	again := build(t, cfg)
	require.NoError(t, again.Crawl(context.Background()))
	require.Equal(t, int64(2), s.hits.Load(), "seen pages must not be fetched again")
	require.Empty(t, published(t, again, cfg.Storage.Topic))
}

func TestDownloadFinalizesFiles(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("crawlkit"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	a := build(t, cfg)

	require.NoError(t, a.Download(context.Background(), []string{srv.URL + "/files/data.bin"}))

	got, err := os.ReadFile(filepath.Join(cfg.Download.Dir, "data.bin"))
	require.NoError(t, err)
	require.Equal(t, content, got)

	events := published(t, a, cfg.Download.Topic)
	require.Len(t, events, 1)
	done, ok := events[0].(downloader.Finalized)
	require.True(t, ok)
	require.Equal(t, int64(len(content)), done.Bytes)
	require.True(t, strings.HasSuffix(done.Path, "data.bin"))
}

func TestDownloadRequiresURLs(t *testing.T) {
	t.Parallel()

	a := build(t, testConfig(t))
	require.Error(t, a.Download(context.Background(), nil))
}

type stubController struct{}

func (stubController) Pause()                   {}
func (stubController) Unpause()                 {}
func (stubController) Stop()                    {}
func (stubController) Remove(string) bool       { return false }
func (stubController) Status() scheduler.Status { return scheduler.Status{State: "running"} }

func TestHTTPServerExposesMetrics(t *testing.T) {
	t.Parallel()

	a := build(t, testConfig(t))
	handler := a.newHTTPServer(stubController{}, nil).Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "crawlkit_tasks_total")
	require.Contains(t, body, `crawlkit_api_requests_total{code="200",method="GET"} 1`)
}
