package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/config"
)

type fakeRunner struct {
	cfg        config.Config
	crawled    bool
	downloaded []string
	closed     bool
	err        error
}

func (r *fakeRunner) Crawl(context.Context) error {
	r.crawled = true
	return r.err
}

func (r *fakeRunner) Download(_ context.Context, urls []string) error {
	r.downloaded = urls
	return r.err
}

func (r *fakeRunner) Close(context.Context) error {
	r.closed = true
	return nil
}

// useFakeApp swaps the app factory; tests using it must not run in parallel.
func useFakeApp(t *testing.T, runner *fakeRunner) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Runner, error) {
		runner.cfg = cfg
		return runner, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCrawlCommandUsesArgsAsSeeds(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	require.NoError(t, execute(t, "crawl", "--serve", "https://example.com/a", "https://example.com/b"))
	require.True(t, runner.crawled)
	require.True(t, runner.closed)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, runner.cfg.Crawler.Seeds)
	require.True(t, runner.cfg.Server.Enabled)
}

func TestCrawlCommandReadsConfigFile(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)
	path := writeConfig(t, "crawler:\n  seeds: [\"https://example.com/list\"]\n  concurrency: 3\n")

	require.NoError(t, execute(t, "crawl", "--config", path))
	require.Equal(t, []string{"https://example.com/list"}, runner.cfg.Crawler.Seeds)
	require.Equal(t, 3, runner.cfg.Crawler.Concurrency)
	require.False(t, runner.cfg.Server.Enabled)
}

func TestDownloadCommandMergesURLs(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)
	path := writeConfig(t, "download:\n  urls: [\"https://example.com/a.zip\"]\n")

	require.NoError(t, execute(t, "download", "--config", path, "--dir", "/tmp/files", "https://example.com/b.zip"))
	require.Equal(t, []string{"https://example.com/a.zip", "https://example.com/b.zip"}, runner.downloaded)
	require.Equal(t, "/tmp/files", runner.cfg.Download.Dir)
	require.True(t, runner.closed)
}

func TestDownloadCommandRequiresURLs(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	require.Error(t, execute(t, "download"))
	require.Nil(t, runner.downloaded)
}

func TestInterruptedRunIsNotAnError(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("run crawl: %w", context.Canceled)}
	useFakeApp(t, runner)

	require.NoError(t, execute(t, "crawl", "https://example.com"))
}

func TestRunErrorsPropagate(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("boom")}
	useFakeApp(t, runner)

	require.ErrorContains(t, execute(t, "crawl", "https://example.com"), "boom")
}

func TestBadLogLevelFails(t *testing.T) {
	useFakeApp(t, &fakeRunner{})

	require.ErrorContains(t, execute(t, "crawl", "--log-level", "loud"), "init logger")
}
