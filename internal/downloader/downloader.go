package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/fetch"
	"github.com/JakeFAU/crawlkit/internal/progress"
	"github.com/JakeFAU/crawlkit/internal/scheduler"
)

// ErrInputClosed is returned by Submit after CloseInput.
var ErrInputClosed = errors.New("download input closed")

// Client is the subset of the fetch client the downloader uses.
type Client interface {
	Head(ctx context.Context, req *fetch.Request, retries *int) (*fetch.Stream, error)
	Open(ctx context.Context, req *fetch.Request, retries *int) (*fetch.Stream, error)
}

// Reporter receives per-file progress.
type Reporter interface {
	AddTask(description, filename string) progress.Handle
	Update(h progress.Handle, advance, total int64, state progress.State)
}

// Publisher announces finished files.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Monitor receives one update per finished job.
type Monitor interface {
	AddTasks(n int)
	Update(success bool, err error)
}

// Finalized is published after a file is renamed into place.
type Finalized struct {
	URL   string `json:"url"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Config tunes a Downloader.
type Config struct {
	Dir         string
	Concurrency int
	Retries     int
	Topic       string
	// DiscardOnFinalizeError deletes the temp file when it cannot be renamed
	// onto the target. By default it is kept so a later run only retries the
	// rename.
	DiscardOnFinalizeError bool
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithMonitor counts finished jobs on m.
func WithMonitor(m Monitor) Option {
	return func(d *Downloader) { d.monitor = m }
}

// Downloader runs download jobs.
type Downloader struct {
	cfg       Config
	client    Client
	reporter  Reporter
	publisher Publisher
	monitor   Monitor
	logger    *zap.Logger
	sched     *scheduler.Scheduler[string, Job]

	mu      sync.Mutex
	pending int
	closed  bool
}

type plan struct {
	url    string
	target string
	temp   string
	length int64
	start  int64
	chunk  int64
}

// New builds a Downloader. reporter and publisher may be nil.
func New(cfg Config, client Client, reporter Reporter, publisher Publisher, logger *zap.Logger, opts ...Option) (*Downloader, error) {
	if client == nil {
		return nil, errors.New("downloader requires a client")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	d := &Downloader{
		cfg:       cfg,
		client:    client,
		reporter:  reporter,
		publisher: publisher,
		logger:    logger.Named("downloader"),
	}
	for _, opt := range opts {
		opt(d)
	}
	sched, err := scheduler.New[string, Job](
		scheduler.Config{MaxConcurrency: cfg.Concurrency},
		func(j Job) string { return j.Request.URL },
		d.handle,
		d.logger,
		scheduler.WithOnDone[string, Job](func(Job, bool) { d.jobDone() }),
	)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	d.sched = sched
	return d, nil
}

// Submit queues a job. A pending removal of the same URL is cleared.
func (d *Downloader) Submit(job Job) error {
	if err := job.Request.Validate(); err != nil {
		return fmt.Errorf("submit download: %w", err)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrInputClosed
	}
	d.pending++
	d.mu.Unlock()
	if d.monitor != nil {
		d.monitor.AddTasks(1)
	}
	d.sched.Submit(job)
	return nil
}

// CloseInput declares that no more jobs will be submitted. Run returns once
// the queued and in-flight jobs are done.
func (d *Downloader) CloseInput() {
	d.mu.Lock()
	d.closed = true
	d.sched.AdvanceDrain(scheduler.SourceExhausted)
	finished := d.finishLocked()
	d.mu.Unlock()
	if finished {
		d.sched.Stop()
	}
}

func (d *Downloader) jobDone() {
	d.mu.Lock()
	d.pending--
	finished := d.finishLocked()
	d.mu.Unlock()
	if finished {
		d.sched.Stop()
	}
}

func (d *Downloader) finishLocked() bool {
	return d.closed && d.pending == 0 && d.sched.AdvanceDrain(scheduler.QueueDrained)
}

// Run processes jobs until the input is closed and drained, Stop is called, or
// ctx ends. Cancelling ctx interrupts transfers and keeps their temp files.
func (d *Downloader) Run(ctx context.Context) error {
	d.logger.Info("downloader started", zap.Int("concurrency", d.cfg.Concurrency), zap.String("dir", d.cfg.Dir))
	err := d.sched.Run(ctx)
	d.sched.AdvanceDrain(scheduler.QueueDrained)
	if err != nil {
		return fmt.Errorf("run downloader: %w", err)
	}
	d.logger.Info("downloader finished")
	return nil
}

func (d *Downloader) handle(ctx context.Context, job Job) {
	err := d.download(ctx, job)
	switch {
	case err == nil:
		d.observe(true, nil)
	case ctx.Err() != nil:
		d.logger.Info("download interrupted; temp file kept", zap.String("url", job.Request.URL), zap.Error(err))
	default:
		d.observe(false, err)
		d.logger.Error("download failed",
			zap.String("url", job.Request.URL),
			zap.Int("status", fetch.StatusOf(err)),
			zap.Error(err),
		)
	}
}

func (d *Downloader) observe(success bool, err error) {
	if d.monitor != nil {
		d.monitor.Update(success, err)
	}
}

func (d *Downloader) download(ctx context.Context, job Job) error {
	retries := d.cfg.Retries
	meta, err := Probe(ctx, d.client, job.Request, &retries)
	if err != nil {
		return err
	}
	target := d.targetPath(job.Filename, meta)
	h := d.reporter.AddTask(describe(meta.Ext), filepath.Base(target))
	if meta.ContentLength == 0 {
		d.logger.Warn("content length is zero; skipping", zap.String("url", job.Request.URL))
		d.reporter.Update(h, 0, 0, progress.StateSkipped)
		return nil
	}

	p := plan{
		url:    job.Request.URL,
		target: target,
		temp:   target + ".tmp",
		length: meta.ContentLength,
		chunk:  ChunkSize(meta.ContentLength),
	}
	if err := os.MkdirAll(filepath.Dir(p.target), 0o755); err != nil {
		d.reporter.Update(h, 0, p.length, progress.StateFailed)
		return fmt.Errorf("create download dir: %w", err)
	}
	start, complete, err := resumePoint(p.temp, p.length)
	if err != nil {
		d.reporter.Update(h, 0, p.length, progress.StateFailed)
		return err
	}
	p.start = start
	d.reporter.Update(h, p.start, p.length, progress.StateDownloading)

	if complete {
		d.logger.Debug("temp file already complete", zap.String("path", p.temp))
	} else if err := d.stream(ctx, job.Request, &p, h, &retries); err != nil {
		state := progress.StateFailed
		if ctx.Err() != nil {
			state = progress.StateCancelled
		}
		d.reporter.Update(h, 0, p.length, state)
		return err
	}

	if err := d.finalize(p); err != nil {
		d.reporter.Update(h, 0, p.length, progress.StateFailed)
		return err
	}
	d.reporter.Update(h, 0, p.length, progress.StateDone)
	d.publish(ctx, p)
	return nil
}

func (d *Downloader) targetPath(filename string, meta Metadata) string {
	if filename == "" {
		filename = meta.Filename
	}
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(d.cfg.Dir, filename)
}

func describe(ext string) string {
	if ext == "" {
		return "[ file ]"
	}
	return "[ " + strings.ToLower(ext) + " ]"
}

// resumePoint reports where a transfer into temp should start and whether the
// temp file already holds the whole file.
func resumePoint(temp string, length int64) (int64, bool, error) {
	info, err := os.Stat(temp)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stat temp file: %w", err)
	}
	if info.Size() >= length {
		return info.Size(), true, nil
	}
	return info.Size(), false, nil
}

func (d *Downloader) stream(ctx context.Context, base *fetch.Request, p *plan, h progress.Handle, retries *int) error {
	req := base.Clone()
	if p.start > 0 {
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", p.start))
		req.AllowStatus = append(req.AllowStatus, http.StatusPartialContent)
	}
	resp, err := d.client.Open(ctx, req, retries)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if p.start > 0 && resp.Status == http.StatusOK {
		d.logger.Info("server ignored range request; restarting", zap.String("url", p.url))
		d.reporter.Update(h, 0, p.length, progress.StateDownloading)
		p.start = 0
	}
	if p.start == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(p.temp, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	written, err := copyChunks(ctx, f, resp.Body, p.chunk, func(n int) {
		d.reporter.Update(h, int64(n), p.length, progress.StateDownloading)
	})
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp file: %w", cerr)
	}
	if err != nil {
		return err
	}
	if have := p.start + written; have < p.length {
		return fmt.Errorf("incomplete transfer of %s: have %d of %d bytes", p.url, have, p.length)
	}
	return nil
}

// copyChunks appends src to dst in chunk-sized pieces. ctx is checked before
// every write.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, chunk int64, onChunk func(int)) (int64, error) {
	buf := make([]byte, chunk)
	var written int64
	for {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if err := ctx.Err(); err != nil {
				return written, fmt.Errorf("download interrupted: %w", err)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write temp file: %w", err)
			}
			written += int64(n)
			onChunk(n)
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return written, nil
		default:
			return written, fmt.Errorf("read body: %w", rerr)
		}
	}
}

// finalize renames the temp file onto the target, replacing an existing
// target.
func (d *Downloader) finalize(p plan) error {
	err := os.Rename(p.temp, p.target)
	if err == nil {
		return nil
	}
	if _, statErr := os.Stat(p.target); statErr == nil {
		d.logger.Warn("target exists; replacing", zap.String("path", p.target))
		if rmErr := os.Remove(p.target); rmErr == nil {
			if err = os.Rename(p.temp, p.target); err == nil {
				return nil
			}
		}
	}
	if d.cfg.DiscardOnFinalizeError {
		if rmErr := os.Remove(p.temp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			d.logger.Warn("remove temp file", zap.String("path", p.temp), zap.Error(rmErr))
		}
	}
	return fmt.Errorf("finalize %s: %w", p.target, err)
}

func (d *Downloader) publish(ctx context.Context, p plan) {
	if d.publisher == nil || d.cfg.Topic == "" {
		return
	}
	msg := Finalized{URL: p.url, Path: p.target, Bytes: p.length}
	if _, err := d.publisher.Publish(ctx, d.cfg.Topic, msg); err != nil {
		d.logger.Warn("publish finalized download", zap.String("path", p.target), zap.Error(err))
	}
}

// Pause stops starting new jobs. Running transfers continue.
func (d *Downloader) Pause() { d.sched.Pause() }

// Unpause resumes starting jobs.
func (d *Downloader) Unpause() { d.sched.Unpause() }

// Stop ends Run once running transfers finish. Queued jobs are abandoned.
func (d *Downloader) Stop() { d.sched.Stop() }

// Remove cancels the running job for url and reports true. Otherwise a queued
// job for url is skipped when it comes up.
func (d *Downloader) Remove(url string) bool { return d.sched.RemoveByKey(url) }

// State returns the scheduler state.
func (d *Downloader) State() scheduler.State { return d.sched.State() }

// DrainStatus returns how close the downloader is to completion.
func (d *Downloader) DrainStatus() scheduler.DrainStatus { return d.sched.DrainStatus() }

// Status summarizes the downloader for the control API.
func (d *Downloader) Status() scheduler.Status {
	st := d.sched.Status()
	d.mu.Lock()
	st.Live = d.pending
	d.mu.Unlock()
	return st
}

type nopReporter struct{}

func (nopReporter) AddTask(string, string) progress.Handle               { return 0 }
func (nopReporter) Update(progress.Handle, int64, int64, progress.State) {}
