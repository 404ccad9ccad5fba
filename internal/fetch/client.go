package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Limiter throttles requests per destination.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Observer receives one call per request attempt.
type Observer interface {
	ObserveRequest(host string, status int, elapsed time.Duration, err error)
}

// Config tunes the shared client.
type Config struct {
	Timeout            time.Duration
	UserAgent          string
	Proxy              string
	InsecureSkipVerify bool
	MaxConnsPerHost    int
	MaxIdleConns       int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithLimiter throttles every attempt through l.
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithObserver reports every attempt to o.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client is an HTTP client shared by all tasks of an engine.
type Client struct {
	http      *http.Client
	userAgent string
	backoff   backoff
	limiter   Limiter
	observer  Observer
	logger    *zap.Logger
}

// NewClient builds a client with its own connection pool.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	var defaultProxy *url.URL
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		defaultProxy = u
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(cfg, defaultProxy),
		},
		userAgent: cfg.UserAgent,
		backoff:   backoff{base: cfg.BackoffInitial, max: cfg.BackoffMax},
		logger:    logger.Named("fetch"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newHTTPTransport(cfg Config, defaultProxy *url.URL) *http.Transport {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	return &http.Transport{
		Proxy: func(r *http.Request) (*url.URL, error) {
			if p, ok := r.Context().Value(proxyKey{}).(*url.URL); ok {
				return p, nil
			}
			if defaultProxy != nil {
				return defaultProxy, nil
			}
			return http.ProxyFromEnvironment(r)
		},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in via config
		},
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxIdle,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Do sends req and reads the whole body. retries is the remaining retry
// budget; it is decremented once per retry and never goes below zero. A nil
// budget means no retries.
func (c *Client) Do(ctx context.Context, req *Request, retries *int) (*Response, error) {
	var out *Response
	err := c.send(ctx, req, req.method(), retries, func(resp *http.Response) error {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		out = &Response{
			URL:    req.URL,
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   body,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Head issues a HEAD request for req's URL, headers and cookies.
func (c *Client) Head(ctx context.Context, req *Request, retries *int) (*Stream, error) {
	var out *Stream
	err := c.send(ctx, req, http.MethodHead, retries, func(resp *http.Response) error {
		out = newStream(req.URL, resp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Body = http.NoBody
	return out, nil
}

// Open sends req and returns the response with its body unread.
func (c *Client) Open(ctx context.Context, req *Request, retries *int) (*Stream, error) {
	var out *Stream
	err := c.send(ctx, req, req.method(), retries, func(resp *http.Response) error {
		out = newStream(req.URL, resp)
		return nil
	}, keepBody())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func newStream(rawURL string, resp *http.Response) *Stream {
	return &Stream{
		URL:           rawURL,
		Status:        resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}
}

type sendOptions struct {
	keepBody bool
}

type sendOption func(*sendOptions)

func keepBody() sendOption {
	return func(o *sendOptions) { o.keepBody = true }
}

func (c *Client) send(
	ctx context.Context,
	req *Request,
	method string,
	retries *int,
	consume func(*http.Response) error,
	opts ...sendOption,
) error {
	if err := req.Validate(); err != nil {
		return err
	}
	var so sendOptions
	for _, o := range opts {
		o(&so)
	}
	budget := retries
	if budget == nil {
		budget = new(int)
	}
	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, req, method, consume, so.keepBody)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("request canceled: %w", ctxErr)
		}
		if !Retryable(err) {
			return err
		}
		if *budget <= 0 {
			return &Error{
				Kind:   ErrRetryExhausted,
				Method: method,
				URL:    req.URL,
				Status: StatusOf(err),
				Err:    err,
			}
		}
		*budget--
		wait := c.backoff.delay(attempt)
		c.logger.Warn("retrying request",
			zap.String("url", req.URL),
			zap.Int("status", StatusOf(err)),
			zap.Int("retries_remaining", *budget),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("request canceled: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}
}

func (c *Client) attempt(
	ctx context.Context,
	req *Request,
	method string,
	consume func(*http.Response) error,
	keep bool,
) (err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.URL); err != nil {
			return fmt.Errorf("request canceled: %w", err)
		}
	}
	httpReq, err := req.build(ctx, method, c.userAgent)
	if err != nil {
		return err
	}

	start := time.Now()
	status := 0
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(httpReq.URL.Hostname(), status, time.Since(start), err)
		}
	}()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyTransport(method, req.URL, err)
	}
	status = resp.StatusCode
	if !req.allowed(resp.StatusCode) {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &Error{
			Kind:    statusKind(resp.StatusCode),
			Method:  method,
			URL:     req.URL,
			Status:  resp.StatusCode,
			Message: string(snippet),
		}
	}
	if !keep {
		defer resp.Body.Close()
	}
	if err := consume(resp); err != nil {
		if keep {
			_ = resp.Body.Close()
		}
		return &Error{Kind: ErrResponse, Method: method, URL: req.URL, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func classifyTransport(method, rawURL string, err error) error {
	kind := ErrConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Method: method, URL: rawURL, Err: err}
}
