package pagelist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/crawler"
	"github.com/JakeFAU/crawlkit/internal/fetch"
)

// robotsPolicy caches robots.txt per host and answers whether a URL may be
// fetched by userAgent.
type robotsPolicy struct {
	client    crawler.Fetcher
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

func newRobotsPolicy(client crawler.Fetcher, userAgent string, logger *zap.Logger) *robotsPolicy {
	return &robotsPolicy{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// allowed fails open when robots.txt cannot be fetched.
func (r *robotsPolicy) allowed(ctx context.Context, u *url.URL) bool {
	data, err := r.load(ctx, u)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", u.Host), zap.Error(err))
		return true
	}
	return data.TestAgent(u.EscapedPath(), r.userAgent)
}

func (r *robotsPolicy) load(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(u.Host)
	r.mu.Lock()
	data, ok := r.cache[host]
	r.mu.Unlock()
	if ok {
		return data, nil
	}

	robotsURL := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	status, body := 200, []byte(nil)
	resp, err := r.client.Do(ctx, fetch.Get(robotsURL.String()), nil)
	switch {
	case err == nil:
		body = resp.Body
	case fetch.StatusOf(err) != 0 && !errors.Is(err, fetch.ErrRetryExhausted):
		status = fetch.StatusOf(err)
	default:
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	data, err = robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	r.mu.Lock()
	r.cache[host] = data
	r.mu.Unlock()
	return data, nil
}
