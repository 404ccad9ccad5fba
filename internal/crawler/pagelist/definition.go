package pagelist

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/crawler"
	"github.com/JakeFAU/crawlkit/internal/fetch"
	"github.com/JakeFAU/crawlkit/internal/storage"
)

// Collection is the storage collection pages are written to.
const Collection = "pages"

// Page is the task payload: one seed URL, already normalized.
type Page struct {
	URL string
}

// Config describes the pages to crawl.
type Config struct {
	Seeds []string
	// MaxPages caps rel="next" pagination per seed; 1 disables it.
	MaxPages      int
	RespectRobots bool
	// UserAgent is the agent matched against robots.txt groups.
	UserAgent string
	Blocklist []string
}

// Definition crawls the configured seeds.
type Definition struct {
	cfg     Config
	robots  *robotsPolicy
	blocked *hostBlocklist
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	next map[int]string
}

var (
	_ crawler.Definition[Page] = (*Definition)(nil)
	_ crawler.Continuer[Page]  = (*Definition)(nil)
	_ crawler.Keyer[Page]      = (*Definition)(nil)
)

// New builds a Definition. client is only used for robots.txt lookups.
func New(cfg Config, client crawler.Fetcher, logger *zap.Logger) (*Definition, error) {
	if len(cfg.Seeds) == 0 {
		return nil, errors.New("pagelist requires at least one seed")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Definition{
		cfg:     cfg,
		blocked: newHostBlocklist(cfg.Blocklist),
		logger:  logger.Named("pagelist"),
		now:     func() time.Time { return time.Now().UTC() },
		next:    make(map[int]string),
	}
	if cfg.RespectRobots {
		if client == nil {
			return nil, errors.New("robots enforcement requires a client")
		}
		d.robots = newRobotsPolicy(client, cfg.UserAgent, d.logger)
	}
	return d, nil
}

// LoadTasks yields each admissible seed once. A malformed seed ends the
// sequence with an error.
func (d *Definition) LoadTasks(ctx context.Context) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		for _, seed := range d.cfg.Seeds {
			normalized, err := NormalizeURL(seed)
			if err != nil {
				yield(Page{}, fmt.Errorf("seed %q: %w", seed, err))
				return
			}
			if !d.admit(ctx, normalized) {
				continue
			}
			if !yield(Page{URL: normalized}, nil) {
				return
			}
		}
	}
}

func (d *Definition) admit(ctx context.Context, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if d.blocked.blocked(u.Hostname()) {
		d.logger.Info("skipping blocked host", zap.String("url", raw))
		return false
	}
	if d.robots != nil && !d.robots.allowed(ctx, u) {
		d.logger.Info("skipping url disallowed by robots.txt", zap.String("url", raw))
		return false
	}
	return true
}

// TaskKey keys pages by normalized URL.
func (d *Definition) TaskKey(p Page) string {
	return p.URL
}

// Request fetches the seed on round 0 and the discovered next page after that.
func (d *Definition) Request(_ context.Context, task crawler.Task[Page]) (*fetch.Request, error) {
	target := task.Payload.URL
	if task.Round > 0 {
		d.mu.Lock()
		next, ok := d.next[task.ID]
		d.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no next page recorded for task %d round %d", task.ID, task.Round)
		}
		target = next
	}
	return fetch.Get(target), nil
}

// IsStopped records the page's rel="next" link and reports whether pagination
// is over.
func (d *Definition) IsStopped(task crawler.Task[Page], resp *fetch.Response) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.next, task.ID)
	if task.Round+1 >= d.cfg.MaxPages {
		return true
	}
	doc, base, err := parseDocument(resp)
	if err != nil {
		return true
	}
	href, ok := doc.Find(`link[rel="next"], a[rel="next"]`).First().Attr("href")
	if !ok {
		return true
	}
	next, ok := resolve(base, href)
	if !ok {
		return true
	}
	d.next[task.ID] = next
	return false
}

// Parse emits one item per page with its title and absolute outgoing links.
func (d *Definition) Parse(_ context.Context, task crawler.Task[Page], resp *fetch.Response) ([]storage.Item, error) {
	doc, base, err := parseDocument(resp)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	links := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := resolve(base, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	pageURL, err := NormalizeURL(resp.URL)
	if err != nil {
		pageURL = resp.URL
	}
	return []storage.Item{{
		Collection: Collection,
		ID:         pageURL,
		Fields: map[string]any{
			"url":        pageURL,
			"seed":       task.Payload.URL,
			"round":      task.Round,
			"status":     resp.Status,
			"title":      strings.TrimSpace(doc.Find("title").First().Text()),
			"links":      links,
			"fetched_at": d.now(),
		},
	}}, nil
}

func parseDocument(resp *fetch.Response) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.Text()))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html from %s: %w", resp.URL, err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(href); err == nil {
			base = base.ResolveReference(ref)
		}
	}
	return doc, base, nil
}
