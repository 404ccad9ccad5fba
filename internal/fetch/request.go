package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
)

// Request describes one HTTP call. AllowStatus lists extra statuses treated as
// success alongside 200. Proxy, when set, overrides the client default for
// this request only.
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Cookies     []*http.Cookie
	Proxy       string
	Body        []byte
	AllowStatus []int
}

// Get returns a GET request for rawURL.
func Get(rawURL string) *Request {
	return &Request{Method: http.MethodGet, URL: rawURL}
}

// Clone returns a deep copy that can be modified independently.
func (r *Request) Clone() *Request {
	out := *r
	out.Header = r.Header.Clone()
	out.Cookies = slices.Clone(r.Cookies)
	out.Body = slices.Clone(r.Body)
	out.AllowStatus = slices.Clone(r.AllowStatus)
	return &out
}

// Validate checks that the request can be sent.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%w: parse url %q: %w", ErrInvalidRequest, r.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidRequest, r.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidRequest, r.URL)
	}
	if r.Proxy != "" {
		if _, err := url.Parse(r.Proxy); err != nil {
			return fmt.Errorf("%w: parse proxy %q: %w", ErrInvalidRequest, r.Proxy, err)
		}
	}
	return nil
}

func (r *Request) method() string {
	if r == nil || r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

func (r *Request) allowed(status int) bool {
	return status == http.StatusOK || slices.Contains(r.AllowStatus, status)
}

func (r *Request) build(ctx context.Context, method, userAgent string) (*http.Request, error) {
	if r.Proxy != "" {
		proxyURL, err := url.Parse(r.Proxy)
		if err != nil {
			return nil, fmt.Errorf("%w: parse proxy: %w", ErrInvalidRequest, err)
		}
		ctx = context.WithValue(ctx, proxyKey{}, proxyURL)
	}
	var body io.Reader = http.NoBody
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	for _, c := range r.Cookies {
		req.AddCookie(c)
	}
	return req, nil
}

type proxyKey struct{}
