package downloader

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawlkit/internal/fetch"
)

// Size units used by the chunk policy.
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
)

// Job is one queued download. Filename may be empty, relative to the
// configured directory, or absolute.
type Job struct {
	Request  *fetch.Request
	Filename string
}

// Metadata is what a HEAD probe reveals about a remote file.
type Metadata struct {
	Filename      string
	Ext           string
	ContentLength int64
}

// Probe issues a HEAD request for req and derives the file name from
// Content-Disposition, falling back to the last URL path segment.
func Probe(ctx context.Context, client Client, req *fetch.Request, retries *int) (Metadata, error) {
	head, err := client.Head(ctx, req, retries)
	if err != nil {
		return Metadata{}, fmt.Errorf("probe %s: %w", req.URL, err)
	}
	name := filenameFromDisposition(head.Header.Get("Content-Disposition"))
	if name == "" {
		name = filenameFromURL(req.URL)
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = "download"
	}

	length := head.ContentLength
	if raw := head.Header.Get("Content-Length"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("probe %s: bad content length %q: %w", req.URL, raw, err)
		}
		length = n
	}
	if length < 0 {
		length = 0
	}
	return Metadata{
		Filename:      name,
		Ext:           strings.TrimPrefix(filepath.Ext(name), "."),
		ContentLength: length,
	}, nil
}

func filenameFromDisposition(value string) string {
	if value == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(value); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	_, after, ok := strings.Cut(value, "filename=")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(after, ';'); i >= 0 {
		after = after[:i]
	}
	return strings.Trim(after, `";' `)
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return path.Base(u.EscapedPath())
}

// ChunkSize picks the read size for a file of length bytes. Small files are
// read in one go, larger ones in proportionally smaller pieces capped at 1 MiB.
func ChunkSize(length int64) int64 {
	switch {
	case length < 10*KiB:
		return max(length, 1)
	case length < MiB:
		return length / 10
	case length < 10*MiB:
		return length / 20
	case length < 100*MiB:
		return length / 50
	default:
		return MiB
	}
}
