package fetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/net/html/charset"
)

// Response is a fully read HTTP response.
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// Text decodes the body using the charset named in Content-Type, falling back
// to content sniffing and finally to the raw bytes.
func (r *Response) Text() string {
	reader, err := charset.NewReader(bytes.NewReader(r.Body), r.Header.Get("Content-Type"))
	if err != nil {
		return string(r.Body)
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return string(r.Body)
	}
	return string(decoded)
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode json from %s: %w", r.URL, err)
	}
	return nil
}

// Stream is a response whose body has not been read. Callers must close Body.
type Stream struct {
	URL           string
	Status        int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}
