package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Conditional-GET cache shared by all WebCal feeds: many calendar hosts
// serve ETag/Last-Modified, and subscription bodies change rarely
// relative to how often syncs run.
var webcalCache, _ = lru.New[string, webcalCacheEntry](256)

type webcalCacheEntry struct {
	ETag         string
	LastModified string
	Body         []byte
}

// WebCal fetches a calendar subscription with a plain unauthenticated
// GET. The response must be served as text/calendar; anything else is
// treated as "calendar not found" rather than a transport failure.
type WebCal struct {
	url    string
	client *http.Client
}

var _ Provider = (*WebCal)(nil)

func NewWebCal(url string) *WebCal {
	return &WebCal{
		url:    normalizeWebCalURL(url),
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// The webcal:// scheme is just https in a trenchcoat.
func normalizeWebCalURL(url string) string {
	if rest, ok := strings.CutPrefix(url, "webcal://"); ok {
		return "https://" + rest
	}
	return url
}

// FetchObjects returns the subscription body as a single raw object.
// The time range is ignored: WebCal has no server-side filtering, the
// expansion window is applied locally.
func (w *WebCal) FetchObjects(ctx context.Context, start, end time.Time) ([]Object, error) {
	body, err := w.get(ctx)
	if err != nil {
		return nil, err
	}
	return []Object{{Path: w.url, Raw: body}}, nil
}

func (w *WebCal) TestConnection(ctx context.Context) error {
	_, err := w.get(ctx)
	return err
}

func (w *WebCal) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, &RemoteFetchError{Err: err}
	}

	cached, haveCached := webcalCache.Get(w.url)
	if haveCached {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &RemoteFetchError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && haveCached:
		io.Copy(io.Discard, resp.Body)
		return cached.Body, nil

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return nil, &RemoteFetchError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/calendar") {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: content type %q", ErrWebCalNotFound, ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteFetchError{Err: err}
	}

	webcalCache.Add(w.url, webcalCacheEntry{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         body,
	})

	return body, nil
}
