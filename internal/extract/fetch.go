package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (compatible; DocumentationBot/1.0)"
	DefaultTimeout   = 10 * time.Second
	DefaultMaxBytes  = 10 << 20
)

// FetchReason classifies a fetch failure.
type FetchReason string

const (
	FetchTimeout    FetchReason = "timeout"
	FetchHTTPStatus FetchReason = "http_status"
	FetchNetwork    FetchReason = "network"
	FetchTooLarge   FetchReason = "too_large"
)

// FetchError wraps ErrFetchFailed with the failure class.
type FetchError struct {
	URL        string
	Reason     FetchReason
	StatusCode int
	Limit      int64
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Reason {
	case FetchHTTPStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case FetchTooLarge:
		return fmt.Sprintf("fetch %s: body exceeds %d bytes", e.URL, e.Limit)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }

// Page is a fetched document body.
type Page struct {
	URL         string
	Body        []byte
	ContentType string
}

type FetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
}

// HTTPFetcher retrieves pages with a bounded wait and a fixed user agent.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, &FetchError{URL: url, Reason: FetchNetwork, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, &FetchError{URL: url, Reason: classify(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, &FetchError{URL: url, Reason: FetchHTTPStatus, StatusCode: resp.StatusCode}
	}

	// One byte past the cap tells a complete page from a cut one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Page{}, &FetchError{URL: url, Reason: classify(err), Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return Page{}, &FetchError{URL: url, Reason: FetchTooLarge, Limit: f.maxBytes}
	}
	return Page{URL: url, Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func classify(err error) FetchReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchTimeout
	}
	return FetchNetwork
}
