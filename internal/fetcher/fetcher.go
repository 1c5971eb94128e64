package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrFetchStatus is returned when the remote answers with a non-2xx status.
var ErrFetchStatus = errors.New("unexpected response status")

// Options configures the HTTP side of the fetcher.
type Options struct {
	// MaxConns caps simultaneous outbound requests across all hosts.
	MaxConns int
	// Timeout is the total time allowed for one request, body included.
	Timeout   time.Duration
	UserAgent string
	// MaxBodyBytes aborts downloads whose body grows past it.
	MaxBodyBytes int
}

// DefaultOptions matches the production service: five connections, one minute,
// bodies no larger than an upload.
func DefaultOptions() Options {
	return Options{MaxConns: 5, Timeout: 60 * time.Second, UserAgent: "face-similarity/1.0", MaxBodyBytes: MaxUploadSize}
}

// Fetcher downloads image bytes. It never retries.
type Fetcher struct {
	client *resty.Client
	conns  *semaphore.Weighted
	logger *zap.Logger
}

// New builds a fetcher. Connections are not reused between requests.
func New(opts Options, logger *zap.Logger) *Fetcher {
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultOptions().MaxConns
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultOptions().UserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultOptions().MaxBodyBytes
	}

	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		MaxConnsPerHost:   opts.MaxConns,
		DisableKeepAlives: true,
	}
	client := resty.New().
		SetTransport(transport).
		SetTimeout(opts.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(3)).
		SetHeader("User-Agent", opts.UserAgent).
		SetResponseBodyLimit(opts.MaxBodyBytes)

	return &Fetcher{
		client: client,
		conns:  semaphore.NewWeighted(int64(opts.MaxConns)),
		logger: logger.Named("fetcher"),
	}
}

// Fetch performs a GET and returns the body. Callers treat every error as a
// soft, per-item failure.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := f.conns.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.conns.Release(1)

	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("get %s: %w: %d", url, ErrFetchStatus, resp.StatusCode())
	}

	body := resp.Body()
	f.logger.Debug("image fetched",
		zap.String("url", url),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)))
	return body, nil
}
