// Package transport implements the network side of a transfer over HTTP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/italolelis/parallel_downloader/internal/logctx"
	"github.com/italolelis/parallel_downloader/internal/progress"
	"github.com/italolelis/parallel_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const tempPattern = "transfer-*.part"

var (
	// ErrClosed is returned by Fetch after Close.
	ErrClosed = errors.New("transport: fetcher closed")

	errCancelled = errors.New("transport: fetch cancelled")
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %s", e.Status)
}

// TimeoutError reports that the remote side went quiet for too long or the
// whole resource took too long.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s", e.Op, e.Limit)
}

// Timeout marks the error as a timeout for callers using net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Options configures an HTTPFetcher.
type Options struct {
	// TempDir receives in-flight payloads. Defaults to os.TempDir().
	TempDir string
	// ProgressInterval is the minimum number of bytes between progress ticks.
	ProgressInterval int64
	// Client overrides the HTTP client. Its Transport is wrapped with otelhttp.
	Client *http.Client
}

// HTTPFetcher fetches URLs with a GET request, streaming the body into a temp file.
type HTTPFetcher struct {
	client   *http.Client
	tempDir  string
	interval int64

	mu     sync.Mutex
	closed bool
}

var _ transfer.Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher. The client never sets an overall timeout:
// limits come from the per-transfer configuration.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	base := opts.Client
	if base == nil {
		base = &http.Client{}
	}

	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	client := *base
	client.Transport = otelhttp.NewTransport(rt)
	client.Timeout = 0

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &HTTPFetcher{
		client:   &client,
		tempDir:  tempDir,
		interval: opts.ProgressInterval,
	}
}

// TempDir returns the directory in-flight payloads are written to.
func (f *HTTPFetcher) TempDir() string {
	return f.tempDir
}

// Close makes further Fetch calls fail. Running fetches are not affected.
func (f *HTTPFetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Fetch validates key and starts the download in the background.
func (f *HTTPFetcher) Fetch(ctx context.Context, key string, cfg transfer.Config, ev transfer.Events) (transfer.Handle, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	u, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", key)
	}

	if err := os.MkdirAll(f.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	if !cfg.AllowsCellularAccess {
		logctx.LoggerFromContext(ctx).Debug("cellular restriction requested; not enforceable over net/http", "url", key)
	}

	fctx, cancel := context.WithCancelCause(ctx)

	stopTimeout := func() bool { return false }
	if cfg.ResourceTimeout > 0 {
		timeout := &TimeoutError{Op: "resource", Limit: cfg.ResourceTimeout}
		stopTimeout = time.AfterFunc(cfg.ResourceTimeout, func() { cancel(timeout) }).Stop
	}

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, u.String(), nil)
	if err != nil {
		stopTimeout()
		cancel(errCancelled)

		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	fe := &fetch{
		client:      f.client,
		req:         req,
		ctx:         fctx,
		cancel:      cancel,
		stopTimeout: stopTimeout,
		tempDir:     f.tempDir,
		interval:    f.interval,
		ev:          ev,
	}
	fe.idle = newWatchdog(cfg.RequestTimeout, func() {
		cancel(&TimeoutError{Op: "request", Limit: cfg.RequestTimeout})
	})

	go fe.run()

	return fe, nil
}

// fetch is one running download. It implements transfer.Handle.
type fetch struct {
	client      *http.Client
	req         *http.Request
	ctx         context.Context
	cancel      context.CancelCauseFunc
	stopTimeout func() bool
	tempDir     string
	interval    int64
	ev          transfer.Events
	idle        *watchdog

	mu        sync.Mutex
	reader    *progress.Reader
	suspended bool
}

func (fe *fetch) run() {
	defer fe.stopTimeout()
	defer fe.idle.stop()

	fe.idle.kick()

	resp, err := fe.client.Do(fe.req)
	if err != nil {
		fe.fail(err)

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		fe.fail(&StatusError{StatusCode: resp.StatusCode, Status: resp.Status})

		return
	}

	tmp, err := os.CreateTemp(fe.tempDir, tempPattern)
	if err != nil {
		fe.fail(fmt.Errorf("failed to create temp file: %w", err))

		return
	}

	defer os.Remove(tmp.Name())

	body := &kickReader{r: resp.Body, kick: fe.idle.kick}
	pr := progress.NewReader(body, resp.ContentLength, fe.interval, func(delta, written, total int64) {
		if fe.ev.Progress != nil {
			fe.ev.Progress(transfer.Progress{
				BytesWritten:       delta,
				TotalBytesWritten:  written,
				TotalBytesExpected: total,
			})
		}
	})

	fe.attach(pr)
	stop := context.AfterFunc(fe.ctx, func() { pr.Close() })
	defer stop()

	_, copyErr := io.Copy(tmp, pr)
	closeErr := tmp.Close()

	if copyErr != nil {
		fe.fail(copyErr)

		return
	}

	if closeErr != nil {
		fe.fail(fmt.Errorf("failed to flush temp file: %w", closeErr))

		return
	}

	fe.idle.stop()

	if fe.ctx.Err() != nil {
		fe.fail(fe.ctx.Err())

		return
	}

	if fe.ev.Finished != nil {
		fe.ev.Finished(tmp.Name())
	}

	fe.cancel(errCancelled)
}

// fail reports err unless the fetch was cancelled through its handle. When the
// context ended, its cause replaces err so timeouts are reported as such.
func (fe *fetch) fail(err error) {
	if fe.ctx.Err() != nil {
		cause := context.Cause(fe.ctx)
		if errors.Is(cause, errCancelled) {
			return
		}

		err = cause
	}

	if fe.ev.Failed != nil {
		fe.ev.Failed(err)
	}
}

func (fe *fetch) attach(pr *progress.Reader) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.reader = pr
	if fe.suspended {
		pr.Pause()
	}
}

func (fe *fetch) Suspend() {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.suspended = true
	fe.idle.pause()

	if fe.reader != nil {
		fe.reader.Pause()
	}
}

func (fe *fetch) Resume() {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.suspended = false
	fe.idle.resume()

	if fe.reader != nil {
		fe.reader.Resume()
	}
}

func (fe *fetch) Cancel() {
	fe.cancel(errCancelled)
}

type kickReader struct {
	r    io.Reader
	kick func()
}

func (k *kickReader) Read(p []byte) (int, error) {
	n, err := k.r.Read(p)
	if n > 0 {
		k.kick()
	}

	return n, err
}
