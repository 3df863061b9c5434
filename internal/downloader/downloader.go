package downloader

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/parallel_downloader/internal/logctx"
	"github.com/italolelis/parallel_downloader/internal/storage"
	"github.com/italolelis/parallel_downloader/internal/transfer"
)

const (
	defaultEventBuffer = 64
	// Progress is logged once per this many bytes to keep debug logs readable.
	defaultProgressLogStep = 10 * 1024 * 1024
)

// Event describes the terminal outcome of one enqueued request.
type Event struct {
	URL      string
	CacheDir string
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Requester issues transfer requests. *transfer.Registry satisfies it.
type Requester interface {
	Request(ctx context.Context, key string, opts ...transfer.RequestOption) *transfer.Transfer
}

// Downloader drives registry requests and records what happens to them.
type Downloader struct {
	registry        Requester
	history         storage.HistoryWriteRepository
	progressLogStep int64

	mu     sync.RWMutex
	closed bool

	OnTransferFinished chan Event
	OnTransferFailed   chan Event
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHistory records every outcome in repo.
func WithHistory(repo storage.HistoryWriteRepository) Option {
	return func(d *Downloader) { d.history = repo }
}

// WithProgressLogStep changes how many bytes pass between progress log lines.
func WithProgressLogStep(step int64) Option {
	return func(d *Downloader) { d.progressLogStep = step }
}

// WithEventBuffer sets the capacity of the event channels.
func WithEventBuffer(n int) Option {
	return func(d *Downloader) {
		d.OnTransferFinished = make(chan Event, n)
		d.OnTransferFailed = make(chan Event, n)
	}
}

func NewDownloader(registry Requester, opts ...Option) *Downloader {
	d := &Downloader{
		registry:           registry,
		progressLogStep:    defaultProgressLogStep,
		OnTransferFinished: make(chan Event, defaultEventBuffer),
		OnTransferFailed:   make(chan Event, defaultEventBuffer),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Close closes the event channels. Outcomes arriving afterwards are still
// recorded but no longer published.
func (d *Downloader) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.closed = true

	close(d.OnTransferFinished)
	close(d.OnTransferFailed)
}

// Enqueue requests url, attaches logging and history subscribers and starts
// the transfer. The returned Transfer accepts further subscribers; a cached
// payload has already been delivered by the time Enqueue returns.
func (d *Downloader) Enqueue(ctx context.Context, url, cacheDir string) *transfer.Transfer {
	ctx = logctx.With(context.WithoutCancel(ctx), "url", url)
	logger := logctx.LoggerFromContext(ctx)

	var opts []transfer.RequestOption
	if cacheDir != "" {
		opts = append(opts, transfer.WithCacheDir(cacheDir))
	}

	start := time.Now()
	tr := d.registry.Request(ctx, url, opts...)

	var nextLog int64

	tr.OnProgress(func(p transfer.Progress) {
		if p.TotalBytesWritten < nextLog {
			return
		}

		nextLog = p.TotalBytesWritten + d.progressLogStep

		if p.TotalBytesExpected > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(p.TotalBytesWritten)),
				"total", humanize.Bytes(uint64(p.TotalBytesExpected)),
				"percent", humanize.FtoaWithDigits(p.Fraction()*100, 2))
		} else {
			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(p.TotalBytesWritten)))
		}
	})

	tr.OnError(func(err error) {
		ev := Event{URL: url, CacheDir: cacheDir, Duration: time.Since(start), Err: err}

		logger.Error("transfer failed", "err", err, "duration", ev.Duration.String())

		d.record(ctx, storage.HistoryRecord{
			URL:       url,
			CacheDir:  cacheDir,
			Status:    storage.StatusFailed,
			ErrorKind: transfer.KindOf(err).String(),
			Error:     err.Error(),
		})
		d.publish(ctx, d.OnTransferFailed, ev)
	})

	tr.OnSuccess(func(data []byte) {
		ev := Event{URL: url, CacheDir: cacheDir, Bytes: int64(len(data)), Duration: time.Since(start)}

		logger.Info("transfer delivered",
			"size", humanize.Bytes(uint64(len(data))),
			"duration", ev.Duration.String())

		d.record(ctx, storage.HistoryRecord{
			URL:      url,
			CacheDir: cacheDir,
			Status:   storage.StatusSucceeded,
			Bytes:    ev.Bytes,
		})
		d.publish(ctx, d.OnTransferFinished, ev)
	})

	return tr
}

func (d *Downloader) record(ctx context.Context, rec storage.HistoryRecord) {
	if d.history == nil {
		return
	}

	if err := d.history.RecordTransfer(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to record transfer history", "status", rec.Status, "err", err)
	}
}

// publish never blocks: callbacks run on the shared callback queue and a slow
// consumer must not stall other transfers.
func (d *Downloader) publish(ctx context.Context, ch chan Event, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	select {
	case ch <- ev:
	default:
		logctx.LoggerFromContext(ctx).Warn("event channel full, dropping event", "url", ev.URL)
	}
}
