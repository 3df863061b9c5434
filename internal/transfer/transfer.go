package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/parallel_downloader/internal/logctx"
	"github.com/italolelis/parallel_downloader/internal/telemetry"
)

// State is the lifecycle position of a Transfer.
type State int

const (
	StateCreated State = iota
	StateLoading
	StateSucceeded
	StateFailed
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoading:
		return "loading"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events follow this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateRemoved
}

type (
	SuccessFunc  func(data []byte)
	ErrorFunc    func(err error)
	ProgressFunc func(p Progress)
)

// Transfer is one logical fetch for a key and the subscribers waiting on it.
//
// A network-backed Transfer starts its fetch on the first OnSuccess call.
// Exactly one terminal event is delivered; afterwards the Transfer evicts
// itself from the Registry that created it.
type Transfer struct {
	key      string
	cacheDir string
	reqCfg   Config
	ctx      context.Context
	logger   *slog.Logger
	fetcher  Fetcher
	cache    CacheStore
	exec     Executor
	tel      *telemetry.Telemetry

	mu         sync.Mutex
	state      State
	cfg        *Config
	payload    []byte
	hasPayload bool
	err        *Error
	handle     Handle
	suspended  bool
	startedAt  time.Time
	onComplete func(*Transfer)

	successSubs  []SuccessFunc
	errorSubs    []ErrorFunc
	progressSubs []ProgressFunc
}

func newCachedTransfer(ctx context.Context, key, cacheDir string, data []byte) *Transfer {
	return &Transfer{
		key:        key,
		cacheDir:   cacheDir,
		ctx:        ctx,
		logger:     logctx.LoggerFromContext(ctx).With("url", key),
		payload:    data,
		hasPayload: true,
	}
}

func newNetworkTransfer(
	ctx context.Context,
	key, cacheDir string,
	cfg Config,
	fetcher Fetcher,
	cache CacheStore,
	exec Executor,
	tel *telemetry.Telemetry,
	onComplete func(*Transfer),
) *Transfer {
	return &Transfer{
		key:        key,
		cacheDir:   cacheDir,
		reqCfg:     cfg,
		ctx:        ctx,
		logger:     logctx.LoggerFromContext(ctx).With("url", key),
		fetcher:    fetcher,
		cache:      cache,
		exec:       exec,
		tel:        tel,
		cfg:        &cfg,
		onComplete: onComplete,
	}
}

// Key returns the request key the transfer was created for.
func (t *Transfer) Key() string {
	return t.key
}

// CacheDir returns the cache directory configured by the first request for the key.
func (t *Transfer) CacheDir() string {
	return t.cacheDir
}

// State returns the current lifecycle state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *Transfer) config() (Config, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg == nil {
		return Config{}, false
	}

	return *t.cfg, true
}

// OnProgress subscribes to progress ticks. It never starts the fetch.
func (t *Transfer) OnProgress(fn ProgressFunc) *Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.Terminal() {
		t.progressSubs = append(t.progressSubs, fn)
	}

	return t
}

// OnError subscribes to the terminal failure. It never starts the fetch. On a
// transfer that already failed, fn receives the stored error right away.
func (t *Transfer) OnError(fn ErrorFunc) *Transfer {
	t.mu.Lock()

	switch t.state {
	case StateFailed:
		err := t.err
		t.mu.Unlock()

		fn(err)

	case StateSucceeded, StateRemoved:
		t.mu.Unlock()

	default:
		t.errorSubs = append(t.errorSubs, fn)
		t.mu.Unlock()
	}

	return t
}

// OnSuccess subscribes to the payload and then evaluates the transfer: a held
// payload is delivered synchronously, a transfer that has not started yet
// begins its fetch.
func (t *Transfer) OnSuccess(fn SuccessFunc) *Transfer {
	t.mu.Lock()

	switch {
	case t.state == StateRemoved:
		t.mu.Unlock()

	case t.hasPayload:
		t.successSubs = append(t.successSubs, fn)
		subs := t.successSubs
		data := t.payload
		t.successSubs = nil
		t.errorSubs = nil
		t.progressSubs = nil
		t.state = StateSucceeded
		t.mu.Unlock()

		for _, sub := range subs {
			sub(data)
		}

		t.finish()

	case t.state == StateCreated:
		t.successSubs = append(t.successSubs, fn)
		t.state = StateLoading
		t.startedAt = time.Now()
		t.mu.Unlock()

		t.start()

	case t.state == StateFailed:
		subs := t.errorSubs
		err := t.err
		t.errorSubs = nil
		t.mu.Unlock()

		for _, sub := range subs {
			sub(err)
		}

	default:
		t.successSubs = append(t.successSubs, fn)
		t.mu.Unlock()
	}

	return t
}

// Suspend pauses the running fetch. A suspend issued while the fetch is still
// being established is applied once the handle exists. Before the first
// OnSuccess it does nothing.
func (t *Transfer) Suspend() {
	t.mu.Lock()
	if t.state == StateLoading {
		t.suspended = true
	}
	h := t.handle
	t.mu.Unlock()

	if h != nil {
		h.Suspend()
	}
}

// Resume continues a suspended fetch.
func (t *Transfer) Resume() {
	t.mu.Lock()
	t.suspended = false
	h := t.handle
	t.mu.Unlock()

	if h != nil {
		h.Resume()
	}
}

// Remove tears the transfer down: the fetch is cancelled, every subscriber is
// dropped and the registry entry is evicted. Calling it again has no effect.
func (t *Transfer) Remove() {
	t.mu.Lock()
	wasActive := t.state == StateLoading
	t.state = StateRemoved
	t.cfg = nil
	t.payload = nil
	t.hasPayload = false
	h := t.handle
	t.handle = nil
	t.successSubs = nil
	t.errorSubs = nil
	t.progressSubs = nil
	cb := t.onComplete
	t.onComplete = nil
	t.mu.Unlock()

	if h != nil {
		h.Cancel()
	}

	if wasActive {
		t.logger.Debug("transfer removed while loading")
		t.tel.RecordTransferCompleted("removed", time.Since(t.startedAt), 0)
	}

	if cb != nil {
		cb(t)
	}
}

// finish releases the fetch handle and evicts the transfer after a terminal
// event. Unlike Remove it keeps a successful payload for late subscribers.
func (t *Transfer) finish() {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	t.cfg = nil
	cb := t.onComplete
	t.onComplete = nil
	t.mu.Unlock()

	if h != nil {
		h.Cancel()
	}

	if cb != nil {
		cb(t)
	}
}

func (t *Transfer) start() {
	cfg, ok := t.config()
	if !ok || t.fetcher == nil {
		t.tel.RecordSystemError("transfer", "session")
		t.post(func() { t.fail(&Error{Key: t.key, Kind: KindSession}) })

		return
	}

	t.logger.Debug("starting fetch",
		"request_timeout", cfg.RequestTimeout.String(),
		"resource_timeout", cfg.ResourceTimeout.String())

	h, err := t.fetcher.Fetch(t.ctx, t.key, cfg, Events{
		Progress: t.handleProgress,
		Finished: t.handleFinished,
		Failed:   t.handleFailed,
	})
	if err != nil {
		t.logger.Error("failed to establish transport session", "err", err)
		t.tel.RecordSystemError("transfer", "session")
		t.post(func() { t.fail(&Error{Key: t.key, Kind: KindSession, Err: err}) })

		return
	}

	t.mu.Lock()
	if t.state != StateLoading {
		t.mu.Unlock()
		h.Cancel()

		return
	}
	t.handle = h
	suspended := t.suspended
	t.mu.Unlock()

	if suspended {
		t.logger.Debug("applying suspend issued while the fetch was starting")
		h.Suspend()
	}
}

func (t *Transfer) post(fn func()) {
	if t.exec == nil {
		fn()

		return
	}

	t.exec.Post(fn)
}

func (t *Transfer) loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state == StateLoading
}

func (t *Transfer) handleProgress(p Progress) {
	t.post(func() {
		t.mu.Lock()
		if t.state != StateLoading {
			t.mu.Unlock()

			return
		}
		subs := slices.Clone(t.progressSubs)
		t.mu.Unlock()

		for _, sub := range subs {
			sub(p)
		}
	})
}

// handleFinished runs on the fetcher goroutine while the payload location is still valid.
func (t *Transfer) handleFinished(location string) {
	if !t.loading() {
		return
	}

	data, err := os.ReadFile(location)
	if err != nil {
		t.logger.Error("failed to read delivered payload", "location", location, "err", err)
		t.tel.RecordSystemError("transfer", "payload_read")
		t.post(func() { t.fail(&Error{Key: t.key, Kind: KindData, Err: err}) })

		return
	}

	if t.cacheDir != "" && t.cache != nil {
		if err := t.cache.Save(t.cacheDir, t.key, data); err != nil {
			t.logger.Warn("failed to write payload to cache", "cache_dir", t.cacheDir, "err", err)
			t.tel.RecordCacheWrite("error")
		} else {
			t.tel.RecordCacheWrite("success")
		}
	}

	t.post(func() { t.succeed(data) })
}

func (t *Transfer) handleFailed(err error) {
	kind := classify(err)
	t.post(func() { t.fail(&Error{Key: t.key, Kind: kind, Err: err}) })
}

func (t *Transfer) succeed(data []byte) {
	t.mu.Lock()
	if t.state != StateLoading {
		t.mu.Unlock()

		return
	}
	t.state = StateSucceeded
	t.payload = data
	t.hasPayload = true
	subs := t.successSubs
	t.successSubs = nil
	t.errorSubs = nil
	t.progressSubs = nil
	t.mu.Unlock()

	t.logger.Info("transfer finished", "size", humanize.Bytes(uint64(len(data))), "subscribers", len(subs))
	t.tel.RecordTransferCompleted("success", time.Since(t.startedAt), int64(len(data)))

	for _, sub := range subs {
		sub(data)
	}

	t.finish()
}

func (t *Transfer) fail(e *Error) {
	t.mu.Lock()
	if t.state != StateLoading {
		t.mu.Unlock()

		return
	}
	t.state = StateFailed
	t.err = e
	subs := t.errorSubs
	t.errorSubs = nil
	t.successSubs = nil
	t.progressSubs = nil
	t.mu.Unlock()

	t.logger.Error("transfer failed", "kind", e.Kind.String(), "err", e.Err)
	t.tel.RecordTransferCompleted(e.Kind.String(), time.Since(t.startedAt), 0)

	for _, sub := range subs {
		sub(e)
	}

	t.finish()
}

// timeoutError is implemented by net.Error and by transports that report idle timeouts.
type timeoutError interface {
	Timeout() bool
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var te timeoutError
	if errors.As(err, &te) && te.Timeout() {
		return KindTimeout
	}

	return KindDownload
}

func (t *Transfer) String() string {
	return fmt.Sprintf("transfer(%s, %s)", t.key, t.State())
}
