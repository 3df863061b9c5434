package transfer

import (
	"context"
	"sort"
	"sync"

	"github.com/italolelis/parallel_downloader/internal/logctx"
	"github.com/italolelis/parallel_downloader/internal/telemetry"
)

// Registry keeps at most one active Transfer per request key.
type Registry struct {
	ctx     context.Context
	fetcher Fetcher
	cache   CacheStore
	exec    Executor
	tel     *telemetry.Telemetry
	defCfg  Config

	mu    sync.Mutex
	items map[string]*Transfer
}

// Option configures a Registry.
type Option func(*Registry)

// WithCacheStore sets the store used for cache lookups, writes and deletes.
func WithCacheStore(cs CacheStore) Option {
	return func(r *Registry) { r.cache = cs }
}

// WithExecutor sets the callback context for network events. Without one,
// callbacks run on the fetcher's goroutine.
func WithExecutor(e Executor) Option {
	return func(r *Registry) { r.exec = e }
}

// WithDefaultConfig sets the transport configuration used when a request has none.
func WithDefaultConfig(cfg Config) Option {
	return func(r *Registry) { r.defCfg = cfg }
}

// WithTelemetry enables transfer metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Registry) { r.tel = tel }
}

// NewRegistry creates an empty registry. Fetches run under ctx, so cancelling
// it aborts every transfer the registry starts.
func NewRegistry(ctx context.Context, fetcher Fetcher, opts ...Option) *Registry {
	r := &Registry{
		ctx:     ctx,
		fetcher: fetcher,
		defCfg:  DefaultConfig(),
		items:   make(map[string]*Transfer),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type requestOptions struct {
	cacheDir string
	cfg      *Config
}

// RequestOption customises a single Request or GetOrCreate call.
type RequestOption func(*requestOptions)

// WithCacheDir makes the request consult and populate a cache directory.
func WithCacheDir(dir string) RequestOption {
	return func(o *requestOptions) { o.cacheDir = dir }
}

// WithConfig overrides the registry's default transport configuration.
func WithConfig(cfg Config) RequestOption {
	return func(o *requestOptions) { o.cfg = &cfg }
}

func buildRequestOptions(opts []RequestOption) requestOptions {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Request returns a Transfer for key. A cached payload in the cache directory
// yields an already-resolved Transfer that is not tracked by the registry;
// otherwise the call behaves like GetOrCreate.
func (r *Registry) Request(ctx context.Context, key string, opts ...RequestOption) *Transfer {
	o := buildRequestOptions(opts)

	if o.cacheDir != "" && r.cache != nil {
		if data, ok := r.cache.Load(o.cacheDir, key); ok {
			logctx.LoggerFromContext(ctx).Debug("serving from cache", "url", key, "cache_dir", o.cacheDir)
			r.tel.RecordRequest("cache_hit")

			return newCachedTransfer(logctx.WithLogger(r.ctx, logctx.LoggerFromContext(ctx)), key, o.cacheDir, data)
		}
	}

	return r.GetOrCreate(ctx, key, opts...)
}

// GetOrCreate returns the in-flight Transfer for key or registers a new one.
// Cache directory and configuration only apply when a new Transfer is created.
func (r *Registry) GetOrCreate(ctx context.Context, key string, opts ...RequestOption) *Transfer {
	logger := logctx.LoggerFromContext(ctx)
	o := buildRequestOptions(opts)

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.items[key]; ok {
		if o.cacheDir != t.cacheDir || (o.cfg != nil && *o.cfg != t.reqCfg) {
			logger.Warn("transfer already in flight, ignoring request options",
				"url", key,
				"cache_dir", o.cacheDir,
				"active_cache_dir", t.cacheDir)
		}

		r.tel.RecordRequest("joined")

		return t
	}

	cfg := r.defCfg
	if o.cfg != nil {
		cfg = *o.cfg
	}

	t := newNetworkTransfer(
		logctx.WithLogger(r.ctx, logger),
		key, o.cacheDir, cfg,
		r.fetcher, r.cache, r.exec, r.tel,
		r.evict,
	)
	r.items[key] = t

	r.tel.RecordRequest("created")
	r.tel.IncrementActiveTransfers()

	logger.Debug("transfer registered", "url", key, "cache_dir", o.cacheDir)

	return t
}

// evict is the completion callback of every Transfer the registry creates.
func (r *Registry) evict(t *Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.items[t.key]; ok && cur == t {
		delete(r.items, t.key)
		r.tel.DecrementActiveTransfers()
	}
}

func (r *Registry) lookup(key string) *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.items[key]
}

func (r *Registry) snapshot() []*Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Transfer, 0, len(r.items))
	for _, t := range r.items {
		out = append(out, t)
	}

	return out
}

// Suspend pauses the transfer for key, if any.
func (r *Registry) Suspend(key string) {
	if t := r.lookup(key); t != nil {
		t.Suspend()
	}
}

// Resume continues the transfer for key, if any.
func (r *Registry) Resume(key string) {
	if t := r.lookup(key); t != nil {
		t.Resume()
	}
}

// SuspendAll pauses every active transfer.
func (r *Registry) SuspendAll() {
	for _, t := range r.snapshot() {
		t.Suspend()
	}
}

// ResumeAll continues every active transfer.
func (r *Registry) ResumeAll() {
	for _, t := range r.snapshot() {
		t.Resume()
	}
}

// Cancel is reserved. Cancelling a shared transfer tears it down for every
// subscriber, so callers that really want that should use Transfer.Remove.
func (r *Registry) Cancel(key string) {}

// CancelAll is reserved, see Cancel.
func (r *Registry) CancelAll() {}

// DeleteCache removes the cached payload for key in dir. Failures are ignored.
func (r *Registry) DeleteCache(ctx context.Context, key, dir string) {
	if r.cache == nil {
		return
	}

	if err := r.cache.Delete(dir, key); err != nil {
		logctx.LoggerFromContext(ctx).Debug("cache delete ignored", "url", key, "cache_dir", dir, "err", err)
	}
}

// Len returns the number of active transfers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.items)
}

// Keys returns the keys of active transfers in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Strings(keys)

	return keys
}

// Lookup returns the active transfer for key.
func (r *Registry) Lookup(key string) (*Transfer, bool) {
	t := r.lookup(key)

	return t, t != nil
}
