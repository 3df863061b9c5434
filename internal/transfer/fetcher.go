package transfer

import (
	"context"
	"time"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultResourceTimeout = 600 * time.Second
)

// Config is the transport configuration handed to the Fetcher for a new transfer.
type Config struct {
	AllowsCellularAccess bool
	// RequestTimeout bounds how long the transport may wait for the next chunk of data.
	RequestTimeout time.Duration
	// ResourceTimeout bounds the whole transfer.
	ResourceTimeout time.Duration
}

// DefaultConfig returns cellular access allowed, a 30s request timeout and a 600s resource timeout.
func DefaultConfig() Config {
	return Config{
		AllowsCellularAccess: true,
		RequestTimeout:       defaultRequestTimeout,
		ResourceTimeout:      defaultResourceTimeout,
	}
}

// Events receives the outcome of a fetch. A fetcher calls Progress zero or more
// times and then exactly one of Finished or Failed, all from its own goroutine.
type Events struct {
	Progress func(Progress)
	// Finished is given a local path holding the payload. The path is only
	// guaranteed to exist until Finished returns.
	Finished func(location string)
	Failed   func(err error)
}

// Handle controls a running fetch.
type Handle interface {
	Suspend()
	Resume()
	Cancel()
}

// Fetcher performs the network transfer for a key. An error returned from
// Fetch means no session could be established and no events will follow.
type Fetcher interface {
	Fetch(ctx context.Context, key string, cfg Config, ev Events) (Handle, error)
}

// CacheStore reads and writes cached payloads keyed by URL inside a directory.
type CacheStore interface {
	Load(dir, key string) ([]byte, bool)
	Save(dir, key string, data []byte) error
	Delete(dir, key string) error
}

// Executor runs subscriber callbacks on the designated callback context.
type Executor interface {
	Post(fn func())
}
