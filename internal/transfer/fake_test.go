package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeFetcher records fetches and lets tests drive their events by hand.
// When gate is set, Fetch signals entered and blocks until gate is closed.
type fakeFetcher struct {
	mu      sync.Mutex
	fetches []*fakeFetch
	err     error

	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeFetcher) Fetch(_ context.Context, key string, cfg Config, ev Events) (Handle, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	ff := &fakeFetch{key: key, cfg: cfg, ev: ev}
	f.fetches = append(f.fetches, ff)

	return ff, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.fetches)
}

func (f *fakeFetcher) last(t *testing.T) *fakeFetch {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	require.NotEmpty(t, f.fetches, "no fetch was started")

	return f.fetches[len(f.fetches)-1]
}

type fakeFetch struct {
	key string
	cfg Config
	ev  Events

	suspended atomic.Int32
	resumed   atomic.Int32
	cancelled atomic.Int32
}

func (ff *fakeFetch) Suspend() { ff.suspended.Add(1) }
func (ff *fakeFetch) Resume()  { ff.resumed.Add(1) }
func (ff *fakeFetch) Cancel()  { ff.cancelled.Add(1) }

func (ff *fakeFetch) progress(written, total int64) {
	ff.ev.Progress(Progress{BytesWritten: 1, TotalBytesWritten: written, TotalBytesExpected: total})
}

// finish hands the payload over the same way a transport does: through a
// temporary file that disappears once Finished returns.
func (ff *fakeFetch) finish(t *testing.T, data []byte) {
	t.Helper()

	location := filepath.Join(t.TempDir(), "payload.part")
	require.NoError(t, os.WriteFile(location, data, 0o600))

	ff.ev.Finished(location)
	require.NoError(t, os.Remove(location))
}

func (ff *fakeFetch) fail(err error) {
	ff.ev.Failed(err)
}

type failingStore struct {
	saves atomic.Int32
}

func (s *failingStore) Load(string, string) ([]byte, bool) { return nil, false }

func (s *failingStore) Save(string, string, []byte) error {
	s.saves.Add(1)

	return errors.New("disk full")
}

func (s *failingStore) Delete(string, string) error { return errors.New("permission denied") }

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }
