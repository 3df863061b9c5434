package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/parallel_downloader/internal/cache"
	"github.com/italolelis/parallel_downloader/internal/dispatch"
	"github.com/italolelis/parallel_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransfer(f Fetcher, cs CacheStore, cacheDir string, onComplete func(*Transfer)) *Transfer {
	return newNetworkTransfer(
		context.Background(),
		testKey, cacheDir, DefaultConfig(),
		f, cs, dispatch.Inline{}, nil,
		onComplete,
	)
}

func TestTransfer_LazyStart(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)

	tr.OnProgress(func(Progress) {}).OnError(func(error) {})
	tr.OnProgress(func(Progress) {})

	assert.Zero(t, f.calls(), "progress and error subscribers never start the fetch")
	assert.Equal(t, StateCreated, tr.State())

	tr.OnSuccess(func([]byte) {})
	assert.Equal(t, 1, f.calls())
	assert.Equal(t, StateLoading, tr.State())

	tr.OnSuccess(func([]byte) {})
	assert.Equal(t, 1, f.calls(), "later subscribers join the running fetch")
}

func TestTransfer_SuccessFansOutInOrder(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)

	var order []string

	tr.OnSuccess(func(b []byte) { order = append(order, "first:"+string(b)) })
	tr.OnSuccess(func(b []byte) { order = append(order, "second:"+string(b)) })
	tr.OnError(func(error) { order = append(order, "error") })

	f.last(t).finish(t, []byte("payload"))

	assert.Equal(t, []string{"first:payload", "second:payload"}, order)
}

func TestTransfer_LateSubscriberReceivesPayloadOnce(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)

	var early, late int

	tr.OnSuccess(func([]byte) { early++ })
	f.last(t).finish(t, []byte("payload"))

	var got []byte
	tr.OnSuccess(func(b []byte) {
		late++
		got = b
	})

	assert.Equal(t, 1, early)
	assert.Equal(t, 1, late)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, 1, f.calls())
}

func TestTransfer_CachedTransferDeliversEachSubscriberOnce(t *testing.T) {
	tr := newCachedTransfer(context.Background(), testKey, "", []byte("cached"))
	assert.Equal(t, StateCreated, tr.State())

	var calls []string

	tr.OnSuccess(func(b []byte) { calls = append(calls, "a:"+string(b)) })
	tr.OnSuccess(func(b []byte) { calls = append(calls, "b:"+string(b)) })

	assert.Equal(t, []string{"a:cached", "b:cached"}, calls)
	assert.Equal(t, StateSucceeded, tr.State())

	tr.Suspend()
	tr.Resume()
}

func TestTransfer_RemoveIsIdempotent(t *testing.T) {
	f := &fakeFetcher{}

	var completions int

	tr := newTestTransfer(f, nil, "", func(*Transfer) { completions++ })
	tr.OnSuccess(func([]byte) { t.Error("removed transfer must not deliver") })

	tr.Remove()
	tr.Remove()

	assert.Equal(t, 1, completions)
	assert.Equal(t, StateRemoved, tr.State())
	assert.Equal(t, int32(1), f.last(t).cancelled.Load())

	// Events arriving after removal are ignored.
	f.last(t).finish(t, []byte("late"))
	f.last(t).fail(errors.New("late"))

	assert.Equal(t, 1, completions)
}

func TestTransfer_CompletionRunsOnceAfterSuccessThenRemove(t *testing.T) {
	f := &fakeFetcher{}

	var completions int

	tr := newTestTransfer(f, nil, "", func(*Transfer) { completions++ })
	tr.OnSuccess(func([]byte) {})
	f.last(t).finish(t, []byte("x"))
	tr.Remove()

	assert.Equal(t, 1, completions)
}

func TestTransfer_RemovedTransferIsInert(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)
	tr.Remove()

	tr.OnProgress(func(Progress) { t.Error("unexpected progress") })
	tr.OnError(func(error) { t.Error("unexpected error") })
	tr.OnSuccess(func([]byte) { t.Error("unexpected success") })

	assert.Zero(t, f.calls())
}

func TestTransfer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline exceeded", context.DeadlineExceeded, ErrTimeout},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrTimeout},
		{"os deadline", os.ErrDeadlineExceeded, ErrTimeout},
		{"net timeout", timeoutErr{}, ErrTimeout},
		{"wrapped net timeout", fmt.Errorf("read body: %w", timeoutErr{}), ErrTimeout},
		{"generic", errors.New("connection reset by peer"), ErrDownload},
		{"cancelled", context.Canceled, ErrDownload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{}
			tr := newTestTransfer(f, nil, "", nil)

			var got []error

			tr.OnError(func(err error) { got = append(got, err) })
			tr.OnSuccess(func([]byte) { t.Error("unexpected success") })

			f.last(t).fail(tt.err)

			require.Len(t, got, 1)
			assert.ErrorIs(t, got[0], tt.want)
			assert.ErrorIs(t, got[0], tt.err, "the transport cause stays reachable")
			assert.Equal(t, StateFailed, tr.State())
		})
	}
}

func TestTransfer_SessionError(t *testing.T) {
	f := &fakeFetcher{err: errors.New("no network")}

	var completions int

	tr := newTestTransfer(f, nil, "", func(*Transfer) { completions++ })

	var got error

	tr.OnError(func(err error) { got = err })
	tr.OnSuccess(func([]byte) { t.Error("unexpected success") })

	assert.ErrorIs(t, got, ErrSession)
	assert.Equal(t, KindSession, KindOf(got))
	assert.Equal(t, 1, completions)
}

func TestTransfer_DataError(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)

	var got error

	tr.OnError(func(err error) { got = err })
	tr.OnSuccess(func([]byte) { t.Error("unexpected success") })

	f.last(t).ev.Finished(filepath.Join(t.TempDir(), "vanished.part"))

	assert.ErrorIs(t, got, ErrData)
}

func TestTransfer_LateSuccessSubscriberOnFailedTransfer(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)
	tr.OnSuccess(func([]byte) {})
	f.last(t).fail(errors.New("boom"))

	var got []error

	tr.OnError(func(err error) { got = append(got, err) })
	require.Len(t, got, 1, "a failed transfer hands its error to late subscribers")
	assert.ErrorIs(t, got[0], ErrDownload)

	tr.OnSuccess(func([]byte) { t.Error("unexpected success") })
	assert.Len(t, got, 1, "the late subscriber is not retained")
	assert.Equal(t, 1, f.calls(), "a failed transfer never restarts")
}

func TestTransfer_LateErrorSubscriberOnFailedTransfer(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)

	var early []error

	tr.OnError(func(err error) { early = append(early, err) })
	tr.OnSuccess(func([]byte) {})
	f.last(t).fail(timeoutErr{})
	require.Len(t, early, 1)

	var late error

	tr.OnError(func(err error) { late = err })
	assert.ErrorIs(t, late, ErrTimeout)
	assert.Same(t, early[0], late)
	assert.Len(t, early, 1, "earlier subscribers are not notified twice")
}

func TestTransfer_ErrorSubscriberAfterSuccessNeverFires(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)
	tr.OnSuccess(func([]byte) {})
	f.last(t).finish(t, []byte("ok"))

	tr.OnError(func(error) { t.Error("error after success") })
	assert.Equal(t, StateSucceeded, tr.State())
}

func TestTransfer_ProgressForwardedUntilTermination(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)

	var a, b []int64

	tr.OnProgress(func(p Progress) { a = append(a, p.TotalBytesWritten) })
	tr.OnSuccess(func([]byte) {})
	tr.OnProgress(func(p Progress) { b = append(b, p.TotalBytesWritten) })

	ff := f.last(t)
	ff.progress(1, 3)
	ff.progress(2, 3)
	ff.progress(3, 3)
	ff.finish(t, []byte("abc"))
	ff.progress(4, 3)

	assert.Equal(t, []int64{1, 2, 3}, a)
	assert.Equal(t, []int64{1, 2, 3}, b)

	tr.OnProgress(func(Progress) { t.Error("progress after termination") })
}

func TestTransfer_WritesCacheBeforeNotifying(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	f := &fakeFetcher{}
	tr := newTestTransfer(f, cache.NewDiskStore(), dir, nil)

	var onDisk []byte

	tr.OnSuccess(func([]byte) {
		onDisk, _ = os.ReadFile(filepath.Join(dir, "lastSegment"))
	})

	f.last(t).finish(t, []byte("persist me"))

	assert.Equal(t, "persist me", string(onDisk))
}

func TestTransfer_CacheWriteFailureIsNotFatal(t *testing.T) {
	store := &failingStore{}
	f := &fakeFetcher{}
	tr := newTestTransfer(f, store, t.TempDir(), nil)

	var (
		got    []byte
		failed bool
	)

	tr.OnError(func(error) { failed = true })
	tr.OnSuccess(func(b []byte) { got = b })

	f.last(t).finish(t, []byte("ok"))

	assert.Equal(t, int32(1), store.saves.Load())
	assert.False(t, failed)
	assert.Equal(t, "ok", string(got))
}

func TestTransfer_SuspendBeforeStartIsNoop(t *testing.T) {
	f := &fakeFetcher{}
	tr := newTestTransfer(f, nil, "", nil)

	tr.Suspend()
	tr.Resume()
	tr.OnSuccess(func([]byte) {})

	ff := f.last(t)
	assert.Zero(t, ff.suspended.Load())
	assert.Zero(t, ff.resumed.Load())
}

func TestTransfer_SuspendWhileFetchStarting(t *testing.T) {
	f := &fakeFetcher{
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	tr := newTestTransfer(f, nil, "", nil)

	started := make(chan struct{})

	go func() {
		defer close(started)
		tr.OnSuccess(func([]byte) {})
	}()

	select {
	case <-f.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch was not started")
	}

	require.Equal(t, StateLoading, tr.State())
	tr.Suspend()
	close(f.gate)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("OnSuccess did not return")
	}

	ff := f.last(t)
	assert.Equal(t, int32(1), ff.suspended.Load(), "suspend issued before the handle existed is applied")

	tr.Resume()
	assert.Equal(t, int32(1), ff.resumed.Load())
}

func TestTransfer_SuspendThenResumeWhileFetchStarting(t *testing.T) {
	f := &fakeFetcher{
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	tr := newTestTransfer(f, nil, "", nil)

	started := make(chan struct{})

	go func() {
		defer close(started)
		tr.OnSuccess(func([]byte) {})
	}()

	<-f.entered
	tr.Suspend()
	tr.Resume()
	close(f.gate)
	<-started

	assert.Zero(t, f.last(t).suspended.Load())
}

func TestTransfer_SessionFailureRecordsSystemError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: true, ServiceName: "test", ServiceVersion: "0.0.1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	f := &fakeFetcher{err: errors.New("no route to host")}
	tr := newNetworkTransfer(context.Background(), testKey, "", DefaultConfig(), f, nil, dispatch.Inline{}, tel, nil)

	var got error

	tr.OnError(func(err error) { got = err }).OnSuccess(func([]byte) {})
	require.ErrorIs(t, got, ErrSession)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "system_errors")
	assert.Contains(t, body, `component="transfer"`)
	assert.Contains(t, body, `error_type="session"`)
}

func TestTransfer_CallbacksSerializedOnQueue(t *testing.T) {
	q := dispatch.NewQueue(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = q.Run(ctx) }()

	f := &fakeFetcher{}
	tr := newNetworkTransfer(context.Background(), testKey, "", DefaultConfig(), f, nil, q, nil, nil)

	var (
		mu     sync.Mutex
		events []string
	)

	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	done := make(chan struct{})

	tr.OnProgress(func(p Progress) { record(fmt.Sprintf("progress:%d", p.TotalBytesWritten)) })
	tr.OnSuccess(func(b []byte) {
		record("success:" + string(b))
		close(done)
	})

	ff := f.last(t)

	go func() {
		for i := int64(1); i <= 5; i++ {
			ff.progress(i, 5)
		}

		ff.finish(t, []byte("end"))
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("success was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{
		"progress:1", "progress:2", "progress:3", "progress:4", "progress:5", "success:end",
	}, events)
}

func TestTransfer_SubscriberMayRemoveDuringDelivery(t *testing.T) {
	f := &fakeFetcher{}

	var completions int

	tr := newTestTransfer(f, nil, "", func(*Transfer) { completions++ })

	tr.OnSuccess(func([]byte) {})
	tr.OnSuccess(func([]byte) {})

	var removed bool

	tr.OnProgress(func(Progress) {
		if !removed {
			removed = true
			tr.Remove()
		}
	})

	ff := f.last(t)
	ff.progress(1, 2)
	ff.finish(t, []byte("xx"))

	assert.Equal(t, StateRemoved, tr.State())
	assert.Equal(t, 1, completions)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "succeeded", StateSucceeded.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "removed", StateRemoved.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateLoading.Terminal())
}
