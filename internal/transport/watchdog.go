package transport

import (
	"sync"
	"time"
)

// watchdog fires once when it has not been kicked for timeout. A zero timeout
// disables it.
type watchdog struct {
	timeout time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	paused  bool
	stopped bool
}

func newWatchdog(timeout time.Duration, onExpire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, onExpire)
		w.timer.Stop()
	}

	return w
}

func (w *watchdog) kick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil || w.paused || w.stopped {
		return
	}

	w.timer.Reset(w.timeout)
}

func (w *watchdog) pause() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.paused = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *watchdog) resume() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.paused = false
	if w.timer != nil && !w.stopped {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
