package progress

import (
	"io"
	"sync"
)

// Func receives the bytes read since the last report, the cumulative count and
// the expected total (-1 when unknown).
type Func func(delta, written, total int64)

// Reader wraps an io.Reader, reports progress and can be paused. While paused,
// Read blocks until Resume or Close is called.
type Reader struct {
	reader   io.Reader
	total    int64
	interval int64
	onTick   Func

	written    int64
	sinceTick  int64
	lastReport int64

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
}

// NewReader wraps r. A tick is reported once at least interval bytes were read
// since the previous one; an interval of 0 reports every read. The final read
// before EOF always reports.
func NewReader(r io.Reader, total, interval int64, cb Func) *Reader {
	pr := &Reader{
		reader:   r,
		total:    total,
		interval: interval,
		onTick:   cb,
	}
	pr.cond = sync.NewCond(&pr.mu)

	return pr
}

func (pr *Reader) Read(p []byte) (int, error) {
	if err := pr.wait(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.written += int64(n)
		pr.sinceTick += int64(n)

		if pr.sinceTick >= pr.interval {
			pr.report()
		}
	}

	if err == io.EOF && pr.sinceTick > 0 {
		pr.report()
	}

	return n, err
}

func (pr *Reader) report() {
	if pr.onTick != nil {
		pr.onTick(pr.written-pr.lastReport, pr.written, pr.total)
	}

	pr.lastReport = pr.written
	pr.sinceTick = 0
}

func (pr *Reader) wait() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	for pr.paused && !pr.closed {
		pr.cond.Wait()
	}

	if pr.closed {
		return io.ErrClosedPipe
	}

	return nil
}

// Pause makes subsequent reads block.
func (pr *Reader) Pause() {
	pr.mu.Lock()
	pr.paused = true
	pr.mu.Unlock()
}

// Resume unblocks paused reads.
func (pr *Reader) Resume() {
	pr.mu.Lock()
	pr.paused = false
	pr.mu.Unlock()
	pr.cond.Broadcast()
}

// Close releases blocked readers; further reads fail with io.ErrClosedPipe.
func (pr *Reader) Close() error {
	pr.mu.Lock()
	pr.closed = true
	pr.mu.Unlock()
	pr.cond.Broadcast()

	return nil
}
