// Package trace buffers job output and appends it to the server-side job log.
package trace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cirunner/pkg/api"
)

const (
	// DefaultMaxBuffer flushes once more than this many bytes are pending.
	DefaultMaxBuffer = 1024

	// DefaultFlushInterval flushes on the next write once this much time
	// has passed since the last flush.
	DefaultFlushInterval = 2 * time.Second
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("trace closed")

// Patcher appends content at offset to the job's log and returns the new offset.
type Patcher interface {
	Trace(ctx context.Context, job *api.JobResponse, content []byte, offset int64) (int64, error)
}

// Option customizes a Trace.
type Option func(*Trace)

// WithMaxBuffer overrides DefaultMaxBuffer.
func WithMaxBuffer(n int) Option {
	return func(t *Trace) { t.maxBuffer = n }
}

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return func(t *Trace) { t.flushInterval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Trace) { t.now = now }
}

// Trace is the per-job log sink. It implements io.Writer so step runners can
// write to it directly. Offsets sent to the server are contiguous; flushes are
// serialized.
type Trace struct {
	// ctx is held because io.Writer has no context parameter.
	ctx     context.Context
	patcher Patcher
	job     *api.JobResponse

	maxBuffer     int
	flushInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	buf       bytes.Buffer
	offset    int64
	lastWrite time.Time
	closed    bool
}

// New creates an empty trace for job. The zero lastWrite makes the first
// write flush immediately.
func New(ctx context.Context, patcher Patcher, job *api.JobResponse, opts ...Option) *Trace {
	t := &Trace{
		ctx:           ctx,
		patcher:       patcher,
		job:           job,
		maxBuffer:     DefaultMaxBuffer,
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Write appends p and flushes when the buffer is over the size threshold or
// the flush interval has elapsed. A failed flush keeps the bytes buffered and
// returns the error.
func (t *Trace) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	t.buf.Write(p)

	if t.buf.Len() > t.maxBuffer || t.now().Sub(t.lastWrite) > t.flushInterval {
		if err := t.flushLocked(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// WriteLine normalizes line endings to \n and terminates the line.
func (t *Trace) WriteLine(text string) error {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := t.Write([]byte(text))
	return err
}

// Printf formats a line into the trace.
func (t *Trace) Printf(format string, args ...any) error {
	return t.WriteLine(fmt.Sprintf(format, args...))
}

// Flush sends everything buffered.
func (t *Trace) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *Trace) flushLocked() error {
	if t.buf.Len() == 0 {
		t.lastWrite = t.now()
		return nil
	}

	sent := int64(t.buf.Len())
	next, err := t.patcher.Trace(t.ctx, t.job, t.buf.Bytes(), t.offset)
	if err != nil {
		return fmt.Errorf("append trace at offset %d: %w", t.offset, err)
	}
	if next != t.offset+sent {
		return fmt.Errorf("append trace at offset %d: server moved offset to %d, want %d", t.offset, next, t.offset+sent)
	}

	t.offset = next
	t.buf.Reset()
	t.lastWrite = t.now()
	return nil
}

// Close flushes what is left and rejects further writes.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	err := t.flushLocked()
	t.closed = true
	return err
}

// Offset is the number of bytes the server has acknowledged.
func (t *Trace) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Pending is the number of buffered bytes not yet sent.
func (t *Trace) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}
