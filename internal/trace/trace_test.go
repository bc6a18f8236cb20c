package trace

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cirunner/pkg/api"
)

// recordingPatcher plays the server side of the trace endpoint.
type recordingPatcher struct {
	mu      sync.Mutex
	calls   []patchCall
	log     bytes.Buffer
	failErr error
	skew    int64
}

type patchCall struct {
	Offset int64
	Data   string
}

func (p *recordingPatcher) Trace(ctx context.Context, job *api.JobResponse, content []byte, offset int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return offset, p.failErr
	}
	p.calls = append(p.calls, patchCall{Offset: offset, Data: string(content)})
	p.log.Write(content)
	return offset + int64(len(content)) + p.skew, nil
}

// fakeClock is advanced by hand.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTrace(p Patcher, clock *fakeClock) *Trace {
	return New(context.Background(), p, &api.JobResponse{ID: 1, Token: "t"}, WithClock(clock.Now))
}

func TestWrite_FirstWriteFlushesImmediately(t *testing.T) {
	p := &recordingPatcher{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTrace(p, clock)

	if _, err := tr.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("expected the first write to flush, got %d calls", len(p.calls))
	}
	if tr.Offset() != 6 {
		t.Errorf("expected offset 6, got %d", tr.Offset())
	}
}

func TestWrite_BuffersUntilThreshold(t *testing.T) {
	p := &recordingPatcher{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTrace(p, clock)
	tr.Flush() // sets lastWrite to now

	for i := 0; i < 10; i++ {
		tr.Write([]byte("line\n"))
	}
	if len(p.calls) != 0 {
		t.Fatalf("expected small writes to stay buffered, got %d calls", len(p.calls))
	}
	if tr.Pending() != 50 {
		t.Errorf("expected 50 pending bytes, got %d", tr.Pending())
	}

	tr.Write(bytes.Repeat([]byte("x"), DefaultMaxBuffer))
	if len(p.calls) != 1 {
		t.Fatalf("expected size threshold to flush, got %d calls", len(p.calls))
	}
	if tr.Pending() != 0 {
		t.Errorf("expected empty buffer after flush, got %d", tr.Pending())
	}
}

func TestWrite_FlushesAfterInterval(t *testing.T) {
	p := &recordingPatcher{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTrace(p, clock)
	tr.Flush()

	tr.Write([]byte("quiet\n"))
	if len(p.calls) != 0 {
		t.Fatal("expected no flush before the interval")
	}

	clock.Advance(DefaultFlushInterval + time.Millisecond)
	tr.Write([]byte("later\n"))
	if len(p.calls) != 1 {
		t.Fatalf("expected interval flush, got %d calls", len(p.calls))
	}
	if p.calls[0].Data != "quiet\nlater\n" {
		t.Errorf("unexpected flushed data %q", p.calls[0].Data)
	}
}

func TestFlush_OffsetsAreContiguous(t *testing.T) {
	p := &recordingPatcher{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := New(context.Background(), p, &api.JobResponse{ID: 1}, WithClock(clock.Now), WithMaxBuffer(8))

	chunks := []string{"abc", "defghijkl", "m", "nopqrstuvwxyz", "0123456789"}
	for _, c := range chunks {
		tr.Write([]byte(c))
		clock.Advance(500 * time.Millisecond)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var expected int64
	for i, call := range p.calls {
		if call.Offset != expected {
			t.Errorf("call %d: offset %d, want %d", i, call.Offset, expected)
		}
		expected += int64(len(call.Data))
	}
	if tr.Offset() != expected {
		t.Errorf("final offset %d, want %d", tr.Offset(), expected)
	}
}

func TestRoundTrip_ServerReceivesExactBytes(t *testing.T) {
	p := &recordingPatcher{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTrace(p, clock)

	var want strings.Builder
	for i := 0; i < 200; i++ {
		line := strings.Repeat("y", i%37)
		tr.WriteLine(line)
		want.WriteString(line + "\n")
		if i%13 == 0 {
			clock.Advance(3 * time.Second)
		}
	}
	tr.Write([]byte("tail"))
	want.WriteString("tail")
	tr.Close()

	if p.log.String() != want.String() {
		t.Errorf("server log differs from written bytes:\n got %d bytes\nwant %d bytes", p.log.Len(), want.Len())
	}
}

func TestWriteLine_NormalizesLineEndings(t *testing.T) {
	p := &recordingPatcher{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTrace(p, clock)

	tr.WriteLine("a\r\nb\rc")
	tr.Close()

	if p.log.String() != "a\nb\nc\n" {
		t.Errorf("unexpected normalized output %q", p.log.String())
	}
}

func TestFlush_FailureKeepsBuffer(t *testing.T) {
	boom := errors.New("connection reset")
	p := &recordingPatcher{failErr: boom}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTrace(p, clock)

	_, err := tr.Write([]byte("lost?\n"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected patch error, got %v", err)
	}
	if tr.Pending() != 6 || tr.Offset() != 0 {
		t.Errorf("expected bytes kept and offset unchanged, pending=%d offset=%d", tr.Pending(), tr.Offset())
	}

	p.failErr = nil
	if err := tr.Flush(); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	if p.log.String() != "lost?\n" || tr.Offset() != 6 {
		t.Errorf("expected retried bytes delivered, got %q offset=%d", p.log.String(), tr.Offset())
	}
}

func TestFlush_RejectsOffsetMismatch(t *testing.T) {
	p := &recordingPatcher{skew: 3}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTrace(p, clock)

	if _, err := tr.Write([]byte("abc")); err == nil {
		t.Fatal("expected error when the server reports a non-contiguous offset")
	}
	if tr.Offset() != 0 {
		t.Errorf("expected offset unchanged, got %d", tr.Offset())
	}
}

func TestClose_RejectsFurtherWrites(t *testing.T) {
	p := &recordingPatcher{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTrace(p, clock)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close on empty trace failed: %v", err)
	}
	if len(p.calls) != 0 {
		t.Errorf("expected no patch for an empty trace, got %d", len(p.calls))
	}
	if _, err := tr.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
