// Package network talks to the CI server's runner API.
package network

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOptions configures the HTTP session.
type ClientOptions struct {
	UserAgent string

	// When TraceHTTP is set, every request/response pair is appended to TraceFile.
	TraceHTTP bool
	TraceFile string

	// Timeout applies to JSON calls only; artifact transfers stream without a deadline.
	Timeout time.Duration
}

// Client is a thin wrapper over http.Client that tags requests with a
// user agent and can dump exchanges to a local file.
type Client struct {
	userAgent string
	timeout   time.Duration
	http      *http.Client
	traceOut  io.WriteCloser
}

// NewClient creates the session used for one Runner lifetime.
func NewClient(opts ClientOptions) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	c := &Client{
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
	}

	var rt http.RoundTripper = transport
	if opts.TraceHTTP {
		path := opts.TraceFile
		if path == "" {
			path = "http-trace.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open http trace file: %w", err)
		}
		c.traceOut = f
		rt = &tracingTransport{next: transport, out: f}
	}

	c.http = &http.Client{Transport: rt}
	return c, nil
}

// Do sends req with the user agent set.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.http.Do(req)
}

// Timeout is the deadline callers apply to JSON calls.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Close drops idle connections and closes the trace file.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	if c.traceOut != nil {
		return c.traceOut.Close()
	}
	return nil
}

// tracingTransport dumps every exchange. Binary bodies are elided so that
// artifact transfers are not buffered in memory.
type tracingTransport struct {
	next http.RoundTripper

	mu  sync.Mutex
	out io.Writer
}

func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := uuid.NewString()

	reqDump, err := httputil.DumpRequestOut(req, textual(req.Header.Get("Content-Type")))
	if err != nil {
		reqDump = []byte(fmt.Sprintf("%s %s (dump failed: %v)\n", req.Method, req.URL, err))
	}
	t.write(id, ">>>", reqDump)

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.write(id, "!!!", []byte(err.Error()+"\n"))
		return nil, err
	}

	respDump, err := httputil.DumpResponse(resp, textual(resp.Header.Get("Content-Type")))
	if err != nil {
		respDump = []byte(fmt.Sprintf("%s (dump failed: %v)\n", resp.Status, err))
	}
	t.write(id, "<<<", respDump)
	return resp, nil
}

func (t *tracingTransport) write(id, dir string, dump []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "%s %s %s\n%s\n\n", time.Now().UTC().Format(time.RFC3339Nano), dir, id, dump)
}

func textual(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/json", "text/plain":
		return true
	}
	return false
}
