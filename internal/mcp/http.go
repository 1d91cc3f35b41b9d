package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/httpkit"
)

// sessionHeader carries the server-assigned session id for affinity.
const sessionHeader = "Mcp-Session"

// maxResponseBody caps a single HTTP response body.
const maxResponseBody = 10 << 20

// HTTPConfig configures an HTTP transport that talks to a remote tool
// server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the server endpoint.
	URL string

	// Headers are sent with every request (e.g., Authorization).
	// Placeholders are already resolved by config loading.
	Headers map[string]string

	// Client overrides the HTTP client. Nil builds one via httpkit.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport adapts request/response HTTP to the line-oriented
// Transport: WriteLine POSTs one envelope and queues whatever the
// response body carries; ReadLine drains that queue.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	// base is cancelled by Close so in-flight requests end promptly.
	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	sessionID string
	pending   [][]byte
	closed    bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
		)
	}

	base, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
	}
}

// Open validates the endpoint. No network traffic happens until the
// first WriteLine.
func (t *HTTPTransport) Open(_ context.Context) error {
	u, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("%w: parse url %q: %w", ErrConnect, t.url, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported url scheme %q", ErrConnect, u.Scheme)
	}
	return nil
}

// WriteLine POSTs one envelope. A non-2xx status is returned as an
// *RPCError carrying the status code. Closing the transport aborts the
// request with ErrTransport.
func (t *HTTPTransport) WriteLine(ctx context.Context, line []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport closed", ErrTransport)
	}
	sid := t.sessionID
	t.mu.Unlock()

	t.logger.Log(ctx, config.LevelTrace, "tool server send", "url", t.url, "line", string(line))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.base, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(line))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if t.base.Err() != nil {
			return fmt.Errorf("%w: transport closed during POST %s", ErrTransport, t.url)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: POST %s: %w", ErrTimeout, t.url, err)
		}
		return fmt.Errorf("POST %s: %w", t.url, err)
	}

	if newSID := resp.Header.Get(sessionHeader); newSID != "" {
		t.mu.Lock()
		t.sessionID = newSID
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return &RPCError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace([]byte(body))),
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	lines, err := readBodyLines(resp)
	if err != nil {
		if t.base.Err() != nil {
			return fmt.Errorf("%w: transport closed while reading response from %s", ErrTransport, t.url)
		}
		return fmt.Errorf("read response from %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.pending = append(t.pending, lines...)
	t.mu.Unlock()
	return nil
}

// readBodyLines extracts envelopes from a response body. Plain JSON
// bodies are one envelope; event streams carry one per data field.
func readBodyLines(resp *http.Response) ([][]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
			return [][]byte{trimmed}, nil
		}
		return nil, nil
	}

	var lines [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBody)
	for scanner.Scan() {
		data, ok := bytes.CutPrefix(scanner.Bytes(), []byte("data:"))
		if !ok {
			continue
		}
		if data = bytes.TrimSpace(data); len(data) > 0 {
			lines = append(lines, bytes.Clone(data))
		}
	}
	return lines, scanner.Err()
}

// ReadLine returns the next queued envelope. HTTP responses are
// synchronous, so an empty queue means the server sent nothing for the
// last request; that is reported as a protocol error, never a wait.
func (t *HTTPTransport) ReadLine(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("%w: transport closed", ErrTransport)
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, err
	}
	if len(t.pending) == 0 {
		return nil, fmt.Errorf("%w: no response body for request", ErrProtocol)
	}

	line := t.pending[0]
	t.pending = t.pending[1:]
	t.logger.Log(ctx, config.LevelTrace, "tool server recv", "url", t.url, "line", string(line))
	return line, nil
}

// Close forgets the session and aborts any request in flight. The
// underlying HTTP client manages its own connection pool.
func (t *HTTPTransport) Close() error {
	t.cancelBase()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.pending = nil
	t.sessionID = ""
	return nil
}
