package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// protocolVersion is the protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// DefaultCallTimeout bounds one request/response round trip.
const DefaultCallTimeout = 30 * time.Second

// State is the lifecycle state of a Client.
type State int32

// Connection states. Failed and Stopped are terminal.
const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ToolDefinition is a tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of a successful tool invocation. Content
// follows the content-list convention; Raw holds the full result
// document for payloads that do not.
type ToolResult struct {
	Content []ContentBlock  `json:"content,omitempty"`
	IsError bool            `json:"isError,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Text returns the first text content item, or "" if there is none.
func (r *ToolResult) Text() string {
	for _, b := range r.Content {
		if b.Type == "text" {
			return b.Text
		}
	}
	return ""
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo identifies the server, as reported by initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout bounds every request/response round trip. Zero or
// negative values leave the default in place.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// Client is one connection to one tool server. It owns its Transport,
// drives the handshake, holds the tool catalog, and issues at most one
// request at a time.
type Client struct {
	name        string
	transport   Transport
	logger      *slog.Logger
	callTimeout time.Duration
	nextID      atomic.Int64

	// sem admits one in-flight request; responses are matched by exact id.
	sem chan struct{}

	mu      sync.RWMutex
	state   State
	tools   []ToolDefinition
	server  ServerInfo
	lastErr error
}

// NewClient creates a client for the named server. The transport
// determines how messages are delivered (stdio or HTTP). Nothing
// happens on the wire until Start.
func NewClient(name string, transport Transport, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:        name,
		transport:   transport,
		logger:      logger.With("mcp_server", name),
		callTimeout: DefaultCallTimeout,
		sem:         make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error that moved the client to Failed, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// ServerInfo returns the server identity reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Tools returns a copy of the tool catalog. It is empty unless the
// client is Ready.
func (c *Client) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady || len(c.tools) == 0 {
		return nil
	}
	out := make([]ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// Start opens the transport and performs the handshake: initialize,
// the initialized notification, then tools/list. Any failure before
// the initialize response is accepted moves the client to Failed and
// releases the transport. A failed catalog query leaves the client
// Ready with an empty catalog.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("start %s: already %s", c.name, state)
	}
	c.mu.Unlock()

	if err := c.transport.Open(ctx); err != nil {
		return c.fail(fmt.Errorf("open transport: %w", err))
	}
	if !c.transition(StateUninitialized, StateInitializing) {
		return fmt.Errorf("%w: %s stopped during start", ErrTransport, c.name)
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	resp, err := c.request(ctx, "initialize", params)
	if err != nil {
		return c.fail(fmt.Errorf("initialize: %w", err))
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return c.fail(fmt.Errorf("%w: unmarshal initialize result: %w", ErrProtocol, err))
	}

	c.mu.Lock()
	if c.state != StateInitializing {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s stopped during start", ErrTransport, c.name)
	}
	c.state = StateReady
	c.server = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("tool server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		if errors.Is(err, ErrTransport) {
			return c.fail(fmt.Errorf("send initialized notification: %w", err))
		}
		c.logger.Warn("initialized notification failed", "error", err)
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return c.fail(fmt.Errorf("tools/list: %w", err))
		}
		c.logger.Warn("tool catalog query failed, continuing with no tools", "error", err)
		return nil
	}

	c.mu.Lock()
	if c.state == StateReady {
		c.tools = tools
	}
	c.mu.Unlock()

	c.logger.Info("discovered tools", "count", len(tools))
	return nil
}

// listTools queries tools/list and drops duplicate names, keeping the
// first occurrence.
func (c *Client) listTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.request(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal tools/list result: %w", ErrProtocol, err)
	}

	seen := make(map[string]bool, len(result.Tools))
	tools := make([]ToolDefinition, 0, len(result.Tools))
	for _, t := range result.Tools {
		if t.Name == "" || seen[t.Name] {
			c.logger.Debug("skipping duplicate or unnamed tool", "tool", t.Name)
			continue
		}
		seen[t.Name] = true
		tools = append(tools, t)
	}
	return tools, nil
}

// Invoke calls a tool with the given arguments. Arguments are passed
// through unvalidated. An isError result is returned as an *RPCError
// with code -32603; a transport loss moves the client to Failed.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	if state := c.State(); state != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, c.name, state)
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	resp, err := c.request(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		if errors.Is(err, ErrTransport) {
			c.fail(err)
		}
		return nil, fmt.Errorf("tools/call %s: %w", tool, err)
	}

	result := &ToolResult{Raw: resp.Result}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal tools/call result: %w", ErrProtocol, err)
	}

	c.logger.Debug("tool call completed",
		"tool", tool,
		"is_error", result.IsError,
		"elapsed", time.Since(start),
	)

	if result.IsError {
		return nil, &RPCError{Code: CodeInternalError, Message: extractText(result.Content)}
	}
	return result, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if state := c.State(); state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, c.name, state)
	}
	_, err := c.request(ctx, "ping", nil)
	if errors.Is(err, ErrTransport) {
		c.fail(err)
	}
	return err
}

// Stop closes the transport and moves the client to Stopped. It does
// not wait for an outstanding request; that request observes
// ErrTransport. Stop is idempotent.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	c.tools = nil
	c.mu.Unlock()

	c.logger.Info("stopping tool server connection")
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("transport close failed", "error", err)
	}
	return nil
}

// transition moves from one state to another only if the client is
// still in the expected state.
func (c *Client) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// fail records err, moves the client to Failed unless it was stopped,
// and releases the transport. It returns err for convenience.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	if c.state != StateStopped && c.state != StateFailed {
		c.state = StateFailed
		c.tools = nil
	}
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	c.logger.Warn("tool server connection failed", "error", err)
	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Debug("transport close after failure", "error", cerr)
	}
	return err
}

// acquire takes the in-flight slot, giving up when ctx is done.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for in-flight request: %w", ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

// request sends one request and waits for the response with the same
// id. Malformed lines, stale responses, and server-initiated messages
// are dropped. The whole round trip, including waiting for the
// in-flight slot, is bounded by the call timeout.
func (c *Client) request(ctx context.Context, method string, params any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	id := c.nextID.Add(1)
	line, err := Encode(NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	if err := c.transport.WriteLine(ctx, line); err != nil {
		return nil, err
	}

	for {
		raw, err := c.transport.ReadLine(ctx)
		if err != nil {
			return nil, err
		}

		msg, err := Decode(raw)
		if err != nil {
			c.logger.Debug("dropping non-protocol line", "line", truncate(string(raw), 200), "error", err)
			continue
		}

		if msg.Kind() != KindResponse {
			c.logger.Debug("ignoring server-initiated message", "kind", msg.Kind(), "method", msg.Method)
			continue
		}

		// A parse-error response cannot carry our id; with one request
		// in flight it can only be ours.
		if (msg.ID == nil && msg.Error == nil) || (msg.ID != nil && *msg.ID != id) {
			c.logger.Debug("dropping uncorrelated response", "want_id", id)
			continue
		}

		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Response(), nil
	}
}

// notify sends a notification. No response is read.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	line, err := Encode(NewNotification(method, params))
	if err != nil {
		return err
	}
	return c.transport.WriteLine(ctx, line)
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// truncate shortens s to at most n bytes, backing up to a character
// boundary, and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
