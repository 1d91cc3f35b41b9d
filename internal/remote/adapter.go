// Package remote adapts HTTP-backed tool servers that have no
// handshake or catalog endpoint of their own. An Adapter synthesizes
// a fixed catalog, maps each tool name to concrete REST calls, and
// reports failures in the same {code, message} shape local servers
// use, so the host treats it like any other connection.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/mcphost/internal/mcp"
)

// DefaultRatePerMinute paces outbound calls when none is configured.
const DefaultRatePerMinute = 60

// Handler executes one tool. The returned value is marshaled to JSON
// as the tool result.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a synthesized catalog entry with its REST mapping.
type Tool struct {
	mcp.ToolDefinition
	Handler Handler
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRatePerMinute sets the token-bucket pace for outbound calls.
// Zero or negative disables pacing.
func WithRatePerMinute(n int) Option {
	return func(a *Adapter) {
		if n <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		a.limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
	}
}

// WithCallTimeout bounds each invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// WithPing sets the reachability probe used by Ping.
func WithPing(fn func(context.Context) error) Option {
	return func(a *Adapter) { a.ping = fn }
}

// Adapter is a connection to a REST-backed tool server. It follows the
// same state machine as mcp.Client, but Start performs no network
// round trip: the catalog is fixed.
type Adapter struct {
	name        string
	provider    string
	tools       []Tool
	index       map[string]int
	limiter     *rate.Limiter
	callTimeout time.Duration
	ping        func(context.Context) error
	logger      *slog.Logger

	mu    sync.RWMutex
	state mcp.State
}

// NewAdapter creates an adapter for the named server.
func NewAdapter(name, provider string, tools []Tool, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		name:        name,
		provider:    provider,
		index:       make(map[string]int, len(tools)),
		callTimeout: mcp.DefaultCallTimeout,
		logger:      logger.With("mcp_server", name, "provider", provider),
	}
	for _, t := range tools {
		if _, dup := a.index[t.Name]; dup {
			continue
		}
		a.index[t.Name] = len(a.tools)
		a.tools = append(a.tools, t)
	}
	WithRatePerMinute(DefaultRatePerMinute)(a)
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name returns the server name.
func (a *Adapter) Name() string { return a.name }

// State returns the current lifecycle state.
func (a *Adapter) State() mcp.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Start publishes the synthesized catalog.
func (a *Adapter) Start(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != mcp.StateUninitialized {
		return fmt.Errorf("start %s: already %s", a.name, a.state)
	}
	// No handshake round trip: the catalog is known up front.
	a.state = mcp.StateReady

	a.logger.Info("remote adapter ready", "tools", len(a.tools))
	return nil
}

// Tools returns the synthesized catalog once Ready.
func (a *Adapter) Tools() []mcp.ToolDefinition {
	if a.State() != mcp.StateReady {
		return nil
	}
	defs := make([]mcp.ToolDefinition, len(a.tools))
	for i, t := range a.tools {
		defs[i] = t.ToolDefinition
	}
	return defs
}

// Invoke runs the named tool. Unknown names fail with a -32601
// *mcp.RPCError; HTTP failures carry the status code.
func (a *Adapter) Invoke(ctx context.Context, tool string, args map[string]any) (*mcp.ToolResult, error) {
	if state := a.State(); state != mcp.StateReady {
		return nil, fmt.Errorf("%w: %s is %s", mcp.ErrNotReady, a.name, state)
	}

	i, ok := a.index[tool]
	if !ok {
		return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Unknown tool: " + tool}
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %w", mcp.ErrTimeout, err)
	}

	start := time.Now()
	out, err := a.tools[i].Handler(ctx, args)
	if err != nil {
		a.logger.Debug("remote tool failed", "tool", tool, "error", err, "elapsed", time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", mcp.ErrTimeout, tool, err)
		}
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: fmt.Sprintf("marshal %s result: %v", tool, err)}
	}

	a.logger.Debug("remote tool completed", "tool", tool, "elapsed", time.Since(start))
	return &mcp.ToolResult{Raw: data}, nil
}

// Ping runs the provider's reachability probe, if it has one.
func (a *Adapter) Ping(ctx context.Context) error {
	if state := a.State(); state != mcp.StateReady {
		return fmt.Errorf("%w: %s is %s", mcp.ErrNotReady, a.name, state)
	}
	if a.ping == nil {
		return nil
	}
	return a.ping(ctx)
}

// Stop moves the adapter to Stopped. Idempotent.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != mcp.StateStopped {
		a.state = mcp.StateStopped
		a.logger.Info("remote adapter stopped")
	}
	return nil
}

// invalidArgs reports a malformed argument the way a provider would.
func invalidArgs(format string, args ...any) error {
	return &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	s, err := optString(args, key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", invalidArgs("missing required argument %q", key)
	}
	return s, nil
}

// optString extracts an optional string argument.
func optString(args map[string]any, key, def string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidArgs("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}
