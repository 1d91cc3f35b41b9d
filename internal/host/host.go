// Package host owns the set of configured tool server connections. It
// starts them concurrently with failures isolated per server, merges
// their catalogs, and routes invocations by server name.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/mcp"
)

// ErrUnknownServer is returned when no connection is registered under
// the requested server name.
var ErrUnknownServer = errors.New("unknown server")

// DefaultStartTimeout bounds one server's spawn and handshake.
const DefaultStartTimeout = 10 * time.Second

// Connection is one tool server as the host sees it. Both the JSON-RPC
// client and the remote REST adapters satisfy it.
type Connection interface {
	Name() string
	Start(ctx context.Context) error
	State() mcp.State
	Tools() []mcp.ToolDefinition
	Invoke(ctx context.Context, tool string, args map[string]any) (*mcp.ToolResult, error)
	Ping(ctx context.Context) error
	Stop() error
}

// Dialer constructs the connection variant a descriptor calls for.
// It must not perform I/O; the host calls Start separately.
type Dialer func(desc config.ServerDescriptor, logger *slog.Logger) (Connection, error)

// CallRecord describes one completed invocation.
type CallRecord struct {
	SessionID string
	Server    string
	Tool      string
	Args      map[string]any
	Started   time.Time
	Duration  time.Duration
	Err       error
}

// Recorder receives a CallRecord after every routed invocation,
// including routing misses.
type Recorder func(ctx context.Context, rec CallRecord)

// Option configures a Host.
type Option func(*Host)

// WithDialer replaces the default dialer.
func WithDialer(d Dialer) Option {
	return func(h *Host) { h.dial = d }
}

// WithRecorder installs an invocation recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Host) { h.record = r }
}

// WithStartTimeout bounds each server's Start.
func WithStartTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.startTimeout = d
		}
	}
}

// ServerStatus summarizes one registered server.
type ServerStatus struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	Tools       int    `json:"tools"`
}

type entry struct {
	conn Connection
	desc config.ServerDescriptor
}

// Host is the registry of tool server connections. Only the Host adds
// or removes entries; each Connection owns its transport.
type Host struct {
	logger       *slog.Logger
	dial         Dialer
	record       Recorder
	startTimeout time.Duration

	mu      sync.RWMutex
	servers map[string]*entry
	stopped bool
}

// New creates an empty Host.
func New(logger *slog.Logger, opts ...Option) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		logger:       logger,
		dial:         NewDialer(DialConfig{}),
		startTimeout: DefaultStartTimeout,
		servers:      make(map[string]*entry),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// normalize maps a server name to its registry key. Server names are
// case-insensitive; tool names are not.
func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// StartAll constructs and starts one connection per descriptor,
// concurrently. A server that fails to dial is absent from the
// registry; one that fails to start is registered in its Failed state
// so callers can tell "failed" from "not configured". Neither aborts
// the others. The returned error joins every per-server failure.
func (h *Host) StartAll(ctx context.Context, descs []config.ServerDescriptor) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return errors.New("host is stopped")
	}

	var pending []*entry
	var errs []error
	for _, d := range descs {
		key := normalize(d.Name)
		if key == "" {
			errs = append(errs, errors.New("server with empty name"))
			continue
		}
		if _, dup := h.servers[key]; dup {
			h.logger.Warn("duplicate mcp server ignored", "mcp_server", key)
			errs = append(errs, fmt.Errorf("server %s: duplicate name", key))
			continue
		}
		d.Name = key

		conn, err := h.dial(d, h.logger)
		if err != nil {
			h.logger.Error("mcp server not created", "mcp_server", key, "error", err)
			errs = append(errs, fmt.Errorf("server %s: %w", key, err))
			continue
		}
		e := &entry{conn: conn, desc: d}
		h.servers[key] = e
		pending = append(pending, e)
	}
	h.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
	)
	for _, e := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()

			startCtx, cancel := context.WithTimeout(ctx, h.startTimeout)
			defer cancel()

			start := time.Now()
			if err := e.conn.Start(startCtx); err != nil {
				h.logger.Error("mcp server failed to start",
					"mcp_server", e.desc.Name,
					"type", e.desc.Type,
					"error", err,
				)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("server %s: %w", e.desc.Name, err))
				errMu.Unlock()
				return
			}
			h.logger.Info("mcp server ready",
				"mcp_server", e.desc.Name,
				"type", e.desc.Type,
				"tools", len(e.conn.Tools()),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Get returns the connection registered under name.
func (h *Host) Get(name string) (Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.servers[normalize(name)]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Names returns the registered server names, sorted.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.servers))
	for name := range h.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke routes a tool call to the named server. It fails with
// [ErrUnknownServer] when no connection is registered under server.
func (h *Host) Invoke(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error) {
	key := normalize(server)
	start := time.Now()

	conn, ok := h.Get(key)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownServer, server)
		h.recordCall(ctx, key, tool, args, start, err)
		return nil, err
	}

	h.logger.Debug("routing tool call", "mcp_server", key, "tool", tool)
	result, err := conn.Invoke(ctx, tool, args)
	h.recordCall(ctx, key, tool, args, start, err)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", key, tool, err)
	}
	return result, nil
}

func (h *Host) recordCall(ctx context.Context, server, tool string, args map[string]any, start time.Time, err error) {
	if h.record == nil {
		return
	}
	h.record(ctx, CallRecord{
		SessionID: SessionID(ctx),
		Server:    server,
		Tool:      tool,
		Args:      args,
		Started:   start,
		Duration:  time.Since(start),
		Err:       err,
	})
}

// Catalog returns every registered server's tools. Servers with no
// tools (including failed ones) appear with an empty, non-nil slice.
func (h *Host) Catalog() map[string][]mcp.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]mcp.ToolDefinition, len(h.servers))
	for name, e := range h.servers {
		tools := e.conn.Tools()
		if tools == nil {
			tools = []mcp.ToolDefinition{}
		}
		out[name] = tools
	}
	return out
}

// Status reports every registered server, sorted by name.
func (h *Host) Status() []ServerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ServerStatus, 0, len(h.servers))
	for name, e := range h.servers {
		out = append(out, ServerStatus{
			Name:        name,
			Type:        e.desc.Type,
			Description: e.desc.Description,
			State:       e.conn.State().String(),
			Tools:       len(e.conn.Tools()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ping probes the named server.
func (h *Host) Ping(ctx context.Context, server string) error {
	conn, ok := h.Get(server)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	return conn.Ping(ctx)
}

// StopAll stops every connection concurrently. Idempotent: a second
// call does nothing.
func (h *Host) StopAll() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	entries := make([]*entry, 0, len(h.servers))
	for _, e := range h.servers {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.conn.Stop(); err != nil {
				h.logger.Warn("mcp server stop failed", "mcp_server", e.desc.Name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("server %s: %w", e.desc.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	h.logger.Info("mcp servers stopped", "count", len(entries))
	return errors.Join(errs...)
}

type sessionKey struct{}

// WithSessionID tags ctx with the conversation session that issues
// tool calls, for the call recorder.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session tag set by WithSessionID, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
