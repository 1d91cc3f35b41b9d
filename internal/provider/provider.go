// Package provider implements the server side of the tool protocol:
// a line-delimited JSON-RPC loop answering initialize, ping,
// tools/list, and tools/call over any reader/writer pair. The
// calculator, files, and research providers ship with it; `mcphost
// provider <name>` runs one over stdin/stdout.
package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/nugget/mcphost/internal/mcp"
)

// protocolVersion is the protocol version reported by initialize.
const protocolVersion = "2024-11-05"

// maxLineSize caps a single request line.
const maxLineSize = 16 << 20

// HandlerFunc executes one tool call. The returned text becomes the
// single text content item of the result; an error becomes a -32603
// error response.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool pairs a catalog entry with its handler.
type Tool struct {
	mcp.ToolDefinition
	Handler HandlerFunc
}

// Provider is a named set of tools served over the line protocol.
type Provider struct {
	name    string
	version string
	tools   []Tool
	index   map[string]int
	logger  *slog.Logger
}

// New creates a provider. Tool order is preserved in tools/list;
// a duplicate name replaces the earlier handler.
func New(name, version string, logger *slog.Logger, tools ...Tool) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		name:    name,
		version: version,
		index:   make(map[string]int, len(tools)),
		logger:  logger.With("provider", name),
	}
	for _, t := range tools {
		if i, ok := p.index[t.Name]; ok {
			p.tools[i] = t
			continue
		}
		p.index[t.Name] = len(p.tools)
		p.tools = append(p.tools, t)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Tools returns the catalog in declaration order.
func (p *Provider) Tools() []mcp.ToolDefinition {
	defs := make([]mcp.ToolDefinition, len(p.tools))
	for i, t := range p.tools {
		defs[i] = t.ToolDefinition
	}
	return defs
}

// Serve answers requests read from r until r is exhausted or ctx is
// done. Each response is written as one line and flushed immediately.
func (p *Provider) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	writer := bufio.NewWriter(w)

	p.logger.Info("provider serving", "tools", len(p.tools))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > maxLineSize {
			p.logger.Warn("dropping oversized request", "bytes", len(line))
			line = nil
		}
		if resp := p.Handle(ctx, line); resp != nil {
			if werr := writeLine(writer, resp); werr != nil {
				return fmt.Errorf("write response: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Info("provider input closed")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
	}
}

func writeLine(w *bufio.Writer, resp *Response) error {
	data, err := mcp.Encode(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// request is an incoming message. The id is kept raw so that string
// and numeric ids are echoed back exactly as the client sent them.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// hasID reports whether the request carries a non-null id.
func (r *request) hasID() bool {
	return len(r.ID) > 0 && string(r.ID) != "null"
}

// Response is a reply written by the provider. Its id is the request
// id verbatim, or null when the request could not be parsed.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, code int, msg string) *Response {
	if len(id) == 0 {
		id = nullID
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: &mcp.RPCError{Code: code, Message: msg}}
}

// Handle processes one request line and returns the response, or nil
// when no response is due (blank lines and notifications).
func (p *Provider) Handle(ctx context.Context, line []byte) *Response {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var msg request
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		p.logger.Debug("unparsable request", "error", err)
		return errorResponse(nil, mcp.CodeParseError, fmt.Sprintf("Parse error: %v", err))
	}

	if msg.Method == "" {
		if !msg.hasID() {
			return nil
		}
		return errorResponse(msg.ID, mcp.CodeInvalidRequest, "Invalid request: missing method")
	}

	// Notifications never get a response.
	if !msg.hasID() {
		p.logger.Debug("notification received", "method", msg.Method)
		return nil
	}

	var (
		result any
		rpcErr *mcp.RPCError
	)

	switch msg.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": mcp.ServerInfo{Name: p.name, Version: p.version},
		}
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = map[string]any{"tools": p.Tools()}
	case "tools/call":
		result, rpcErr = p.call(ctx, msg.Params)
	default:
		rpcErr = &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Unknown method: " + msg.Method}
	}

	if rpcErr != nil {
		return &Response{JSONRPC: "2.0", ID: msg.ID, Error: rpcErr}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(msg.ID, mcp.CodeInternalError, err.Error())
	}
	return &Response{JSONRPC: "2.0", ID: msg.ID, Result: data}
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (p *Provider) call(ctx context.Context, raw json.RawMessage) (any, *mcp.RPCError) {
	var params toolsCallParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: fmt.Sprintf("Invalid params: %v", err)}
		}
	}

	i, ok := p.index[params.Name]
	if !ok {
		return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Unknown tool: " + params.Name}
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	text, err := p.tools[i].Handler(ctx, params.Arguments)
	if err != nil {
		p.logger.Debug("tool execution failed", "tool", params.Name, "error", err)
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: "Tool execution error: " + err.Error()}
	}

	return map[string]any{
		"content": []mcp.ContentBlock{{Type: "text", Text: text}},
	}, nil
}

// Factory builds a provider from command-line arguments.
type Factory func(args []string, logger *slog.Logger) (*Provider, error)

var registry = map[string]Factory{
	"calculator": func(_ []string, logger *slog.Logger) (*Provider, error) {
		return Calculator(logger), nil
	},
	"files": func(args []string, logger *slog.Logger) (*Provider, error) {
		root := "."
		if len(args) > 0 {
			root = args[0]
		}
		return Files(root, logger)
	},
	"research": func(args []string, logger *slog.Logger) (*Provider, error) {
		var cfg ResearchConfig
		if len(args) > 0 {
			cfg.Dir = args[0]
		}
		if len(args) > 1 {
			cfg.BaseURL = args[1]
		}
		return Research(cfg, logger)
	},
}

// Names lists the built-in providers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup builds the named built-in provider.
func Lookup(name string, args []string, logger *slog.Logger) (*Provider, error) {
	f, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return f(args, logger)
}
