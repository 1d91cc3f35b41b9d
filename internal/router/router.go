// Package router turns model output into tool calls. A reply that is
// a use_tool directive is dispatched through the host, its result is
// normalized into prose, and the model is asked once more to narrate
// that result for the user.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/mcp"
)

// ActionUseTool is the only directive action.
const ActionUseTool = "use_tool"

// markerRe finds the use_tool marker. Whitespace around the colon
// varies between models.
var markerRe = regexp.MustCompile(`"action"\s*:\s*"use_tool"`)

// Invoker dispatches a tool call to a named server.
type Invoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error)
}

// Completer is the chat model.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Directive is a tool call emitted by the model.
type Directive struct {
	Action    string         `json:"action"`
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Router routes model directives to tool servers.
type Router struct {
	invoker Invoker
	logger  *slog.Logger
}

// New creates a Router that dispatches through invoker.
func New(invoker Invoker, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{invoker: invoker, logger: logger}
}

// IsDirective reports whether output looks like a tool-call directive:
// after trimming it starts with '{' and carries the use_tool marker.
func IsDirective(output string) bool {
	s := strings.TrimSpace(output)
	return strings.HasPrefix(s, "{") && markerRe.MatchString(s)
}

// Parse decodes the directive at the start of output. Trailing text
// after the JSON object is ignored.
func Parse(output string) (*Directive, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(output)))
	dec.UseNumber()

	var d Directive
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("parse directive: %w", err)
	}
	if d.Action != ActionUseTool {
		return nil, fmt.Errorf("parse directive: action %q", d.Action)
	}
	if strings.TrimSpace(d.Server) == "" || strings.TrimSpace(d.Tool) == "" {
		return nil, errors.New("parse directive: server and tool are required")
	}
	if d.Arguments == nil {
		d.Arguments = map[string]any{}
	}
	d.Server = strings.ToLower(strings.TrimSpace(d.Server))
	d.Tool = strings.TrimSpace(d.Tool)
	return &d, nil
}

// Route classifies output. A directive is executed and the normalized
// result text is returned with true. Anything else, including a
// directive that does not parse, is returned unchanged with false.
func (r *Router) Route(ctx context.Context, output string) (bool, string) {
	if !IsDirective(output) {
		return false, output
	}
	d, err := Parse(output)
	if err != nil {
		r.logger.Debug("directive rejected, treating as answer", "error", err)
		return false, output
	}

	r.logger.Info("calling tool",
		"mcp_server", d.Server,
		"tool", d.Tool,
		"args", d.Arguments,
	)
	result, err := r.invoker.Invoke(ctx, d.Server, d.Tool, d.Arguments)
	if err != nil {
		r.logger.Warn("tool call failed", "mcp_server", d.Server, "tool", d.Tool, "error", err)
		return true, FormatError(err)
	}
	return true, FormatResult(result)
}

// FollowUp is the user-role message that hands a tool result back to
// the model.
func FollowUp(resultText string) llm.Message {
	return llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Tool result: %s. Please provide a natural language response to the user based on this result.", resultText),
	}
}

// Respond completes one turn. messages is the prompt that produced
// output. When output is a directive, the tool runs and the model is
// asked to narrate the result; the narration is the reply. Otherwise
// output is the reply. usedTool reports which path was taken.
func (r *Router) Respond(ctx context.Context, c Completer, messages []llm.Message, output string) (reply string, usedTool bool, err error) {
	isCall, resultText := r.Route(ctx, output)
	if !isCall {
		return output, false, nil
	}

	followUp := make([]llm.Message, 0, len(messages)+2)
	followUp = append(followUp, messages...)
	followUp = append(followUp,
		llm.Message{Role: llm.RoleAssistant, Content: output},
		FollowUp(resultText),
	)

	reply, err = c.Complete(ctx, followUp)
	if err != nil {
		return "", true, fmt.Errorf("narrate tool result: %w", err)
	}
	return reply, true, nil
}

// FormatResult renders a successful tool result as prose. The first
// text content item is preferred; payloads outside the content-list
// convention are rendered as indented JSON.
func FormatResult(res *mcp.ToolResult) string {
	const prefix = "Tool executed successfully. Result: "
	if res == nil {
		return prefix + "null"
	}
	if len(res.Content) > 0 {
		if text := res.Text(); text != "" {
			return prefix + text
		}
		return prefix + compact(res.Raw)
	}
	if len(res.Raw) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, res.Raw, "", "  "); err == nil {
			return prefix + buf.String()
		}
		return prefix + string(res.Raw)
	}
	return prefix + "{}"
}

// FormatError renders a failed call as prose, preferring the
// provider's own message.
func FormatError(err error) string {
	msg := err.Error()
	if rpcErr, ok := mcp.IsRemote(err); ok && rpcErr.Message != "" {
		msg = rpcErr.Message
	}
	return "Tool call failed with error: " + msg
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
