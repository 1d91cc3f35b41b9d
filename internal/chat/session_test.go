package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/host"
	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/router"
)

type staticCatalog map[string][]mcp.ToolDefinition

func (c staticCatalog) Catalog() map[string][]mcp.ToolDefinition { return c }

// scriptedModel replies from a queue and records every prompt.
type scriptedModel struct {
	replies []string
	errs    []error
	prompts [][]llm.Message
}

func (m *scriptedModel) Complete(_ context.Context, messages []llm.Message) (string, error) {
	m.prompts = append(m.prompts, append([]llm.Message(nil), messages...))
	i := len(m.prompts) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if i >= len(m.replies) {
		return "", errors.New("no reply scripted")
	}
	return m.replies[i], nil
}

func (m *scriptedModel) Ping(context.Context) error { return nil }

// sessionInvoker captures the session tag seen by the tool call.
type sessionInvoker struct {
	sessionID string
	result    *mcp.ToolResult
	err       error
}

func (s *sessionInvoker) Invoke(ctx context.Context, _, _ string, _ map[string]any) (*mcp.ToolResult, error) {
	s.sessionID = host.SessionID(ctx)
	return s.result, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func calcCatalog() staticCatalog {
	return staticCatalog{
		"calculator": {
			{
				Name:        "add",
				Description: "Add two numbers",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"a": map[string]any{"type": "number"},
						"b": map[string]any{"type": "number"},
					},
					"required": []any{"a", "b"},
				},
			},
		},
		"empty": {},
	}
}

func newTestSession(t *testing.T, model *scriptedModel, inv router.Invoker, opts ...Option) *Session {
	t.Helper()
	s, err := NewSession(model, calcCatalog(), router.New(inv, quietLogger()), quietLogger(), opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSend_PlainAnswer(t *testing.T) {
	model := &scriptedModel{replies: []string{"The capital of France is Paris."}}
	s := newTestSession(t, model, &sessionInvoker{})

	reply := s.Send(context.Background(), "What is the capital of France?")
	if reply != "The capital of France is Paris." {
		t.Errorf("reply = %q", reply)
	}

	if len(model.prompts) != 1 {
		t.Fatalf("model called %d times", len(model.prompts))
	}
	prompt := model.prompts[0]
	if prompt[0].Role != llm.RoleSystem || !strings.Contains(prompt[0].Content, "CALCULATOR SERVER") {
		t.Errorf("system prompt = %+v", prompt[0])
	}

	hist := s.History()
	if len(hist) != 2 || hist[0].Role != llm.RoleUser || hist[1].Role != llm.RoleAssistant {
		t.Errorf("history = %+v", hist)
	}
}

func TestSend_ToolTurn(t *testing.T) {
	inv := &sessionInvoker{result: &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "7"}}}}
	model := &scriptedModel{replies: []string{
		`{"action": "use_tool", "server": "calculator", "tool": "add", "arguments": {"a": 3, "b": 4}}`,
		"3 plus 4 is 7.",
	}}
	s := newTestSession(t, model, inv)

	reply := s.Send(context.Background(), "add 3 and 4")
	if reply != "3 plus 4 is 7." {
		t.Errorf("reply = %q", reply)
	}
	if inv.sessionID != s.ID() {
		t.Errorf("tool call session = %q, want %q", inv.sessionID, s.ID())
	}

	// Only the narration is kept; the directive and tool result are not.
	hist := s.History()
	if len(hist) != 2 || hist[1].Content != "3 plus 4 is 7." {
		t.Errorf("history = %+v", hist)
	}
}

func TestSend_ToolFailureIsNarrated(t *testing.T) {
	inv := &sessionInvoker{err: &mcp.RPCError{Code: mcp.CodeInternalError, Message: "Tool execution error: cannot divide by zero"}}
	model := &scriptedModel{replies: []string{
		`{"action": "use_tool", "server": "calculator", "tool": "divide", "arguments": {"a": 1, "b": 0}}`,
		"You cannot divide by zero.",
	}}
	s := newTestSession(t, model, inv)

	reply := s.Send(context.Background(), "divide 1 by 0")
	if reply != "You cannot divide by zero." {
		t.Errorf("reply = %q", reply)
	}
	followUp := model.prompts[1][len(model.prompts[1])-1]
	if !strings.Contains(followUp.Content, "Tool call failed with error: Tool execution error: cannot divide by zero") {
		t.Errorf("follow-up = %q", followUp.Content)
	}
}

func TestSend_ModelFailureApologizes(t *testing.T) {
	model := &scriptedModel{errs: []error{errors.New("connection refused")}}
	s := newTestSession(t, model, &sessionInvoker{})

	reply := s.Send(context.Background(), "hello")
	if reply != "Sorry, I encountered an error: connection refused" {
		t.Errorf("reply = %q", reply)
	}
}

func TestSend_NarrationFailureApologizes(t *testing.T) {
	inv := &sessionInvoker{result: &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "7"}}}}
	model := &scriptedModel{
		replies: []string{`{"action": "use_tool", "server": "calculator", "tool": "add", "arguments": {}}`},
		errs:    []error{nil, errors.New("model crashed")},
	}
	s := newTestSession(t, model, inv)

	reply := s.Send(context.Background(), "add")
	if !strings.HasPrefix(reply, "Sorry, I encountered an error: ") || !strings.Contains(reply, "model crashed") {
		t.Errorf("reply = %q", reply)
	}
}

func TestSend_HistoryWindow(t *testing.T) {
	model := &scriptedModel{replies: []string{"one", "two", "three"}}
	s := newTestSession(t, model, &sessionInvoker{}, WithHistoryWindow(3))

	for _, q := range []string{"q1", "q2", "q3"} {
		s.Send(context.Background(), q)
	}

	hist := s.History()
	if len(hist) != 3 {
		t.Fatalf("history has %d turns, want 3", len(hist))
	}
	if hist[0].Content != "two" || hist[2].Content != "three" {
		t.Errorf("history = %+v", hist)
	}
	// The third prompt is system + window.
	if n := len(model.prompts[2]); n != 4 {
		t.Errorf("third prompt has %d messages, want 4", n)
	}
}

func TestClear(t *testing.T) {
	model := &scriptedModel{replies: []string{"hi"}}
	s := newTestSession(t, model, &sessionInvoker{})
	s.Send(context.Background(), "hello")
	s.Clear()
	if n := len(s.History()); n != 0 {
		t.Errorf("history after Clear = %d turns", n)
	}
}

func TestSessionID(t *testing.T) {
	s := newTestSession(t, &scriptedModel{}, &sessionInvoker{})
	id, err := uuid.Parse(s.ID())
	if err != nil {
		t.Fatalf("ID %q is not a UUID: %v", s.ID(), err)
	}
	if id.Version() != 7 {
		t.Errorf("UUID version = %d, want 7", id.Version())
	}
}
