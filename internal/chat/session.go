// Package chat runs the conversation loop: a bounded history, a system
// prompt built from the host catalog, and the two-step tool flow
// through the router.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/host"
	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/router"
)

// DefaultHistoryWindow is how many turns are kept and sent.
const DefaultHistoryWindow = 10

// Cataloger supplies the current tool catalog.
type Cataloger interface {
	Catalog() map[string][]mcp.ToolDefinition
}

// Option configures a Session.
type Option func(*Session)

// WithHistoryWindow bounds the retained history.
func WithHistoryWindow(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.window = n
		}
	}
}

// Session is one conversation. Send is safe for concurrent use but
// turns are processed one at a time.
type Session struct {
	id      string
	model   llm.Client
	catalog Cataloger
	router  *router.Router
	window  int
	logger  *slog.Logger

	mu      sync.Mutex
	history []llm.Message
}

// NewSession creates a session with a fresh UUIDv7 identifier.
func NewSession(model llm.Client, catalog Cataloger, r *router.Router, logger *slog.Logger, opts ...Option) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:      id.String(),
		model:   model,
		catalog: catalog,
		router:  r,
		window:  DefaultHistoryWindow,
		logger:  logger.With("session_id", id.String()),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// History returns a copy of the retained turns.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// Clear drops the conversation history.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// SystemPrompt returns the prompt the next turn will use.
func (s *Session) SystemPrompt() string {
	return SystemPrompt(s.catalog.Catalog())
}

// Send processes one user turn and always returns reply text: model
// and tool failures become an apology rather than an error.
func (s *Session) Send(ctx context.Context, input string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = host.WithSessionID(ctx, s.id)

	s.appendTurn(llm.Message{Role: llm.RoleUser, Content: input})

	messages := make([]llm.Message, 0, len(s.history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: s.SystemPrompt()})
	messages = append(messages, s.history...)

	output, err := s.model.Complete(ctx, messages)
	if err != nil {
		s.logger.Error("model completion failed", "error", err)
		return apology(err)
	}

	reply, usedTool, err := s.router.Respond(ctx, s.model, messages, output)
	if err != nil {
		s.logger.Error("tool turn failed", "error", err)
		return apology(err)
	}
	s.logger.Debug("turn complete", "used_tool", usedTool)

	s.appendTurn(llm.Message{Role: llm.RoleAssistant, Content: reply})
	return reply
}

// appendTurn adds m and trims to the window. Caller holds mu.
func (s *Session) appendTurn(m llm.Message) {
	s.history = append(s.history, m)
	if over := len(s.history) - s.window; over > 0 {
		s.history = append([]llm.Message(nil), s.history[over:]...)
	}
}

func apology(err error) string {
	return fmt.Sprintf("Sorry, I encountered an error: %v", err)
}
