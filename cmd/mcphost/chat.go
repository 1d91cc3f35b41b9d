package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/mcphost/internal/chat"
	"github.com/nugget/mcphost/internal/host"
	"github.com/nugget/mcphost/internal/mcp"
)

// runAsk answers a single question and exits.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, question string) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := a.newSession(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, sess.Send(ctx, question))
	return nil
}

// runChat is the interactive loop. Besides ordinary questions it
// understands quit/exit, tools, debug, and clear.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := a.newSession(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("chat session started", "session_id", sess.ID(), "model", a.cfg.Model.Name)

	fmt.Fprintln(stdout, "MCP chat is ready. Type 'quit' to exit.")
	fmt.Fprintln(stdout, "Commands: 'tools' lists tools, 'debug' shows server state, 'clear' resets history.")
	fmt.Fprintln(stdout)

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(stdout, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		input := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(input) {
		case "":
			continue
		case "quit", "exit":
			fmt.Fprintln(stdout, "Goodbye!")
			return nil
		case "tools":
			printCatalog(stdout, a.host.Catalog())
			continue
		case "debug":
			printDebug(stdout, sess, a.host.Status())
			continue
		case "clear":
			sess.Clear()
			fmt.Fprintln(stdout, "Conversation history cleared.")
			continue
		}

		fmt.Fprintf(stdout, "Bot: %s\n\n", sess.Send(ctx, input))
	}
}

func printCatalog(w io.Writer, catalog map[string][]mcp.ToolDefinition) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Available tools:")
	if len(catalog) == 0 {
		fmt.Fprintln(w, "  (no servers configured)")
	}
	for _, name := range sortedKeys(catalog) {
		fmt.Fprintf(w, "\n%s:\n", strings.ToUpper(name))
		tools := catalog[name]
		if len(tools) == 0 {
			fmt.Fprintln(w, "  - No tools available")
			continue
		}
		for _, t := range tools {
			fmt.Fprintf(w, "  - %s: %s\n", t.Name, t.Description)
		}
	}
	fmt.Fprintln(w)
}

func printDebug(w io.Writer, sess *chat.Session, status []host.ServerStatus) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Session: %s (%d turns in history)\n", sess.ID(), len(sess.History()))
	for _, s := range status {
		fmt.Fprintf(w, "Server %q: %s, %d tools\n", s.Name, s.State, s.Tools)
	}
	fmt.Fprintln(w)
}
