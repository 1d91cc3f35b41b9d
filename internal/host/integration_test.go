package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/provider"
)

const helperEnv = "MCPHOST_HOST_TEST_PROVIDER"

// TestMain lets the test binary serve a provider when re-executed
// with helperEnv set.
func TestMain(m *testing.M) {
	name := os.Getenv(helperEnv)
	if name == "" {
		os.Exit(m.Run())
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p, err := provider.Lookup(name, os.Args[2:], logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := p.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func helperServer(name string, args ...string) config.ServerDescriptor {
	return config.ServerDescriptor{
		Name:    name,
		Type:    config.ServerLocal,
		Command: os.Args[0],
		Args:    append([]string{"-test.run=^$"}, args...),
		Env:     []string{helperEnv + "=" + name},
	}
}

func TestHost_RealProviders(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}

	root := t.TempDir()
	h := New(quietLogger(),
		WithDialer(NewDialer(DialConfig{CallTimeout: 5 * time.Second, StopGrace: time.Second})),
		WithStartTimeout(10*time.Second),
	)
	t.Cleanup(func() { h.StopAll() })

	missing := config.ServerDescriptor{Name: "missing", Type: config.ServerLocal, Command: "/nonexistent/tool-server"}
	err := h.StartAll(context.Background(), []config.ServerDescriptor{
		helperServer("calculator"),
		helperServer("files", root),
		missing,
	})
	if !errors.Is(err, mcp.ErrConnect) {
		t.Errorf("StartAll = %v, want the missing server's ErrConnect", err)
	}

	cat := h.Catalog()
	if len(cat["calculator"]) != 6 {
		t.Errorf("calculator tools = %d, want 6", len(cat["calculator"]))
	}
	if len(cat["files"]) != 4 {
		t.Errorf("files tools = %d, want 4", len(cat["files"]))
	}
	if tools, ok := cat["missing"]; !ok || len(tools) != 0 {
		t.Errorf("missing server catalog = %v, %v", tools, ok)
	}

	ctx := context.Background()
	result, err := h.Invoke(ctx, "Calculator", "add", map[string]any{"a": 3, "b": 4})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if result.Text() != "7" {
		t.Errorf("add = %q, want 7", result.Text())
	}

	if _, err := h.Invoke(ctx, "files", "write_file", map[string]any{"filename": "note.txt", "content": "hello"}); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	data, err := os.ReadFile(root + "/note.txt")
	if err != nil || string(data) != "hello" {
		t.Errorf("note.txt = %q, %v", data, err)
	}

	_, err = h.Invoke(ctx, "calculator", "divide", map[string]any{"a": 1, "b": 0})
	rpcErr, ok := mcp.IsRemote(err)
	if !ok || rpcErr.Code != mcp.CodeInternalError || !strings.Contains(rpcErr.Message, "divide by zero") {
		t.Errorf("divide by zero = %v", err)
	}

	if err := h.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, s := range h.Status() {
		if s.Name != "missing" && s.State != "stopped" {
			t.Errorf("%s State = %s after StopAll", s.Name, s.State)
		}
	}
}
