package mcp_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/provider"
)

// TestMain lets the test binary double as a tool server: when
// HelperProcessEnv is set it runs the selected behavior over
// stdin/stdout instead of the tests.
func TestMain(m *testing.M) {
	mode := os.Getenv(mcp.HelperProcessEnv)
	if mode == "" {
		os.Exit(m.Run())
	}
	os.Exit(runHelper(mode))
}

func runHelper(mode string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	switch mode {
	case "echo", "noisy-echo":
		if mode == "noisy-echo" {
			fmt.Fprintln(os.Stderr, "helper: starting up, this is not protocol")
		}
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fmt.Fprintln(os.Stdout, scanner.Text())
		}
		return 0

	case "exit":
		return 3

	case "stall":
		signal.Ignore(syscall.SIGTERM)
		io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Hour)
		return 0

	case "calculator":
		if err := provider.Calculator(logger).Serve(ctx, os.Stdin, os.Stdout); err != nil {
			return 1
		}
		return 0

	case "chatty-calculator":
		// Diagnostics on stdout before the protocol starts.
		fmt.Fprintln(os.Stdout, "calculator server v1 listening on stdio")
		fmt.Fprintln(os.Stdout, "")
		if err := provider.Calculator(logger).Serve(ctx, os.Stdin, os.Stdout); err != nil {
			return 1
		}
		return 0

	case "sleepy":
		p := provider.New("sleepy", "0.0.1", logger, provider.Tool{
			ToolDefinition: mcp.ToolDefinition{Name: "sleep", Description: "Never returns"},
			Handler: func(context.Context, map[string]any) (string, error) {
				time.Sleep(time.Hour)
				return "", nil
			},
		})
		if err := p.Serve(ctx, os.Stdin, os.Stdout); err != nil {
			return 1
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
		return 2
	}
}

func startHelper(t *testing.T, mode string, opts ...mcp.Option) *mcp.Client {
	t.Helper()
	tr := mcp.NewStdioTransport(mcp.StdioConfig{
		Command:   os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       []string{mcp.HelperProcessEnv + "=" + mode},
		StopGrace: time.Second,
	})
	c := mcp.NewClient(mode, tr, nil, opts...)
	t.Cleanup(func() { c.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start(%s): %v", mode, err)
	}
	return c
}

func TestCalculatorOverStdio(t *testing.T) {
	c := startHelper(t, "calculator")

	if c.State() != mcp.StateReady {
		t.Fatalf("State = %v, want ready", c.State())
	}
	if n := len(c.Tools()); n != 6 {
		t.Errorf("catalog has %d tools, want 6", n)
	}

	ctx := context.Background()

	result, err := c.Invoke(ctx, "add", map[string]any{"a": 3, "b": 4})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if result.Text() != "7" {
		t.Errorf("add(3, 4) = %q, want %q", result.Text(), "7")
	}

	_, err = c.Invoke(ctx, "divide", map[string]any{"a": 1, "b": 0})
	rpcErr, ok := mcp.IsRemote(err)
	if !ok {
		t.Fatalf("divide by zero = %v, want remote error", err)
	}
	if rpcErr.Code != mcp.CodeInternalError || !strings.Contains(rpcErr.Message, "divide by zero") {
		t.Errorf("divide by zero = %d %q", rpcErr.Code, rpcErr.Message)
	}

	_, err = c.Invoke(ctx, "nonexistent", map[string]any{})
	if !errors.Is(err, mcp.ErrUnknownTool) {
		t.Errorf("nonexistent tool = %v, want ErrUnknownTool", err)
	}

	if c.State() != mcp.StateReady {
		t.Errorf("State = %v after per-call errors, want ready", c.State())
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestDiagnosticStdoutTolerated(t *testing.T) {
	c := startHelper(t, "chatty-calculator")

	result, err := c.Invoke(context.Background(), "multiply", map[string]any{"a": 6, "b": 7})
	if err != nil {
		t.Fatalf("multiply: %v", err)
	}
	if result.Text() != "42" {
		t.Errorf("multiply = %q, want 42", result.Text())
	}
}

func TestStopTwiceOverStdio(t *testing.T) {
	c := startHelper(t, "calculator")

	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if c.State() != mcp.StateStopped {
		t.Errorf("State = %v, want stopped", c.State())
	}
}

func TestStopDuringOutstandingCall(t *testing.T) {
	c := startHelper(t, "sleepy", mcp.WithCallTimeout(time.Minute))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "sleep", nil)
		errc <- err
	}()

	time.Sleep(100 * time.Millisecond)
	c.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, mcp.ErrTransport) {
			t.Errorf("outstanding Invoke = %v, want ErrTransport", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding Invoke hung after Stop")
	}
}

func TestHandshakeFailsWhenServerExits(t *testing.T) {
	tr := mcp.NewStdioTransport(mcp.StdioConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{mcp.HelperProcessEnv + "=exit"},
	})
	c := mcp.NewClient("exit", tr, nil, mcp.WithCallTimeout(5*time.Second))
	t.Cleanup(func() { c.Stop() })

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded against an exiting server")
	}
	if c.State() != mcp.StateFailed {
		t.Errorf("State = %v, want failed", c.State())
	}
	if len(c.Tools()) != 0 {
		t.Error("failed connection has tools")
	}
}

func TestSpawnFailure(t *testing.T) {
	tr := mcp.NewStdioTransport(mcp.StdioConfig{Command: "/nonexistent/tool-server"})
	c := mcp.NewClient("ghost", tr, nil)

	err := c.Start(context.Background())
	if !errors.Is(err, mcp.ErrConnect) {
		t.Errorf("Start = %v, want ErrConnect", err)
	}
	if c.State() != mcp.StateFailed {
		t.Errorf("State = %v, want failed", c.State())
	}
}
