// Mcphost is a local chat host that lets a language model call tools
// exposed by MCP tool servers.
//
// Tool servers are child processes speaking line-delimited JSON-RPC over
// stdin/stdout, or remote HTTP endpoints. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcphost chat                     Start an interactive chat session
//	mcphost ask <question>           Ask a single question
//	mcphost tools                    Start all servers and show their status
//	mcphost calls                    Show recent tool calls from the call log
//	mcphost provider <name> [args]   Serve a built-in tool provider on stdio
//	mcphost version                  Print version and build information
//	mcphost -o json tools            Output status as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/provider"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		cancel()
		os.Exit(1)
	}
}

// run is the real entry point. All OS-level dependencies are injected
// so the full lifecycle can be driven from tests. Logs go to stderr;
// stdout carries conversation text or, for the provider command, the
// JSON-RPC stream.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	// Parsed by hand: the flag package's globals get in the way of
	// calling run concurrently from tests.
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphost ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "calls":
		return runCalls(ctx, stdout, stderr, configPath, outputFmt)
	case "provider":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphost provider <%s> [args]", strings.Join(provider.Names(), "|"))
		}
		return runProvider(ctx, stdin, stdout, stderr, cmdArgs[0], cmdArgs[1:])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runProvider serves one built-in provider over stdin/stdout until the
// input closes or ctx is cancelled. Logging stays on stderr so the
// protocol stream is clean.
func runProvider(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args []string) error {
	level := slog.LevelWarn
	if v := os.Getenv("MCPHOST_PROVIDER_LOG"); v != "" {
		if l, err := config.ParseLogLevel(v); err == nil {
			level = l
		}
	}
	logger := config.NewLogger(stderr, level, "text")

	p, err := provider.Lookup(name, args, logger)
	if err != nil {
		return err
	}
	if err := p.Serve(ctx, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("provider %s: %w", name, err)
	}
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphost - chat with a local model that can call MCP tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat                     Start an interactive chat session")
	fmt.Fprintln(w, "  ask <question>           Ask a single question")
	fmt.Fprintln(w, "  tools                    Start all servers and show their status")
	fmt.Fprintln(w, "  calls                    Show recent tool calls")
	fmt.Fprintln(w, "  provider <name> [args]   Serve a built-in tool provider on stdio")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Built-in providers: %s\n", strings.Join(provider.Names(), ", "))
	return nil
}

// loadConfig locates and parses the configuration file. An explicit path
// must exist; with no explicit path and nothing in the search paths,
// the defaults (no servers) are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
