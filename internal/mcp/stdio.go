package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/mcphost/internal/config"
)

// DefaultStopGrace is how long a subprocess may take to exit after
// SIGTERM before it is killed.
const DefaultStopGrace = 5 * time.Second

// maxLineSize caps a single protocol line read from stdout.
const maxLineSize = 16 << 20

// StdioConfig configures a stdio transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current environment.
	Env []string

	// StopGrace bounds graceful shutdown. Zero means DefaultStopGrace.
	StopGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with a tool server running as a
// subprocess. A single reader goroutine owns stdout and hands complete
// lines to ReadLine, so a timed-out read never loses or splits a line
// and never kills the process.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	opened bool

	lines   chan []byte   // unbuffered; fed by readLoop
	readEnd chan struct{} // closed when readLoop exits
	readErr error         // set before readEnd is closed
	exited  chan struct{} // closed after cmd.Wait returns
	closed  chan struct{} // closed by Close
	once    sync.Once
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Open.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		lines:   make(chan []byte),
		readEnd: make(chan struct{}),
		exited:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Open launches the subprocess. Its lifetime is independent of ctx: it
// survives individual call timeouts and ends only on Close or when it
// exits on its own.
func (t *StdioTransport) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opened {
		return fmt.Errorf("%w: transport already opened", ErrConnect)
	}
	select {
	case <-t.closed:
		return fmt.Errorf("%w: transport closed", ErrConnect)
	default:
	}

	t.logger.Info("starting tool server subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: create stdin pipe: %w", ErrConnect, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: create stdout pipe: %w", ErrConnect, err)
	}

	// Stderr is diagnostics only, never protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("%w: create stderr pipe: %w", ErrConnect, err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("%w: start subprocess %s: %w", ErrConnect, t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.opened = true

	stderrDone := make(chan struct{})
	go t.drainStderr(stderr, stderrDone)
	go t.readLoop(stdout)
	go func() {
		// Wait closes the pipes, so it must run after both readers
		// have seen EOF.
		<-t.readEnd
		<-stderrDone
		err := cmd.Wait()
		t.logger.Debug("tool server subprocess exited", "pid", cmd.Process.Pid, "error", err)
		close(t.exited)
	}()

	t.logger.Info("tool server subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop splits stdout into lines and hands each to ReadLine.
func (t *StdioTransport) readLoop(r io.Reader) {
	defer close(t.readEnd)

	reader := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > maxLineSize {
			t.logger.Warn("dropping oversized line from tool server", "bytes", len(line))
			line = nil
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			select {
			case t.lines <- trimmed:
			case <-t.closed:
				t.readErr = errors.New("transport closed")
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.readErr = errors.New("subprocess closed stdout")
			} else {
				t.readErr = err
			}
			return
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

// WriteLine writes one line plus newline to the subprocess stdin. The
// pipe is unbuffered, so the line is delivered by the time Write returns.
func (t *StdioTransport) WriteLine(ctx context.Context, line []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.opened {
		return fmt.Errorf("%w: transport not opened", ErrTransport)
	}
	select {
	case <-t.closed:
		return fmt.Errorf("%w: transport closed", ErrTransport)
	case <-t.exited:
		return fmt.Errorf("%w: subprocess exited", ErrTransport)
	default:
	}

	t.logger.Log(ctx, config.LevelTrace, "tool server send", "line", string(line))

	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	if _, err := t.stdin.Write(buf); err != nil {
		return fmt.Errorf("%w: write to subprocess stdin: %w", ErrTransport, err)
	}
	return nil
}

// ReadLine returns the next non-blank stdout line.
func (t *StdioTransport) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case line := <-t.lines:
		t.logger.Log(ctx, config.LevelTrace, "tool server recv", "line", string(line))
		return line, nil
	case <-t.readEnd:
		return nil, fmt.Errorf("%w: %v", ErrTransport, t.readErr)
	case <-t.closed:
		return nil, fmt.Errorf("%w: transport closed", ErrTransport)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Close terminates the subprocess: stdin is closed and SIGTERM sent,
// then the process is killed if it has not exited within the grace
// period. Pending ReadLine calls return ErrTransport immediately.
func (t *StdioTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.stop()
	})
	return err
}

// stop ends the subprocess. Called once, from Close.
func (t *StdioTransport) stop() error {
	t.mu.Lock()
	cmd, stdin := t.cmd, t.stdin
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	t.logger.Info("stopping tool server subprocess", "pid", pid)

	if stdin != nil {
		stdin.Close()
	}
	// Signal fails once the process is gone and on platforms without
	// SIGTERM; the kill below covers both.
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-t.exited:
		return nil
	case <-time.After(t.config.StopGrace):
	}

	t.logger.Warn("tool server did not exit gracefully, killing", "pid", pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill subprocess %d: %w", pid, err)
	}

	select {
	case <-t.exited:
		return nil
	case <-time.After(t.config.StopGrace):
		// A grandchild may still hold stdout open; the process itself
		// is dead, so give up waiting for the pipe.
		return fmt.Errorf("subprocess %d killed but stdout still open", pid)
	}
}
