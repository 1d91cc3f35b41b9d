package mcp

import "context"

// Transport is a line-oriented channel to one tool server. Each line is
// one JSON-RPC envelope without the trailing newline. A Transport is
// exclusively owned by one Client.
type Transport interface {
	// Open establishes the channel: spawns the subprocess or prepares
	// the HTTP session. Failures wrap ErrConnect.
	Open(ctx context.Context) error

	// WriteLine sends one envelope. Fails with ErrTransport once the
	// channel is closed.
	WriteLine(ctx context.Context, line []byte) error

	// ReadLine blocks for the next line until ctx is done. A missed
	// deadline wraps ErrTimeout; end of stream or Close wraps
	// ErrTransport.
	ReadLine(ctx context.Context) ([]byte, error)

	// Close releases the channel. For subprocesses this requests a
	// graceful exit and kills the process after a grace period. Close
	// is idempotent and unblocks any pending ReadLine.
	Close() error
}
