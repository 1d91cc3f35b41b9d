package mcp

import "errors"

// Error kinds returned by transports and clients. Wrapped errors are
// tested with errors.Is. Remote errors are returned as *RPCError.
var (
	// ErrConnect means the subprocess could not be spawned or the
	// remote session could not be established. Fatal for that server.
	ErrConnect = errors.New("connect failed")

	// ErrTimeout means no response arrived within the call budget.
	// The connection stays usable.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrTransport means the pipe or session closed underneath the
	// connection. The connection moves to Failed.
	ErrTransport = errors.New("transport closed")

	// ErrProtocol means a line could not be decoded as an envelope.
	// Such lines are dropped and never fail the connection.
	ErrProtocol = errors.New("protocol error")

	// ErrNotReady means the connection is not in the Ready state.
	ErrNotReady = errors.New("connection not ready")

	// ErrUnknownTool means the server does not offer the named tool.
	// An *RPCError with code -32601 also matches it.
	ErrUnknownTool = errors.New("unknown tool")
)
