// Package mcp implements the host side of the line-delimited JSON-RPC
// tool protocol: the envelope codec, the transports that carry it
// (subprocess stdio and HTTP POST), and Client, one stateful connection
// to a tool server.
//
// A Client moves through Uninitialized, Initializing, Ready, and then
// either Failed or Stopped. The handshake is initialize followed by the
// notifications/initialized notification and a tools/list catalog query.
// Requests are issued strictly one at a time per Client, so a response is
// correlated by matching its id against the single outstanding request.
//
// This package covers the client side only. Package provider implements
// the server side for the bundled tool providers.
package mcp
