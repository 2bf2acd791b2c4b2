// Package signaling is the relay's WebSocket surface. Each connection may
// register one identity; offers, answers and candidates addressed to an
// identity are forwarded to the connection currently holding it, stamped
// with the sender's identity. The relay keeps no call state.
//
// Nothing a client sends closes its connection. Malformed, unknown,
// oversized and rate-limited messages are dropped and counted, and messages
// for absent targets are dropped silently.
package signaling
