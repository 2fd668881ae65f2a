// Package ctxkey holds context key types shared across packages. It
// must stay dependency-free so both transport adapters and inspection
// components can import it without cycles.
package ctxkey

// LoggerKey keys the per-request enriched logger in a context. The
// transport adapter stores a logger carrying request_id and session_id
// fields under it; inspection components pull it back out so their log
// lines correlate with the request.
type LoggerKey struct{}

// SessionKey keys the session ID a transport assigned to the client
// connection. The proxy service stamps it onto every decoded message so
// call-graph, taint, and adaptive state stay per-session.
type SessionKey struct{}
