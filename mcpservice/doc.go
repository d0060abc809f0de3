// Package mcpservice describes what the server can do, independent of any
// session or transport: its identity, its tool catalog and its resource
// surface. The per-session protocol handler (internal/engine) consults a
// Server to answer list and call requests.
package mcpservice
