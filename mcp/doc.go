// Package mcp defines the wire-level types for the subset of the Model
// Context Protocol spoken by the vault server: the initialize handshake,
// ping, tool listing and invocation, and resource reads.
//
// The types here are deliberately plain data. Dispatch, session state and
// transport concerns live elsewhere (internal/engine, streaminghttp).
package mcp
