// Package streaminghttp exposes the vault protocol over plain HTTP. A single
// endpoint accepts POST for JSON-RPC exchanges, GET for a discovery document,
// and DELETE to close a session, with the session identifier carried in the
// Vault-Session-Id header.
//
// The package owns the session lifecycle: it decides per request whether an
// existing channel handles the call, whether a new session must be
// provisioned, whether the client must be told to initialize, and when idle
// or evicted sessions have their channel, handler and worker lane reclaimed.
package streaminghttp
