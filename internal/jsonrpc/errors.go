package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Server-reserved error codes (-32000 to -32099) surfaced by the session
// lifecycle core. Clients use these to distinguish "retry with a handshake"
// from "retry later" from "our fault".
const (
	// ErrorCodeNoActiveTransport means no channel could be obtained for the
	// request at all. Defensive fallback; the client should initialize and retry.
	ErrorCodeNoActiveTransport ErrorCode = -32001
	// ErrorCodeNotInitialized means the server has no initialized channel for
	// the session and needs an explicit initialize call bearing the session id.
	ErrorCodeNotInitialized ErrorCode = -32002
	// ErrorCodeWorkerTimeout means a queued unit of work expired before a
	// worker completed it.
	ErrorCodeWorkerTimeout ErrorCode = -32003
	// ErrorCodeCapacityExceeded means the worker pool rejected the unit of
	// work because its queue is full. The client may retry later.
	ErrorCodeCapacityExceeded ErrorCode = -32004
)
