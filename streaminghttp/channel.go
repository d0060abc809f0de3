package streaminghttp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vaultmcp/vault-server-go/internal/engine"
	"github.com/vaultmcp/vault-server-go/internal/jsonrpc"
)

// Channel is the stateful duplex binding between one session and its
// protocol handler. It turns repeated HTTP request/response pairs into one
// ongoing protocol conversation. At most one live Channel exists per session
// identifier; the router closes the old one before binding a replacement.
type Channel struct {
	sessionID string
	handler   *engine.Handler

	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

func newChannel(sessionID string, handler *engine.Handler) *Channel {
	return &Channel{sessionID: sessionID, handler: handler}
}

// SessionID returns the identifier this channel is bound to.
func (c *Channel) SessionID() string { return c.sessionID }

// Handler returns the protocol handler on the other end of the channel.
func (c *Channel) Handler() *engine.Handler { return c.handler }

// Dispatch routes one decoded request through the channel's handler and
// always yields a response. A closed channel answers with the no-transport
// error instead of reaching a handler that may already be torn down.
func (c *Channel) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if c.closed.Load() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNoActiveTransport,
			"no active transport for session, initialize and retry",
			map[string]string{"sessionId": c.sessionID})
	}
	return c.handler.HandleRequest(ctx, req)
}

// DispatchNotification routes a notification. Closed channels drop it.
func (c *Channel) DispatchNotification(ctx context.Context, note *jsonrpc.Request) {
	if c.closed.Load() {
		return
	}
	c.handler.HandleNotification(ctx, note)
}

// Close tears the channel down. It is idempotent: the close notification
// reaches the transport registry exactly once no matter how many cleanup
// paths race to call it.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}
