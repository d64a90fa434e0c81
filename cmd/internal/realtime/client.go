package realtime

import (
	"sync"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/wire"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server so concurrent producers cannot panic;
// done signals goroutines to stop and Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	// Identity, set once by hello before any subscription exists.
	Role        chat.Role
	PlayerID    int64
	StaffID     string
	DisplayName string
	Convention  wire.Convention

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:  sessionID,
		Send:       make(chan v1.Envelope, sendQueueSize),
		Convention: wire.Camel,
		done:       make(chan struct{}),
	}
}

// Identified reports whether hello completed.
func (c *Client) Identified() bool { return c.Role != "" }

// Channels returns the bus channels this client listens on.
func (c *Client) Channels() []string {
	switch c.Role {
	case chat.RolePlayer:
		return []string{chat.PlayerChannel(c.PlayerID)}
	case chat.RoleStaff:
		return []string{chat.BroadcastChannel}
	default:
		return nil
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
