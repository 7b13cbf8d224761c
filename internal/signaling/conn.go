/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
)

// writeTimeout bounds a single outbound control message.
const writeTimeout = 10 * time.Second

// conn wraps a WebSocket so control messages are serialized and liveness is
// observable by the room registry.
type conn struct {
	ws  *ws.Conn
	ctx context.Context

	mu     sync.Mutex
	closed bool
}

func newConn(ctx context.Context, wsConn *ws.Conn) *conn {
	return &conn{ws: wsConn, ctx: ctx}
}

// Open reports whether the connection can still carry messages.
func (c *conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send marshals v and writes it as one text frame. A failed write marks the
// connection closed.
func (c *conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return context.Canceled
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, ws.MessageText, data); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// markClosed flips the open flag without touching the socket; the read loop
// owns the actual close.
func (c *conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
