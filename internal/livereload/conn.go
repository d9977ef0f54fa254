package livereload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
)

// client is one connected browser tab. A background goroutine pings the
// peer; the read side is handled by CloseRead so pongs are processed.
type client struct {
	conn   *ws.Conn
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

func newClient(ctx context.Context, c *ws.Conn, opts Options) (*client, context.Context) {
	ctx, cancel := context.WithCancel(c.CloseRead(ctx))
	cl := &client{
		conn:   c,
		opts:   opts,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go cl.pingLoop(ctx)
	return cl, ctx
}

func (c *client) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, data)
}

// close sends a close frame. Calls after the first are no-ops.
func (c *client) close(ctx context.Context, code ws.StatusCode, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return c.conn.Close(code, reason)
}

// forceClose drops the connection without a close handshake.
func (c *client) forceClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.conn.CloseNow()
}

func (c *client) pingLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.PongTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.opts.Logger.Debug("live-reload client missed pong, dropping", slog.String("error", err.Error()))
				c.conn.CloseNow()
				return
			}
		}
	}
}
