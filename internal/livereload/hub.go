// Package livereload tells connected browsers to refresh when project files
// change.
package livereload

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	ws "nhooyr.io/websocket"
)

// Path is where browsers connect.
const Path = "/@livereload"

//go:embed client.js
var clientScript []byte

// Message is sent to every client on change.
type Message struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

// Hub tracks live-reload clients and broadcasts to them.
type Hub struct {
	opts    Options
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	return &Hub{
		opts:    applyOptions(opts),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and holds the connection until the browser
// goes away or the hub closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true, // the dev server is reachable on any host name
	})
	if err != nil {
		h.opts.Logger.Warn("live-reload accept failed", "error", err)
		return
	}

	cl, ctx := newClient(r.Context(), c, h.opts)
	h.register(cl)
	defer h.unregister(cl)
	h.opts.Logger.Debug("live-reload client connected", "remote", r.RemoteAddr)

	if err := cl.write(ctx, mustMarshal(Message{Type: "connected"})); err != nil {
		cl.forceClose()
		return
	}

	<-ctx.Done()
	cl.forceClose()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends msg to every client and returns how many received it.
// Clients that fail the write are dropped.
func (h *Hub) Broadcast(ctx context.Context, msg Message) int {
	data := mustMarshal(msg)
	sent := 0
	for _, c := range h.snapshot() {
		if err := c.write(ctx, data); err != nil {
			h.opts.Logger.Debug("live-reload write failed, dropping client", "error", err)
			h.unregister(c)
			c.forceClose()
			continue
		}
		sent++
	}
	return sent
}

// CloseAll sends a going-away close frame to every client and waits for
// the closes to finish or ctx to expire.
func (h *Hub) CloseAll(ctx context.Context) {
	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}
	h.opts.Logger.Info("closing live-reload connections", slog.Int("count", len(clients)))

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			_ = c.close(ctx, ws.StatusGoingAway, "server shutting down")
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.opts.Logger.Warn("shutdown timeout reached, some live-reload connections may not have closed cleanly")
	}
}

// Snippet returns the script tag that connects a page to the hub. base is the
// server's public base path.
func Snippet(base string) []byte {
	if base == "" {
		base = "/"
	}
	endpoint := base + Path[1:]
	return fmt.Appendf(nil, "<script type=\"module\" data-endpoint=%q>%s</script>", endpoint, clientScript)
}

func mustMarshal(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("livereload: marshal %T: %v", msg, err))
	}
	return data
}
