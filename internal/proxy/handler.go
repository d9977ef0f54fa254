package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync/atomic"
)

type routing struct {
	table   *Table
	proxies map[*Route]*httputil.ReverseProxy
}

// Handler forwards requests matching its table and passes everything else to
// next. The table can be replaced at runtime with SetTable.
type Handler struct {
	next      http.Handler
	logger    *slog.Logger
	metrics   *Metrics
	transport http.RoundTripper
	current   atomic.Pointer[routing]
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records traffic in m.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithTransport sets the round tripper used to reach backends.
func WithTransport(rt http.RoundTripper) Option {
	return func(h *Handler) { h.transport = rt }
}

// NewHandler creates a proxy handler over table. A nil next responds 404 to
// unmatched requests.
func NewHandler(table *Table, next http.Handler, logger *slog.Logger, opts ...Option) *Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{next: next, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	h.SetTable(table)
	return h
}

// SetTable atomically replaces the routes. In-flight requests finish on the
// routes they started with.
func (h *Handler) SetTable(t *Table) {
	rt := &routing{table: t, proxies: make(map[*Route]*httputil.ReverseProxy, t.Len())}
	for _, route := range t.Routes() {
		rt.proxies[route] = h.newReverseProxy(route)
	}
	h.current.Store(rt)
}

// Table returns the active routes.
func (h *Handler) Table() *Table {
	return h.current.Load().table
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := h.current.Load()
	route, ok := rt.table.Match(r.URL.Path)
	if !ok {
		h.next.ServeHTTP(w, r)
		return
	}

	if isUpgrade(r) {
		if !route.Rule.WS {
			h.logger.Warn("upgrade refused, websocket forwarding disabled for route",
				"route", route.Key, "path", r.URL.Path)
			http.Error(w, "WebSocket forwarding is not enabled for this route", http.StatusBadRequest)
			return
		}
		h.metrics.request(route.Key, "upgrade")
		h.metrics.upgradeStarted(route.Key)
		defer h.metrics.upgradeEnded(route.Key)
		h.logger.Debug("Proxying upgrade", "route", route.Key, "target", route.Rule.Target, "path", r.URL.Path)
	} else {
		h.metrics.request(route.Key, "http")
		h.logger.Debug("Proxying request", "route", route.Key, "target", route.Rule.Target, "path", r.URL.Path)
	}

	rt.proxies[route].ServeHTTP(w, r)
}

func (h *Handler) newReverseProxy(route *Route) *httputil.ReverseProxy {
	target := route.Target()
	changeOrigin := route.Rule.ChangeOrigin
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if !changeOrigin {
				pr.Out.Host = pr.In.Host
			}
		},
		Transport: h.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, http.ErrAbortHandler) {
				return
			}
			h.metrics.failure(route.Key)
			h.logger.Error("Proxy error", "route", route.Key, "target", route.Rule.Target, "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
}

// isUpgrade reports whether r asks to switch protocols.
func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}
