package health

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status is the reachability of a proxy backend.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

// Dialer abstracts *net.Dialer for testability.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Backend is the last probe result for one proxy route.
type Backend struct {
	Route       string     `json:"route"`
	Target      string     `json:"target"`
	Status      Status     `json:"status"`
	LatencyMs   *int64     `json:"latencyMs,omitempty"`
	Error       string     `json:"error,omitempty"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
	LastChange  *time.Time `json:"lastChange,omitempty"`
}

// Checker periodically dials every proxy target and remembers whether it
// accepted a TCP connection. It does not speak the backend's protocol.
type Checker struct {
	dialer   Dialer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	up       *prometheus.GaugeVec

	mu       sync.Mutex
	backends map[string]*Backend
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each dial. Default is 2s.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// WithRegisterer exports devserver_proxy_backend_up{route} to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Checker) {
		c.up = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devserver",
			Subsystem: "proxy",
			Name:      "backend_up",
			Help:      "Whether the proxy target accepted a connection on the last probe.",
		}, []string{"route"})
		reg.MustRegister(c.up)
	}
}

// NewChecker creates a backend checker. If dialer is nil a *net.Dialer is
// used; if logger is nil, a no-op logger is used.
func NewChecker(dialer Dialer, interval time.Duration, logger *slog.Logger, opts ...Option) *Checker {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Checker{
		dialer:   dialer,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger,
		backends: make(map[string]*Backend),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTargets replaces the probed routes. targets maps a proxy key to its
// target URL. Routes whose target is unchanged keep their last result.
func (c *Checker) SetTargets(targets map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for route, b := range c.backends {
		if target, ok := targets[route]; !ok || target != b.Target {
			delete(c.backends, route)
			if c.up != nil {
				c.up.DeleteLabelValues(route)
			}
		}
	}
	for route, target := range targets {
		if _, ok := c.backends[route]; !ok {
			c.backends[route] = &Backend{Route: route, Target: target, Status: StatusUnknown}
		}
	}
}

// Snapshot returns a copy of every backend, sorted by route.
func (c *Checker) Snapshot() []Backend {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Backend, 0, len(c.backends))
	for _, b := range c.backends {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Run performs an immediate check on start, then checks at the configured
// interval. It returns when ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every backend concurrently and waits for the results.
func (c *Checker) CheckAll(ctx context.Context) {
	backends := c.Snapshot()
	if len(backends) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(backends))
	for _, b := range backends {
		go func(b Backend) {
			defer wg.Done()
			res := c.probe(ctx, b.Target)
			c.apply(b.Route, b.Target, res)
		}(b)
	}
	wg.Wait()
}

type probeResult struct {
	status    Status
	latencyMs int64
	err       string
}

func (c *Checker) probe(ctx context.Context, target string) probeResult {
	addr, err := dialAddress(target)
	if err != nil {
		return probeResult{status: StatusDown, err: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return probeResult{status: StatusDown, latencyMs: latency, err: err.Error()}
	}
	conn.Close()
	return probeResult{status: StatusUp, latencyMs: latency}
}

// apply records res unless the route was removed or retargeted meanwhile.
func (c *Checker) apply(route, target string, res probeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.backends[route]
	if !ok || b.Target != target {
		return
	}

	now := time.Now()
	previous := b.Status
	b.Status = res.status
	b.LatencyMs = &res.latencyMs
	b.Error = res.err
	b.LastChecked = &now

	if c.up != nil {
		v := 0.0
		if res.status == StatusUp {
			v = 1
		}
		c.up.WithLabelValues(route).Set(v)
	}

	if res.status == previous {
		return
	}
	b.LastChange = &now
	if res.status == StatusDown {
		c.logger.Warn("proxy backend unreachable", "route", route, "target", target, "error", res.err)
	} else {
		c.logger.Info("proxy backend reachable", "route", route, "target", target, "latencyMs", res.latencyMs)
	}
}

// dialAddress turns a proxy target URL into host:port, filling in the
// scheme's default port.
func dialAddress(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
