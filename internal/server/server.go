package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rathix/chat-devserver/internal/config"
	"github.com/rathix/chat-devserver/internal/health"
	"github.com/rathix/chat-devserver/internal/livereload"
	"github.com/rathix/chat-devserver/internal/plugin"
	"github.com/rathix/chat-devserver/internal/proxy"
	"github.com/rathix/chat-devserver/internal/resolve"
)

const (
	healthPath  = "/__health"
	metricsPath = "/__metrics"

	shutdownTimeout = 10 * time.Second
	probeInterval   = 10 * time.Second
)

// Server is the development server: proxy rules first, then the live-reload
// endpoint and the project source tree under the base path.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	tlsConfig *tls.Config
	proxy     *proxy.Handler
	static    *StaticHandler
	hub       *livereload.Hub
	backends  *health.Checker
	handler   http.Handler
}

// Option configures a Server.
type Option func(*options)

type options struct {
	registry   *plugin.Registry
	tlsConfig  *tls.Config
	hub        *livereload.Hub
	filesystem fs.FS
	dialer     health.Dialer
}

// WithPluginRegistry replaces the built-in plugin registry.
func WithPluginRegistry(r *plugin.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithTLSConfig serves HTTPS with cfg.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithHub uses hub for live reload instead of creating one.
func WithHub(hub *livereload.Hub) Option {
	return func(o *options) { o.hub = hub }
}

// WithFS serves the project from filesystem instead of the directory at
// cfg.Root.
func WithFS(filesystem fs.FS) Option {
	return func(o *options) { o.filesystem = filesystem }
}

// WithDialer replaces the dialer used to probe proxy backends.
func WithDialer(d health.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// New builds the server for cfg. Plugins are instantiated here, so unknown
// plugin names fail before anything listens.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{registry: plugin.NewRegistry()}
	for _, opt := range opts {
		opt(&o)
	}

	plugins, err := o.registry.Build(cfg.Plugins)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}
	table, err := proxy.Compile(cfg.Server.Proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to compile proxy rules: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		tlsConfig: o.tlsConfig,
	}

	base := NormalizeBasePath(cfg.Base)
	var transform func([]byte) []byte
	if cfg.Server.LiveReload {
		s.hub = o.hub
		if s.hub == nil {
			s.hub = livereload.NewHub(livereload.WithLogger(logger))
		}
		snippet := livereload.Snippet(base)
		transform = func(html []byte) []byte {
			return plugin.InjectBody(html, snippet)
		}
	}
	if o.filesystem == nil {
		o.filesystem = os.DirFS(cfg.Root)
	}
	s.static = NewStaticHandler(cfg.Root, o.filesystem, resolve.New(cfg.Resolve.Alias), plugin.Chain(plugins), transform)

	app := chi.NewRouter()

	var metrics *proxy.Metrics
	var probeOpts []health.Option
	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = proxy.NewMetrics(reg)
		probeOpts = append(probeOpts, health.WithRegisterer(reg))
		app.Method(http.MethodGet, metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	s.backends = health.NewChecker(o.dialer, probeInterval, logger, probeOpts...)
	s.backends.SetTargets(proxyTargets(cfg.Server.Proxy))
	app.Get(healthPath, s.serveHealth)

	var site http.Handler = s.static
	if s.hub != nil {
		site = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == livereload.Path {
				s.hub.ServeHTTP(w, r)
				return
			}
			s.static.ServeHTTP(w, r)
		})
	}
	app.Handle("/*", NewBasePathHandler(base, site))

	s.proxy = proxy.NewHandler(table, app, logger, proxy.WithMetrics(metrics))

	root := chi.NewRouter()
	root.Use(middleware.Recoverer)
	root.Use(middleware.RequestID)
	root.Use(s.requestLogger)
	// Before proxy dispatch: proxied routes answer preflights too.
	if cfg.Server.CORS {
		root.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}
	root.Handle("/*", s.proxy)
	s.handler = root

	return s, nil
}

// Handler returns the complete request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the live-reload hub, or nil when live reload is off.
func (s *Server) Hub() *livereload.Hub {
	return s.hub
}

// Reload applies the parts of cfg that can change without rebinding: proxy
// rules and aliases. It reports whether a restart is needed for the rest.
func (s *Server) Reload(cfg *config.Config) (restartNeeded bool, err error) {
	table, err := proxy.Compile(cfg.Server.Proxy)
	if err != nil {
		return false, fmt.Errorf("failed to compile proxy rules: %w", err)
	}
	s.proxy.SetTable(table)
	s.static.SetResolver(resolve.New(cfg.Resolve.Alias))
	s.backends.SetTargets(proxyTargets(cfg.Server.Proxy))

	old := s.cfg.Server
	restartNeeded = old.Host != cfg.Server.Host ||
		old.Port != cfg.Server.Port ||
		old.HTTPS != cfg.Server.HTTPS ||
		old.CORS != cfg.Server.CORS ||
		old.LiveReload != cfg.Server.LiveReload ||
		old.Metrics != cfg.Server.Metrics ||
		s.cfg.Root != cfg.Root ||
		s.cfg.Base != cfg.Base ||
		!samePlugins(s.cfg.Plugins, cfg.Plugins)
	return restartNeeded, nil
}

func proxyTargets(rules map[string]config.ProxyRule) map[string]string {
	targets := make(map[string]string, len(rules))
	for key, rule := range rules {
		targets[key] = rule.Target
	}
	return targets
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Status   string           `json:"status"`
		Backends []health.Backend `json:"backends"`
	}{Status: "ok", Backends: s.backends.Snapshot()})
}

func samePlugins(a, b []config.PluginRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || len(a[i].Options) != len(b[i].Options) {
			return false
		}
		for k, v := range a[i].Options {
			if b[i].Options[k] != v {
				return false
			}
		}
	}
	return true
}

// Listen binds the configured host and port.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	addr := s.cfg.Server.Addr()
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// Run binds and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes
// live-reload clients and drains in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	serveCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	go s.backends.Run(serveCtx)
	if s.hub != nil {
		go func() {
			if err := s.hub.Watch(serveCtx, s.cfg.Root); err != nil {
				s.logger.Warn("live reload disabled: cannot watch project root", "root", s.cfg.Root, "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tlsConfig != nil {
			s.logger.Info("Listening (HTTPS)", "addr", ln.Addr().String())
			err = srv.ServeTLS(ln, "", "")
		} else {
			s.logger.Info("Listening (HTTP)", "addr", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.hub != nil {
			s.hub.CloseAll(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		s.logger.Info("Server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// requestLogger logs each request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
