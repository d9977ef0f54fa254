package livereload

import (
	"log/slog"
	"time"
)

// DefaultPingInterval is the default interval between server-sent pings.
const DefaultPingInterval = 15 * time.Second

// DefaultPongTimeout is the maximum time to wait for a pong reply.
const DefaultPongTimeout = 10 * time.Second

// DefaultDebounce collapses bursts of file events into one reload.
const DefaultDebounce = 100 * time.Millisecond

// Options configures a Hub.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Debounce     time.Duration
	Logger       *slog.Logger
}

// Option is a functional option for configuring a Hub.
type Option func(*Options)

// WithPingInterval sets the interval between server-sent pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

// WithPongTimeout sets the maximum time to wait for a pong reply.
func WithPongTimeout(d time.Duration) Option {
	return func(o *Options) { o.PongTimeout = d }
}

// WithDebounce sets how long Watch waits for file events to settle.
func WithDebounce(d time.Duration) Option {
	return func(o *Options) { o.Debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func defaultOptions() Options {
	return Options{
		PingInterval: DefaultPingInterval,
		PongTimeout:  DefaultPongTimeout,
		WriteTimeout: 5 * time.Second,
		Debounce:     DefaultDebounce,
		Logger:       slog.Default(),
	}
}

func applyOptions(opts []Option) Options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
