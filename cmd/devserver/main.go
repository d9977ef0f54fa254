package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rathix/chat-devserver/internal/certs"
	appconfig "github.com/rathix/chat-devserver/internal/config"
	"github.com/rathix/chat-devserver/internal/server"
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds the command-line settings. Host and Port override the config
// file when set.
type config struct {
	ShowVersion bool
	ConfigFile  string
	Host        string
	Port        int
	LogFormat   string
	LogLevel    string
	LogFile     string
	PrintConfig string
	CertsDir    string
	TLSCert     string
	TLSKey      string
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("devserver version %s\n", Version)
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if cfg.PrintConfig != "" {
		if err := printConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("devserver", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&cfg.ConfigFile, "config", getEnv("DEVSERVER_CONFIG", "devserver.yaml"), "path to the dev-server config file")
	fs.StringVar(&cfg.Host, "host", getEnv("DEVSERVER_HOST", ""), "listen host (overrides server.host)")

	portStr := getEnv("DEVSERVER_PORT", "")
	fs.StringVar(&portStr, "port", portStr, "listen port (overrides server.port)")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (json or text)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "also write logs to this file, rotated")
	fs.StringVar(&cfg.PrintConfig, "print-config", "", "print the effective config as yaml or json and exit")
	fs.StringVar(&cfg.CertsDir, "certs-dir", getEnv("DEVSERVER_CERTS_DIR", defaultCertsDir()), "directory for generated HTTPS certificates")
	fs.StringVar(&cfg.TLSCert, "tls-cert", getEnv("TLS_CERT", ""), "custom server certificate path")
	fs.StringVar(&cfg.TLSKey, "tls-key", getEnv("TLS_KEY", ""), "custom server key path")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.Port = -1
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return config{}, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		if port < 0 || port > 65535 {
			return config{}, fmt.Errorf("port must be between 0 and 65535, got %d", port)
		}
		cfg.Port = port
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return config{}, err
	}
	if cfg.PrintConfig != "" {
		if _, err := appconfig.ParseFormat(cfg.PrintConfig); err != nil {
			return config{}, err
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func defaultCertsDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "devserver", "certs")
	}
	return filepath.Join(dir, "devserver", "certs")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q: %w", s, err)
	}
	return level, nil
}

func setupLogger(cfg config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		})
	}
	return setupLoggerWithWriter(cfg.LogFormat, cfg.LogLevel, w)
}

func setupLoggerWithWriter(format, level string, writer io.Writer) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler)
}

// effectiveConfig loads the config file and applies command-line overrides.
// The returned config is nil only when the file could not be parsed.
func effectiveConfig(cfg config) (*appconfig.Config, []error) {
	appCfg, errs := appconfig.Load(cfg.ConfigFile)
	if appCfg == nil {
		return nil, errs
	}
	applyOverrides(appCfg, cfg)
	return appCfg, errs
}

func applyOverrides(appCfg *appconfig.Config, cfg config) {
	if cfg.Host != "" {
		appCfg.Server.Host = cfg.Host
	}
	if cfg.Port >= 0 {
		appCfg.Server.Port = cfg.Port
	}
}

func printConfig(w io.Writer, cfg config) error {
	appCfg, errs := effectiveConfig(cfg)
	if appCfg == nil {
		return errors.Join(errs...)
	}
	format, err := appconfig.ParseFormat(cfg.PrintConfig)
	if err != nil {
		return err
	}
	data, err := appconfig.Marshal(appCfg, format)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func logConfigErrors(errs []error, fatal bool, prefix string) {
	for _, e := range errs {
		if fatal {
			slog.Error(prefix+" parse failed", "error", e)
		} else {
			slog.Warn(prefix+" validation warning", "error", e)
		}
	}
}

// run starts the dev server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	slog.Info("Starting devserver", "version", Version)

	appCfg, configErrs := effectiveConfig(cfg)
	logConfigErrors(configErrs, appCfg == nil, "Config")
	if appCfg == nil {
		return fmt.Errorf("failed to load config %s", cfg.ConfigFile)
	}
	slog.Info("Config loaded",
		"root", appCfg.Root,
		"plugins", len(appCfg.Plugins),
		"aliases", len(appCfg.Resolve.Alias),
		"proxy_rules", len(appCfg.Server.Proxy),
	)

	var opts []server.Option
	if appCfg.Server.HTTPS {
		tlsOpt, err := setupTLS(cfg, appCfg)
		if err != nil {
			return err
		}
		opts = append(opts, tlsOpt)
	}

	srv, err := server.New(appCfg, logger, opts...)
	if err != nil {
		return err
	}
	for key, rule := range appCfg.Server.Proxy {
		slog.Info("Proxy rule", "path", key, "target", rule.Target, "changeOrigin", rule.ChangeOrigin, "ws", rule.WS)
	}

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()

	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		configWatcher := appconfig.NewWatcher(cfg.ConfigFile, func(newCfg *appconfig.Config, errs []error) {
			logConfigErrors(errs, newCfg == nil, "Config reload")
			if newCfg == nil {
				// Keep the last-known-good config active when reload parsing fails.
				return
			}
			applyOverrides(newCfg, cfg)
			restart, err := srv.Reload(newCfg)
			if err != nil {
				slog.Error("Config reload rejected", "error", err)
				return
			}
			slog.Info("Config reloaded",
				"aliases", len(newCfg.Resolve.Alias),
				"proxy_rules", len(newCfg.Server.Proxy),
			)
			if restart {
				slog.Warn("Some config changes take effect only after a restart",
					"fields", "root, base, plugins, server.host, server.port, server.https, server.cors, server.liveReload, server.metrics")
			}
		}, logger)
		go func() {
			if err := configWatcher.Run(watcherCtx); err != nil && watcherCtx.Err() == nil {
				slog.Warn("config watcher stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("No config file found, using defaults", "path", cfg.ConfigFile)
	}

	scheme := "http"
	if appCfg.Server.HTTPS {
		scheme = "https"
	}
	slog.Info("Dev server ready", "url", scheme+"://"+displayHost(appCfg.Server.Host)+":"+strconv.Itoa(appCfg.Server.Port)+server.NormalizeBasePath(appCfg.Base))

	return srv.Run(ctx)
}

func setupTLS(cfg config, appCfg *appconfig.Config) (server.Option, error) {
	assets, err := certs.LoadOrGenerate(certs.Config{
		Dir:        cfg.CertsDir,
		Hosts:      []string{appCfg.Server.Host},
		CustomCert: cfg.TLSCert,
		CustomKey:  cfg.TLSKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}
	switch assets.Reason {
	case certs.ReasonGenerated:
		slog.Info("No usable TLS certificate found, generated a self-signed one", "cert", assets.CertPath, "key", assets.KeyPath)
	case certs.ReasonCustom:
		slog.Info("Using custom TLS certificate", "cert", assets.CertPath, "key", assets.KeyPath)
	default:
		slog.Info("Using existing TLS certificate", "cert", assets.CertPath, "key", assets.KeyPath)
	}
	tlsConfig, err := certs.NewTLSConfig(assets)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	return server.WithTLSConfig(tlsConfig), nil
}

// displayHost turns a wildcard bind address into one a browser can open.
func displayHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "localhost"
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
