package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with optional fields so that only the keys present
// in the file replace the defaults.
type fileConfig struct {
	Root    *string     `yaml:"root"`
	Base    *string     `yaml:"base"`
	Plugins []PluginRef `yaml:"plugins"`
	Resolve *struct {
		Alias map[string]string `yaml:"alias"`
	} `yaml:"resolve"`
	Server *struct {
		Host       *string              `yaml:"host"`
		Port       *int                 `yaml:"port"`
		CORS       *bool                `yaml:"cors"`
		HTTPS      *bool                `yaml:"https"`
		LiveReload *bool                `yaml:"liveReload"`
		Metrics    *bool                `yaml:"metrics"`
		Proxy      map[string]ProxyRule `yaml:"proxy"`
	} `yaml:"server"`
}

var allowedTargetSchemes = map[string]struct{}{
	"ws":    {},
	"wss":   {},
	"http":  {},
	"https": {},
}

// Load reads the YAML configuration file at path and overlays it on
// Default(dir of path).
// If path does not exist or is empty, it returns the defaults with no errors.
// If the YAML is malformed, it returns nil config with a parse error.
// For validation errors, it returns a valid config with invalid entries stripped
// plus errors describing what was removed.
func Load(path string) (*Config, []error) {
	dir := filepath.Dir(path)
	cfg := Default(dir)
	dir = cfg.Root

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	overlay(cfg, &fc, dir)
	return cfg, Validate(cfg)
}

func overlay(cfg *Config, fc *fileConfig, dir string) {
	if fc.Root != nil {
		cfg.Root = absFrom(dir, *fc.Root)
	}
	if fc.Base != nil {
		cfg.Base = *fc.Base
	}
	if fc.Plugins != nil {
		cfg.Plugins = fc.Plugins
	}
	if fc.Resolve != nil && fc.Resolve.Alias != nil {
		alias := make(map[string]string, len(fc.Resolve.Alias))
		for k, v := range fc.Resolve.Alias {
			if strings.TrimSpace(v) == "" {
				alias[k] = v
				continue
			}
			alias[k] = absFrom(dir, v)
		}
		cfg.Resolve.Alias = alias
	}
	if s := fc.Server; s != nil {
		if s.Host != nil {
			cfg.Server.Host = *s.Host
		}
		if s.Port != nil {
			cfg.Server.Port = *s.Port
		}
		if s.CORS != nil {
			cfg.Server.CORS = *s.CORS
		}
		if s.HTTPS != nil {
			cfg.Server.HTTPS = *s.HTTPS
		}
		if s.LiveReload != nil {
			cfg.Server.LiveReload = *s.LiveReload
		}
		if s.Metrics != nil {
			cfg.Server.Metrics = *s.Metrics
		}
		if s.Proxy != nil {
			cfg.Server.Proxy = s.Proxy
		}
	}
}

// absFrom resolves p against dir unless it is already absolute.
func absFrom(dir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

// Validate checks cfg in place. Invalid plugins, aliases and proxy rules are
// removed; an out-of-range port or empty host is reset to its default. One
// error is returned per correction.
func Validate(cfg *Config) []error {
	var validationErrors []error

	if strings.TrimSpace(cfg.Server.Host) == "" {
		validationErrors = append(validationErrors, fmt.Errorf("server.host: required field missing, using %q", DefaultHost))
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		validationErrors = append(validationErrors, fmt.Errorf("server.port: %d out of range [0, 65535], using %d", cfg.Server.Port, DefaultPort))
		cfg.Server.Port = DefaultPort
	}
	if cfg.Base == "" {
		cfg.Base = "/"
	}

	validPlugins := make([]PluginRef, 0, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		if strings.TrimSpace(p.Name) == "" {
			validationErrors = append(validationErrors, fmt.Errorf("plugins[%d].name: required field missing", i))
			continue
		}
		if len(p.Options) == 0 {
			p.Options = nil
		}
		validPlugins = append(validPlugins, p)
	}
	cfg.Plugins = validPlugins

	for _, key := range sortedKeys(cfg.Resolve.Alias) {
		if strings.TrimSpace(key) == "" {
			validationErrors = append(validationErrors, errors.New("resolve.alias: empty alias key"))
			delete(cfg.Resolve.Alias, key)
			continue
		}
		if strings.TrimSpace(cfg.Resolve.Alias[key]) == "" {
			validationErrors = append(validationErrors, fmt.Errorf("resolve.alias[%q]: target path missing", key))
			delete(cfg.Resolve.Alias, key)
		}
	}

	for _, key := range sortedKeys(cfg.Server.Proxy) {
		if err := validateProxyRule(key, cfg.Server.Proxy[key]); err != nil {
			validationErrors = append(validationErrors, err)
			delete(cfg.Server.Proxy, key)
		}
	}

	return validationErrors
}

func validateProxyRule(key string, rule ProxyRule) error {
	switch {
	case key == "":
		return errors.New("server.proxy: empty path key")
	case strings.HasPrefix(key, "^"):
		if _, err := regexp.Compile(key); err != nil {
			return fmt.Errorf("server.proxy[%q]: invalid pattern: %w", key, err)
		}
	case !strings.HasPrefix(key, "/"):
		return fmt.Errorf("server.proxy[%q]: path must start with '/' or '^'", key)
	}

	if strings.TrimSpace(rule.Target) == "" {
		return fmt.Errorf("server.proxy[%q].target: required field missing", key)
	}
	u, err := url.Parse(rule.Target)
	if err != nil {
		return fmt.Errorf("server.proxy[%q].target: %w", key, err)
	}
	if _, ok := allowedTargetSchemes[u.Scheme]; !ok {
		return fmt.Errorf("server.proxy[%q].target: unsupported scheme %q", key, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server.proxy[%q].target: host missing in %q", key, rule.Target)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
