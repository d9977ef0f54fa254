package config

import (
	"net"
	"strconv"
)

// Config is the dev-server configuration record. It is built once at startup
// (from defaults, optionally overlaid with a YAML file) and treated as
// read-only afterwards; reloads produce a new record.
type Config struct {
	Root    string        `yaml:"root"    json:"root"`
	Base    string        `yaml:"base"    json:"base"`
	Plugins []PluginRef   `yaml:"plugins" json:"plugins"`
	Resolve ResolveConfig `yaml:"resolve" json:"resolve"`
	Server  ServerConfig  `yaml:"server"  json:"server"`
}

// PluginRef names a framework-integration plugin to apply, in order.
type PluginRef struct {
	Name    string            `yaml:"name"              json:"name"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// ResolveConfig controls import-path rewriting.
type ResolveConfig struct {
	Alias map[string]string `yaml:"alias" json:"alias"`
}

// ServerConfig holds bind parameters and proxy rules for the dev server.
type ServerConfig struct {
	Host       string               `yaml:"host"       json:"host"`
	Port       int                  `yaml:"port"       json:"port"`
	CORS       bool                 `yaml:"cors"       json:"cors"`
	HTTPS      bool                 `yaml:"https"      json:"https"`
	LiveReload bool                 `yaml:"liveReload" json:"liveReload"`
	Metrics    bool                 `yaml:"metrics"    json:"metrics"`
	Proxy      map[string]ProxyRule `yaml:"proxy"      json:"proxy"`
}

// ProxyRule forwards requests whose path matches its key to Target.
type ProxyRule struct {
	Target       string `yaml:"target"       json:"target"`
	ChangeOrigin bool   `yaml:"changeOrigin" json:"changeOrigin"`
	WS           bool   `yaml:"ws"           json:"ws"`
}

// Addr returns the host:port the server binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
