package config

import "path/filepath"

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 5174

	// ChatPath is the path prefix forwarded to the chat backend.
	ChatPath   = "/chat"
	ChatTarget = "ws://localhost:4388"
)

// Default returns the built-in record for a project rooted at dir. The "@"
// alias points at dir/src.
func Default(dir string) *Config {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Config{
		Root:    dir,
		Base:    "/",
		Plugins: []PluginRef{{Name: "vue"}},
		Resolve: ResolveConfig{
			Alias: map[string]string{
				"@": filepath.Join(dir, "src"),
			},
		},
		Server: ServerConfig{
			Host:       DefaultHost,
			Port:       DefaultPort,
			CORS:       true,
			LiveReload: true,
			Proxy: map[string]ProxyRule{
				ChatPath: {
					Target:       ChatTarget,
					ChangeOrigin: true,
					WS:           true,
				},
			},
		},
	}
}
