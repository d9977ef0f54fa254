package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devserver.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_MatchesDeclaredRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)

	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, "vue", cfg.Plugins[0].Name)

	require.Len(t, cfg.Resolve.Alias, 1)
	target, ok := cfg.Resolve.Alias["@"]
	require.True(t, ok, "expected '@' alias")
	assert.True(t, filepath.IsAbs(target))
	assert.Equal(t, "src", filepath.Base(target))
	assert.Equal(t, filepath.Clean(dir), filepath.Dir(target))

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5174, cfg.Server.Port)

	require.Len(t, cfg.Server.Proxy, 1)
	rule, ok := cfg.Server.Proxy["/chat"]
	require.True(t, ok, "expected /chat proxy rule")
	u, err := url.Parse(rule.Target)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "localhost", u.Hostname())
	assert.Equal(t, "4388", u.Port())
	assert.True(t, rule.ChangeOrigin)
	assert.True(t, rule.WS)
}

func TestServerConfig_Addr(t *testing.T) {
	assert.Equal(t, "0.0.0.0:5174", Default(t.TempDir()).Server.Addr())
	assert.Equal(t, "[::1]:80", ServerConfig{Host: "::1", Port: 80}.Addr())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, errs := Load(filepath.Join(dir, "nope.yaml"))

	assert.Empty(t, errs)
	require.NotNil(t, cfg)
	assert.Equal(t, Default(dir), cfg)
}

func TestLoad_EmptyFileReturnsDefaults(t *testing.T) {
	path := writeTempConfig(t, "  \n\t\n")
	cfg, errs := Load(path)

	assert.Empty(t, errs)
	require.NotNil(t, cfg)
	assert.Equal(t, 5174, cfg.Server.Port)
	assert.Len(t, cfg.Server.Proxy, 1)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTempConfig(t, `
root: app
base: /ui/
plugins:
  - name: vue
    options:
      customElement: "true"
resolve:
  alias:
    "@": ./app/src
    "~assets": /srv/assets
server:
  host: 127.0.0.1
  port: 8080
  cors: false
  https: true
  liveReload: false
  metrics: true
  proxy:
    /chat:
      target: ws://localhost:4388
      changeOrigin: true
      ws: true
    /api:
      target: http://localhost:9000
`)
	dir := filepath.Dir(path)
	cfg, errs := Load(path)

	require.Empty(t, errs)
	require.NotNil(t, cfg)

	assert.Equal(t, filepath.Join(dir, "app"), cfg.Root)
	assert.Equal(t, "/ui/", cfg.Base)
	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, "true", cfg.Plugins[0].Options["customElement"])

	assert.Equal(t, filepath.Join(dir, "app", "src"), cfg.Resolve.Alias["@"])
	assert.Equal(t, "/srv/assets", cfg.Resolve.Alias["~assets"])

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.CORS)
	assert.True(t, cfg.Server.HTTPS)
	assert.False(t, cfg.Server.LiveReload)
	assert.True(t, cfg.Server.Metrics)

	require.Len(t, cfg.Server.Proxy, 2)
	api := cfg.Server.Proxy["/api"]
	assert.Equal(t, "http://localhost:9000", api.Target)
	assert.False(t, api.ChangeOrigin)
	assert.False(t, api.WS)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 3000\n")
	cfg, errs := Load(path)

	require.Empty(t, errs)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Contains(t, cfg.Server.Proxy, "/chat")
	assert.Equal(t, filepath.Join(filepath.Dir(path), "src"), cfg.Resolve.Alias["@"])
}

func TestLoad_ProxyMapReplacesDefault(t *testing.T) {
	path := writeTempConfig(t, `
server:
  proxy:
    /api:
      target: http://localhost:9000
`)
	cfg, errs := Load(path)

	require.Empty(t, errs)
	assert.Len(t, cfg.Server.Proxy, 1)
	assert.NotContains(t, cfg.Server.Proxy, "/chat")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed\n")
	cfg, errs := Load(path)

	assert.Nil(t, cfg)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "failed to parse config YAML")
}

func TestLoad_DuplicateProxyKeyIsParseError(t *testing.T) {
	path := writeTempConfig(t, `
server:
  proxy:
    /chat:
      target: ws://localhost:4388
    /chat:
      target: ws://localhost:4389
`)
	cfg, errs := Load(path)

	assert.Nil(t, cfg)
	assert.Len(t, errs, 1)
}

func TestLoad_PortOutOfRangeResetsToDefault(t *testing.T) {
	for _, port := range []string{"-1", "65536", "100000"} {
		t.Run(port, func(t *testing.T) {
			path := writeTempConfig(t, "server:\n  port: "+port+"\n")
			cfg, errs := Load(path)

			require.NotNil(t, cfg)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0].Error(), "server.port")
			assert.Equal(t, DefaultPort, cfg.Server.Port)
		})
	}
}

func TestLoad_PortBoundsAccepted(t *testing.T) {
	for _, port := range []int{0, 65535} {
		cfg := Default(t.TempDir())
		cfg.Server.Port = port
		assert.Empty(t, Validate(cfg))
		assert.Equal(t, port, cfg.Server.Port)
	}
}

func TestLoad_EmptyHostResetsToDefault(t *testing.T) {
	path := writeTempConfig(t, "server:\n  host: \"\"\n")
	cfg, errs := Load(path)

	require.Len(t, errs, 1)
	assert.Equal(t, DefaultHost, cfg.Server.Host)
}

func TestLoad_InvalidProxyRulesStripped(t *testing.T) {
	path := writeTempConfig(t, `
server:
  proxy:
    /ok:
      target: ws://localhost:4388
    /no-target:
      changeOrigin: true
    /bad-scheme:
      target: ftp://localhost:21
    /no-host:
      target: "ws://"
    relative:
      target: http://localhost:1
    "^/(unclosed":
      target: http://localhost:2
    "^/v[0-9]+/":
      target: http://localhost:3
`)
	cfg, errs := Load(path)

	require.NotNil(t, cfg)
	assert.Len(t, errs, 5)
	assert.Len(t, cfg.Server.Proxy, 2)
	assert.Contains(t, cfg.Server.Proxy, "/ok")
	assert.Contains(t, cfg.Server.Proxy, "^/v[0-9]+/")

	joined := make([]string, 0, len(errs))
	for _, e := range errs {
		joined = append(joined, e.Error())
	}
	all := strings.Join(joined, "\n")
	assert.Contains(t, all, `server.proxy["/no-target"].target: required field missing`)
	assert.Contains(t, all, `unsupported scheme "ftp"`)
	assert.Contains(t, all, "host missing")
	assert.Contains(t, all, "must start with '/' or '^'")
	assert.Contains(t, all, "invalid pattern")
}

func TestLoad_InvalidAliasesAndPluginsStripped(t *testing.T) {
	path := writeTempConfig(t, `
plugins:
  - name: vue
  - name: ""
resolve:
  alias:
    "@": ./src
    "#empty": ""
`)
	cfg, errs := Load(path)

	require.NotNil(t, cfg)
	assert.Len(t, errs, 2)
	assert.Len(t, cfg.Plugins, 1)
	assert.Len(t, cfg.Resolve.Alias, 1)
	assert.Contains(t, cfg.Resolve.Alias, "@")
}

func TestLoad_ReadErrorOnDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg, errs := Load(dir)

	assert.Nil(t, cfg)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "failed to read config file")
}
