package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_RoundTrip(t *testing.T) {
	orig := Default(t.TempDir())
	orig.Plugins[0].Options = map[string]string{"customElement": "true"}
	orig.Server.Proxy["^/api/v[0-9]+"] = ProxyRule{Target: "https://api.local"}

	for _, format := range []Format{FormatYAML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Marshal(orig, format)
			require.NoError(t, err)

			got, err := Unmarshal(data, format)
			require.NoError(t, err)
			assert.Equal(t, orig, got)
		})
	}
}

func TestMarshal_YAMLUsesCamelCaseKeys(t *testing.T) {
	data, err := Marshal(Default("/project"), FormatYAML)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, "changeOrigin: true")
	assert.Contains(t, out, "ws: true")
	assert.Contains(t, out, "target: ws://localhost:4388")
	assert.Contains(t, out, "port: 5174")
}

func TestMarshal_UnknownFormat(t *testing.T) {
	_, err := Marshal(Default("/project"), Format("toml"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte("{}"), Format("toml"))
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"json", FormatJSON, false},
		{"xml", "", true},
	}
	for _, tc := range tests {
		got, err := ParseFormat(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestMarshal_EmptyPluginOptionsRoundTrip(t *testing.T) {
	path := writeTempConfig(t, "plugins:\n  - name: vue\n    options: {}\n")
	orig, errs := Load(path)
	require.Empty(t, errs)
	require.Len(t, orig.Plugins, 1)
	assert.Nil(t, orig.Plugins[0].Options)

	for _, format := range []Format{FormatYAML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Marshal(orig, format)
			require.NoError(t, err)

			got, err := Unmarshal(data, format)
			require.NoError(t, err)
			assert.Equal(t, orig, got)
		})
	}
}

func TestUnmarshal_EmptyPluginOptionsAreNil(t *testing.T) {
	got, err := Unmarshal([]byte(`{"plugins":[{"name":"vue","options":{}}]}`), FormatJSON)
	require.NoError(t, err)
	require.Len(t, got.Plugins, 1)
	assert.Nil(t, got.Plugins[0].Options)
}
