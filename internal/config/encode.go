package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Format selects the serialization used by Marshal and Unmarshal.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat accepts "yaml", "yml" or "json".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported config format %q: must be \"yaml\" or \"json\"", s)
}

// Marshal serializes cfg. The output of Marshal fed back to Unmarshal yields a
// record equal to cfg once cfg has been through Validate, which stores empty
// plugin options as nil.
func Marshal(cfg *Config, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(cfg, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding config YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding config YAML: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported config format %q", format)
}

// Unmarshal decodes a complete record as produced by Marshal. Unlike Load it
// does not merge with defaults or resolve relative paths.
func Unmarshal(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding config JSON: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	for i := range cfg.Plugins {
		if len(cfg.Plugins[i].Options) == 0 {
			cfg.Plugins[i].Options = nil
		}
	}
	return &cfg, nil
}
