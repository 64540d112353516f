package config

import (
	"bytes"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Formats accepted by Render.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

const redacted = "********"

// Render encodes cfg for display. The API token is masked.
func Render(cfg *Config, format string) ([]byte, error) {
	shown := *cfg
	if shown.API.Token != "" {
		shown.API.Token = redacted
	}

	// yaml.v3 writes durations as "1m0s"; TOML goes through the same tree so
	// both formats agree.
	out, err := yaml.Marshal(&shown)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}

	switch strings.ToLower(format) {
	case "", FormatYAML:
		return out, nil
	case FormatTOML:
		var tree map[string]any
		if err := yaml.Unmarshal(out, &tree); err != nil {
			return nil, errors.Wrap(err, "failed to encode config")
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(tree); err != nil {
			return nil, errors.Wrap(err, "failed to encode config as toml")
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Errorf("unknown format %q (want yaml or toml)", format)
	}
}
