package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore: POLIS_FLOW_ENGINE__GRACE_PERIOD=1s.
const EnvPrefix = "POLIS_FLOW_"

// defaultsProvider feeds Default() to koanf as YAML so file and
// environment layers merge over it key by key.
type defaultsProvider struct{}

func (defaultsProvider) ReadBytes() ([]byte, error) {
	return yaml.Marshal(Default())
}

func (defaultsProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("defaults provider does not support Read")
}

// Load layers defaults, the YAML file at path (optional) and POLIS_FLOW_
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(defaultsProvider{}, kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s: %w", path, err)
			}
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
