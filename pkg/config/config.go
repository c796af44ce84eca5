// Package config loads transport.Config from a TOML file and STREAMRPC_*
// environment variables. Later sources override earlier ones: defaults, then
// the file, then the environment.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"

	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

// EnvPath names the environment variable consulted when Load gets no path
const EnvPath = "STREAMRPC_CONFIG"

// Load builds the configuration. An empty path falls back to $STREAMRPC_CONFIG;
// with neither set only defaults and the environment apply.
func Load(path string) (transport.Config, error) {
	cfg := transport.DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return transport.Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return transport.Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return transport.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *transport.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	return nil
}

// applyEnv overrides fields whose env tag names a set variable
func applyEnv(cfg *transport.Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config environment: %w", err)
	}
	return nil
}
