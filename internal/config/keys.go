// Package config provides API key management utilities for backends
// that authenticate directly against a provider API (e.g. the
// anthropic-sdk-go direct-API backend) rather than shelling out to a
// CLI that manages its own credentials.
package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured for a backend.
var ErrNoAPIKey = errors.New("no API key configured")

// GetAPIKey returns the API key for the named backend (e.g.
// "anthropic"). It checks, in order: the ANTHROPIC_API_KEY environment
// variable, then adapters.<backend>.api_key in the config file.
func GetAPIKey(cfg *Config, backend string) (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}

	if cfg != nil {
		if a, ok := cfg.Adapters[backend]; ok && a.APIKey != "" {
			key := os.ExpandEnv(a.APIKey)
			if key != "" && !strings.HasPrefix(key, "${") {
				return key, nil
			}
		}
	}

	return "", ErrNoAPIKey
}

// ValidateAPIKey performs basic format validation on an API key. It
// checks format but does not verify the key against the provider.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}

	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}

	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}

	return nil
}

// MaskAPIKey returns a masked version of the API key for display,
// showing the first 7 characters (sk-ant-) and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the API key for backend was sourced from.
func GetAPIKeySource(cfg *Config, backend string) KeySource {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return KeySourceEnv
	}

	if cfg != nil {
		if a, ok := cfg.Adapters[backend]; ok && a.APIKey != "" {
			key := os.ExpandEnv(a.APIKey)
			if key != "" && !strings.HasPrefix(key, "${") {
				return KeySourceConfig
			}
		}
	}

	return KeySourceNone
}
