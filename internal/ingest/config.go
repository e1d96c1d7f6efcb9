package ingest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config captures the gatekeeper behaviour toggles resolved from the
// environment.
type Config struct {
	// AutoStartTranscode launches a transcode run when a session goes
	// live.
	AutoStartTranscode bool
	// DefaultProfilesOnly restricts auto-started runs to ladder entries
	// marked default.
	DefaultProfilesOnly bool
}

// ConfigFromEnv reads the NOVACAST_AUTO_TRANSCODE toggles. Unset variables
// fall back to disabled.
func ConfigFromEnv() (Config, error) {
	cfg := Config{}
	var err error
	if cfg.AutoStartTranscode, err = boolFromEnv("NOVACAST_AUTO_TRANSCODE"); err != nil {
		return Config{}, err
	}
	if cfg.DefaultProfilesOnly, err = boolFromEnv("NOVACAST_AUTO_TRANSCODE_DEFAULT_ONLY"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func boolFromEnv(key string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return value, nil
}
