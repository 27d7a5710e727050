package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"xdao.co/notarize/errs"
)

const (
	EnvNotaryHost = "NOTARY_HOST"
	EnvNotaryPort = "NOTARY_PORT"
)

// LoadFile reads a YAML file and merges it over base. Fields absent from the
// file keep base's values.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, errs.Wrap(errs.KindConfig, "NTZ-CONFIG-001", "read config file", err)
	}
	return Parse(data, base)
}

// Parse merges YAML bytes over base.
func Parse(data []byte, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return base, nil
		}
		return base, errs.Wrap(errs.KindConfig, "NTZ-CONFIG-002", "parse config file", err)
	}
	return cfg, nil
}

// ApplyEnv overrides the notary endpoint from the environment.
//
// NOTARY_PORT must parse as an unsigned 16-bit integer; anything else is a
// startup error rather than a silent fallback. getenv cannot tell an unset
// variable from an empty one, so an empty or all-blank value counts as unset
// and keeps the configured port.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if host := strings.TrimSpace(getenv(EnvNotaryHost)); host != "" {
		cfg.Session.NotaryHost = host
	}
	raw := strings.TrimSpace(getenv(EnvNotaryPort))
	if raw == "" {
		return nil
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "NTZ-CONFIG-003", "NOTARY_PORT must be a valid port number", err)
	}
	cfg.Session.NotaryPort = uint16(port)
	return nil
}
