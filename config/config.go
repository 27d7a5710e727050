// Package config holds the process-wide, read-only settings of a
// notarization run: the session bounds and endpoints, the worker pool shape,
// and where artifacts go.
//
// Settings are layered: Default, then an optional YAML file, then the
// environment, then command-line flags (applied by the caller).
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"xdao.co/notarize/errs"
)

const (
	// DefaultMaxSentBytes is the most the prover may send to the server.
	DefaultMaxSentBytes = 1 << 10
	// DefaultMaxRecvBytes is the most the prover may receive from the server.
	DefaultMaxRecvBytes = 1 << 12

	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"
)

// Session is the immutable identity and bounds of one notarization session.
type Session struct {
	MaxSentBytes int    `yaml:"maxSentBytes"`
	MaxRecvBytes int    `yaml:"maxRecvBytes"`
	ServerName   string `yaml:"serverName"`
	ServerHost   string `yaml:"serverHost"`
	ServerPort   uint16 `yaml:"serverPort"`
	ServerPath   string `yaml:"serverPath"`
	// ServerCAFile is a PEM bundle trusted instead of the system roots.
	ServerCAFile string `yaml:"serverCAFile"`
	UserAgent    string `yaml:"userAgent"`
	NotaryHost   string `yaml:"notaryHost"`
	NotaryPort   uint16 `yaml:"notaryPort"`
	NotaryTLS    bool   `yaml:"notaryTLS"`
}

// ServerAddr is the host:port the prover dials directly.
func (s Session) ServerAddr() string {
	return net.JoinHostPort(s.ServerHost, strconv.Itoa(int(s.ServerPort)))
}

// NotaryAddr is the host:port of the notary service.
func (s Session) NotaryAddr() string {
	return net.JoinHostPort(s.NotaryHost, strconv.Itoa(int(s.NotaryPort)))
}

// Pool shapes the worker pool.
type Pool struct {
	Workers          int           `yaml:"workers"`
	Iterations       int           `yaml:"iterations"`
	Delay            time.Duration `yaml:"delay"`
	ContinueOnError  bool          `yaml:"continueOnError"`
	IterationTimeout time.Duration `yaml:"iterationTimeout"`
	RatePerSecond    float64       `yaml:"ratePerSecond"`
}

// Output says where finished artifacts are written.
type Output struct {
	Dir string `yaml:"dir"`
	// Mirror optionally copies every artifact into content-addressed stores.
	Mirror []MirrorBackend `yaml:"mirror"`
}

// MirrorBackend names one CAS backend ("localfs" or "grpc") and its target.
type MirrorBackend struct {
	Name string `yaml:"name"`
	// Dir is the root directory of a localfs backend.
	Dir string `yaml:"dir"`
	// Target is the host:port of a grpc backend.
	Target  string        `yaml:"target"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the whole process configuration.
type Config struct {
	Session       Session  `yaml:"session"`
	Pool          Pool     `yaml:"pool"`
	Output        Output   `yaml:"output"`
	Committer     string   `yaml:"committer"`
	RedactHeaders []string `yaml:"redactHeaders"`
	// HashAlg is the hash the notary signs the attestation over.
	HashAlg string `yaml:"hashAlg"`
	// CommitHashAlg is the hash of transcript commitments.
	CommitHashAlg string `yaml:"commitHashAlg"`
	LogLevel      string `yaml:"logLevel"`
	MetricsAddr   string `yaml:"metricsAddr"`
}

// Default returns the built-in settings: a local notary on 7047 and the
// test server fixture on 127.0.0.1:3000, 16 workers running 500 iterations
// each with one second between iterations.
func Default() Config {
	return Config{
		Session: Session{
			MaxSentBytes: DefaultMaxSentBytes,
			MaxRecvBytes: DefaultMaxRecvBytes,
			ServerName:   "test-server.io",
			ServerHost:   "127.0.0.1",
			ServerPort:   3000,
			ServerPath:   "/formats/json",
			UserAgent:    DefaultUserAgent,
			NotaryHost:   "127.0.0.1",
			NotaryPort:   7047,
		},
		Pool: Pool{
			Workers:         16,
			Iterations:      500,
			Delay:           time.Second,
			ContinueOnError: true,
		},
		Output:        Output{Dir: "."},
		Committer:     "whole",
		HashAlg:       "sha256",
		CommitHashAlg: "sha256",
		LogLevel:      "info",
	}
}

// Validate rejects settings no iteration could succeed with.
func (c Config) Validate() error {
	s := c.Session
	switch {
	case s.MaxSentBytes <= 0 || s.MaxRecvBytes <= 0:
		return errs.New(errs.KindConfig, "NTZ-CONFIG-101", "session bounds must be positive")
	case s.ServerName == "":
		return errs.New(errs.KindConfig, "NTZ-CONFIG-102", "missing server name")
	case s.ServerHost == "" || s.ServerPort == 0:
		return errs.New(errs.KindConfig, "NTZ-CONFIG-103", "missing server address")
	case s.NotaryHost == "" || s.NotaryPort == 0:
		return errs.New(errs.KindConfig, "NTZ-CONFIG-104", "missing notary address")
	case len(s.ServerPath) == 0 || s.ServerPath[0] != '/':
		return errs.New(errs.KindConfig, "NTZ-CONFIG-105", "server path must start with '/'")
	}
	p := c.Pool
	if p.Workers <= 0 || p.Iterations <= 0 {
		return errs.New(errs.KindConfig, "NTZ-CONFIG-111", "pool workers and iterations must be positive")
	}
	if p.Delay < 0 || p.IterationTimeout < 0 || p.RatePerSecond < 0 {
		return errs.New(errs.KindConfig, "NTZ-CONFIG-112", "pool durations and rate must not be negative")
	}
	switch c.Committer {
	case "whole", "fields", "redact":
	default:
		return errs.New(errs.KindConfig, "NTZ-CONFIG-121", fmt.Sprintf("unknown committer %q", c.Committer))
	}
	switch c.HashAlg {
	case "sha256", "sha512", "sha3-256":
	default:
		return errs.New(errs.KindConfig, "NTZ-CONFIG-122", fmt.Sprintf("unsupported signature hash %q", c.HashAlg))
	}
	switch c.CommitHashAlg {
	case "sha256", "blake3", "sha3-256":
	default:
		return errs.New(errs.KindConfig, "NTZ-CONFIG-123", fmt.Sprintf("unsupported commitment hash %q", c.CommitHashAlg))
	}
	for _, m := range c.Output.Mirror {
		switch m.Name {
		case "localfs":
			if m.Dir == "" {
				return errs.New(errs.KindConfig, "NTZ-CONFIG-131", "localfs mirror requires dir")
			}
		case "grpc":
			if m.Target == "" {
				return errs.New(errs.KindConfig, "NTZ-CONFIG-132", "grpc mirror requires target")
			}
		default:
			return errs.New(errs.KindConfig, "NTZ-CONFIG-133", fmt.Sprintf("unknown mirror backend %q", m.Name))
		}
	}
	return nil
}
