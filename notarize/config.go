package notarize

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"

	"xdao.co/notarize/config"
	"xdao.co/notarize/mpctls"
	"xdao.co/notarize/notary"
	"xdao.co/notarize/persist"
	"xdao.co/notarize/prover"
	"xdao.co/notarize/storage"
	"xdao.co/notarize/transcript"
)

// Options carries what a Runner needs beyond the configuration file.
type Options struct {
	// RootCAs verifies the target server; nil trusts the system roots.
	RootCAs *x509.CertPool
	// NotaryTLS is used when the session enables TLS to the notary.
	NotaryTLS *tls.Config
	// NotaryHTTPClient overrides the client used for session negotiation.
	NotaryHTTPClient *http.Client
	Mirror           storage.CAS
	// Engine defaults to the reference engine.
	Engine mpctls.Engine
	Logger *slog.Logger
}

// New builds a Runner from validated settings.
func New(cfg config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	committer, err := transcript.ByName(cfg.Committer, cfg.RedactHeaders)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	engine := opts.Engine
	if engine == nil {
		engine = &mpctls.Reference{Logger: logger}
	}
	plan := PlanFor(cfg.Session, opts.RootCAs)
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	s := cfg.Session
	return &Runner{
		Plan: plan,
		Notary: &notary.Client{
			Host:       s.NotaryHost,
			Port:       s.NotaryPort,
			EnableTLS:  s.NotaryTLS,
			TLSConfig:  opts.NotaryTLS,
			HTTPClient: opts.NotaryHTTPClient,
			Logger:     logger,
		},
		Engine:        engine,
		ServerAddr:    s.ServerAddr(),
		Path:          s.ServerPath,
		UserAgent:     s.UserAgent,
		Committer:     committer,
		CommitHashAlg: transcript.HashAlg(cfg.CommitHashAlg),
		Request:       prover.RequestConfig{HashAlg: cfg.HashAlg},
		Persister:     &persist.Persister{Dir: cfg.Output.Dir, Mirror: opts.Mirror, Logger: logger},
		Logger:        logger,
	}, nil
}
