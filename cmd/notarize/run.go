package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/spf13/pflag"

	"xdao.co/notarize/config"
	"xdao.co/notarize/errs"
	"xdao.co/notarize/metrics"
	"xdao.co/notarize/notarize"
	"xdao.co/notarize/persist"
	"xdao.co/notarize/pool"
)

type runFlags struct {
	configPath string
	notaryCA   string
	// override holds every settable field; only flags the user set are
	// copied into the loaded configuration.
	override config.Config
}

func newRunFlagSet(errOut io.Writer, f *runFlags) *pflag.FlagSet {
	d := config.Default()
	o := &f.override
	fs := pflag.NewFlagSet("notarize run", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.notaryCA, "notary-ca", "", "PEM bundle trusted for the notary when --notary-tls is set")

	fs.IntVar(&o.Session.MaxSentBytes, "max-sent", d.Session.MaxSentBytes, "most bytes the prover may send")
	fs.IntVar(&o.Session.MaxRecvBytes, "max-recv", d.Session.MaxRecvBytes, "most bytes the prover may receive")
	fs.StringVar(&o.Session.ServerName, "server-name", d.Session.ServerName, "TLS server name of the target")
	fs.StringVar(&o.Session.ServerHost, "server-host", d.Session.ServerHost, "target host to dial")
	fs.Uint16Var(&o.Session.ServerPort, "server-port", d.Session.ServerPort, "target port to dial")
	fs.StringVar(&o.Session.ServerPath, "server-path", d.Session.ServerPath, "request path")
	fs.StringVar(&o.Session.ServerCAFile, "server-ca", "", "PEM bundle trusted for the target instead of the system roots")
	fs.StringVar(&o.Session.UserAgent, "user-agent", d.Session.UserAgent, "User-Agent header")
	fs.StringVar(&o.Session.NotaryHost, "notary-host", d.Session.NotaryHost, "notary host")
	fs.Uint16Var(&o.Session.NotaryPort, "notary-port", d.Session.NotaryPort, "notary port")
	fs.BoolVar(&o.Session.NotaryTLS, "notary-tls", false, "use TLS to the notary")

	fs.IntVarP(&o.Pool.Workers, "workers", "w", d.Pool.Workers, "concurrent workers")
	fs.IntVarP(&o.Pool.Iterations, "iterations", "n", d.Pool.Iterations, "iterations per worker")
	fs.DurationVar(&o.Pool.Delay, "delay", d.Pool.Delay, "pause after every iteration")
	fs.BoolVar(&o.Pool.ContinueOnError, "continue-on-error", d.Pool.ContinueOnError, "keep going after a failed iteration")
	fs.DurationVar(&o.Pool.IterationTimeout, "iteration-timeout", 0, "bound on one iteration (0 disables)")
	fs.Float64Var(&o.Pool.RatePerSecond, "rate", 0, "iteration starts per second across workers (0 disables)")

	fs.StringVarP(&o.Output.Dir, "output-dir", "o", d.Output.Dir, "directory for attestation and secrets files")
	fs.StringVar(&o.Committer, "committer", d.Committer, "commitment strategy: whole, fields or redact")
	fs.StringSliceVar(&o.RedactHeaders, "redact-header", nil, "header left uncommitted by the redact strategy (repeatable)")
	fs.StringVar(&o.HashAlg, "hash-alg", d.HashAlg, "attestation signature hash: sha256, sha512 or sha3-256")
	fs.StringVar(&o.CommitHashAlg, "commit-hash-alg", d.CommitHashAlg, "commitment hash: sha256, blake3 or sha3-256")
	fs.StringVar(&o.LogLevel, "log-level", d.LogLevel, "debug, info, warn or error")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return fs
}

// apply copies the flags the user set over cfg.
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	o := f.override
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "max-sent":
			cfg.Session.MaxSentBytes = o.Session.MaxSentBytes
		case "max-recv":
			cfg.Session.MaxRecvBytes = o.Session.MaxRecvBytes
		case "server-name":
			cfg.Session.ServerName = o.Session.ServerName
		case "server-host":
			cfg.Session.ServerHost = o.Session.ServerHost
		case "server-port":
			cfg.Session.ServerPort = o.Session.ServerPort
		case "server-path":
			cfg.Session.ServerPath = o.Session.ServerPath
		case "server-ca":
			cfg.Session.ServerCAFile = o.Session.ServerCAFile
		case "user-agent":
			cfg.Session.UserAgent = o.Session.UserAgent
		case "notary-host":
			cfg.Session.NotaryHost = o.Session.NotaryHost
		case "notary-port":
			cfg.Session.NotaryPort = o.Session.NotaryPort
		case "notary-tls":
			cfg.Session.NotaryTLS = o.Session.NotaryTLS
		case "workers":
			cfg.Pool.Workers = o.Pool.Workers
		case "iterations":
			cfg.Pool.Iterations = o.Pool.Iterations
		case "delay":
			cfg.Pool.Delay = o.Pool.Delay
		case "continue-on-error":
			cfg.Pool.ContinueOnError = o.Pool.ContinueOnError
		case "iteration-timeout":
			cfg.Pool.IterationTimeout = o.Pool.IterationTimeout
		case "rate":
			cfg.Pool.RatePerSecond = o.Pool.RatePerSecond
		case "output-dir":
			cfg.Output.Dir = o.Output.Dir
		case "committer":
			cfg.Committer = o.Committer
		case "redact-header":
			cfg.RedactHeaders = o.RedactHeaders
		case "hash-alg":
			cfg.HashAlg = o.HashAlg
		case "commit-hash-alg":
			cfg.CommitHashAlg = o.CommitHashAlg
		case "log-level":
			cfg.LogLevel = o.LogLevel
		case "metrics-addr":
			cfg.MetricsAddr = o.MetricsAddr
		}
	})
}

// loadConfig layers defaults, the config file, the environment and flags.
func (f *runFlags) loadConfig(fs *pflag.FlagSet, getenv func(string) string) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(f.configPath, cfg); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	f.apply(fs, &cfg)
	return cfg, cfg.Validate()
}

func cmdRun(ctx context.Context, args []string, out io.Writer, errOut io.Writer, getenv func(string) string) int {
	var f runFlags
	fs := newRunFlagSet(errOut, &f)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(errOut, "unexpected argument: %s\n", fs.Arg(0))
		return 2
	}
	cfg, err := f.loadConfig(fs, getenv)
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}
	logger, err := newLogger(errOut, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}

	roots, err := loadCertPool(cfg.Session.ServerCAFile)
	if err != nil {
		fmt.Fprintf(errOut, "server ca: %v\n", err)
		return 2
	}
	var notaryTLS *tls.Config
	if cfg.Session.NotaryTLS && f.notaryCA != "" {
		pool, err := loadCertPool(f.notaryCA)
		if err != nil {
			fmt.Fprintf(errOut, "notary ca: %v\n", err)
			return 2
		}
		notaryTLS = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	mirror, closeMirror, err := persist.OpenMirror(cfg.Output.Mirror)
	if err != nil {
		fmt.Fprintf(errOut, "mirror: %v\n", err)
		return 1
	}
	defer func() { _ = closeMirror() }()
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		fmt.Fprintf(errOut, "output dir: %v\n", err)
		return 1
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		shutdown, err := serveMetrics(cfg.MetricsAddr, m, logger)
		if err != nil {
			fmt.Fprintf(errOut, "metrics: %v\n", err)
			return 1
		}
		defer shutdown()
	}

	runner, err := notarize.New(cfg, notarize.Options{
		RootCAs:   roots,
		NotaryTLS: notaryTLS,
		Mirror:    mirror,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}

	p := pool.New(pool.Config{
		Workers:          cfg.Pool.Workers,
		Iterations:       cfg.Pool.Iterations,
		Delay:            cfg.Pool.Delay,
		ContinueOnError:  cfg.Pool.ContinueOnError,
		IterationTimeout: cfg.Pool.IterationTimeout,
		RatePerSecond:    cfg.Pool.RatePerSecond,
	}, pool.WithLogger(logger), pool.WithMetrics(m))

	report, err := p.Run(ctx, runner.Iterate)
	printReport(out, report)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(errOut, "interrupted")
		} else {
			fmt.Fprintf(errOut, "run: %v\n", err)
		}
		return 1
	}
	return 0
}

func printReport(w io.Writer, r pool.Report) {
	_, _ = fmt.Fprintf(w, "attempts=%d succeeded=%d failed=%d elapsed=%s\n",
		r.Attempts, r.Succeeded, r.Failed, r.Elapsed.Round(time.Millisecond))
	kinds := make([]string, 0, len(r.ByKind))
	for k := range r.ByKind {
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		name := k
		if name == "" {
			name = "unknown"
		}
		_, _ = fmt.Fprintf(w, "  %s=%d\n", name, r.ByKind[errs.Kind(k)])
	}
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "NTZ-CONFIG-141", fmt.Sprintf("invalid log level %q", level), err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadCertPool reads a PEM bundle. An empty path yields nil, meaning the
// system roots.
func loadCertPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "NTZ-CONFIG-151", "read CA file", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errs.New(errs.KindConfig, "NTZ-CONFIG-152", "no certificates in "+path)
	}
	return pool, nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", lis.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
