// Package notarize runs one notarization end to end: it negotiates a session
// with the notary, drives the prover through setup and the server exchange,
// commits to the transcript, obtains the attestation and persists it.
//
// A Runner holds only read-only settings. Every call to Run allocates its
// own notary session, prover and connections, so one Runner can serve all
// workers of a pool.
package notarize

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/config"
	"xdao.co/notarize/errs"
	"xdao.co/notarize/exchange"
	"xdao.co/notarize/mpctls"
	"xdao.co/notarize/notary"
	"xdao.co/notarize/persist"
	"xdao.co/notarize/prover"
	"xdao.co/notarize/supervise"
	"xdao.co/notarize/transcript"
)

// Negotiator opens notary sessions. *notary.Client implements it.
type Negotiator interface {
	RequestNotarization(ctx context.Context, req notary.Request) (*notary.Accepted, error)
}

// Plan pairs the bounds declared to the notary with the prover's protocol
// configuration. The two must agree.
type Plan struct {
	Request  notary.Request
	Protocol prover.ProtocolConfig
}

// PlanFor derives a plan from session settings. roots may be nil to trust
// the system roots.
func PlanFor(s config.Session, roots *x509.CertPool) Plan {
	return Plan{
		Request: notary.Request{MaxSentData: s.MaxSentBytes, MaxRecvData: s.MaxRecvBytes},
		Protocol: prover.ProtocolConfig{
			ServerName:  s.ServerName,
			RootCAs:     roots,
			MaxSentData: s.MaxSentBytes,
			MaxRecvData: s.MaxRecvBytes,
		},
	}
}

// Validate rejects a plan whose negotiated and protocol bounds differ.
func (p Plan) Validate() error {
	r, c := p.Request, p.Protocol
	if r.MaxSentData <= 0 || r.MaxRecvData <= 0 {
		return errs.New(errs.KindConfig, "NTZ-CONFIG-202",
			fmt.Sprintf("notary bounds must be positive, got sent=%d recv=%d", r.MaxSentData, r.MaxRecvData))
	}
	if r.MaxSentData != c.MaxSentData || r.MaxRecvData != c.MaxRecvData {
		return errs.New(errs.KindConfig, "NTZ-CONFIG-201",
			fmt.Sprintf("notary bounds %d/%d differ from protocol bounds %d/%d",
				r.MaxSentData, r.MaxRecvData, c.MaxSentData, c.MaxRecvData))
	}
	if c.ServerName == "" {
		return errs.New(errs.KindConfig, "NTZ-CONFIG-102", "missing server name")
	}
	return nil
}

// Result is a finished notarization.
type Result struct {
	SessionID   string
	StatusCode  int
	Attestation *attestation.Attestation
	Record      *persist.Record
}

// Runner performs notarizations.
type Runner struct {
	Plan   Plan
	Notary Negotiator
	Engine mpctls.Engine
	// ServerAddr is the host:port the prover dials.
	ServerAddr string
	Path       string
	UserAgent  string
	Committer  transcript.Committer
	// CommitHashAlg is the commitment hash; empty keeps the builder default.
	CommitHashAlg transcript.HashAlg
	Request       prover.RequestConfig
	Persister     *persist.Persister
	Dialer        *net.Dialer
	Logger        *slog.Logger
}

// Iterate runs one notarization. Its signature matches pool.Iteration.
func (r *Runner) Iterate(ctx context.Context, worker, iteration int) error {
	res, err := r.Run(ctx)
	if err != nil {
		return err
	}
	r.logger().Debug("notarization persisted",
		"worker", worker,
		"iteration", iteration,
		"session_id", res.SessionID,
		"attestation", res.Record.AttestationPath,
		"secrets", res.Record.SecretsPath,
	)
	return nil
}

// Run performs one notarization. Nothing is persisted unless every earlier
// step succeeded.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := r.Plan.Validate(); err != nil {
		return nil, err
	}
	req, err := exchange.FixedRequest(ctx, r.Plan.Protocol.ServerName, r.Path, r.UserAgent)
	if err != nil {
		return nil, err
	}

	accepted, err := r.Notary.RequestNotarization(ctx, r.Plan.Request)
	if err != nil {
		return nil, err
	}
	defer accepted.Conn.Close()
	logger := r.logger().With("session_id", accepted.SessionID)

	setUp, err := prover.New(r.Plan.Protocol, r.Engine).Setup(ctx, accepted.Conn)
	if err != nil {
		return nil, err
	}

	transport, err := r.dialer().DialContext(ctx, "tcp", r.ServerAddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnect, "NTZ-CONNECT-010", "dial server "+r.ServerAddr, err)
	}
	defer transport.Close()

	conn, err := setUp.Connect(ctx, transport)
	if err != nil {
		return nil, err
	}

	connected, resp, err := r.roundTrip(ctx, logger, conn, req)
	if err != nil {
		return nil, err
	}

	notarizing := connected.StartNotarize()
	parsed, err := transcript.ParseHTTP(notarizing.Transcript())
	if err != nil {
		return nil, err
	}
	logBody(ctx, logger, parsed)

	b := transcript.NewCommitBuilder(notarizing.Transcript())
	if r.CommitHashAlg != "" {
		if err := b.SetHashAlg(r.CommitHashAlg); err != nil {
			return nil, err
		}
	}
	if err := r.committer().Commit(b, parsed); err != nil {
		return nil, err
	}
	commitCfg, err := b.Build()
	if err != nil {
		return nil, err
	}
	committed, err := notarizing.Commit(commitCfg)
	if err != nil {
		return nil, err
	}
	finalized, err := committed.Finalize(ctx, r.Request)
	if err != nil {
		return nil, err
	}

	rec, err := r.persister().Persist(ctx, finalized.Attestation, finalized.Secrets)
	if err != nil {
		return nil, err
	}
	return &Result{
		SessionID:   accepted.SessionID,
		StatusCode:  resp.StatusCode,
		Attestation: finalized.Attestation,
		Record:      rec,
	}, nil
}

// roundTrip runs the protocol driver and the HTTP connection in the
// background, sends req in the foreground, and joins both tasks. The
// transcript is complete only once the driver has returned.
func (r *Runner) roundTrip(ctx context.Context, logger *slog.Logger, conn *prover.Connection, req *http.Request) (*prover.Connected, *exchange.Response, error) {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := supervise.New(gctx, logger)

	driver := supervise.Go(g, "prover", conn.Drive)
	sender, httpConn := exchange.Handshake(conn.Stream)
	supervise.Go(g, "http", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, httpConn.Run(ctx)
	})

	resp, err := sender.Send(g.Context(), req)
	if errs.IsKind(err, errs.KindUnexpectedStatus) {
		logger.Debug("server answered with unexpected status", "status", resp.Status)
		cancel()
		_ = g.Wait()
		return nil, nil, err
	}
	if werr := g.Wait(); werr != nil {
		return nil, nil, werr
	}
	if err != nil {
		return nil, nil, err
	}
	connected, err := driver.Wait(ctx)
	if err != nil {
		return nil, nil, err
	}
	return connected, resp, nil
}

// logBody writes the first response body at debug level, pretty-printed
// when it is JSON.
func logBody(ctx context.Context, logger *slog.Logger, h *transcript.HTTP) {
	if !logger.Enabled(ctx, slog.LevelDebug) || len(h.Responses) == 0 {
		return
	}
	body := h.Responses[0].Body
	if body == nil {
		return
	}
	switch body.Kind {
	case transcript.ContentJSON:
		pretty, err := json.MarshalIndent(body.JSON, "", "  ")
		if err != nil {
			logger.Debug("response body", "body", string(body.Content))
			return
		}
		logger.Debug("response body", "content_type", "json", "body", string(pretty))
	default:
		logger.Debug("response body", "body", string(body.Content))
	}
}

func (r *Runner) committer() transcript.Committer {
	if r.Committer == nil {
		return transcript.WholeMessageCommitter{}
	}
	return r.Committer
}

func (r *Runner) persister() *persist.Persister {
	if r.Persister == nil {
		return &persist.Persister{Logger: r.Logger}
	}
	return r.Persister
}

func (r *Runner) dialer() *net.Dialer {
	if r.Dialer == nil {
		return &net.Dialer{}
	}
	return r.Dialer
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}
