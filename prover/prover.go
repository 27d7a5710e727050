// Package prover is the prover lifecycle. Each stage is its own type and
// only exposes the transitions valid from it:
//
//	Prover -Setup-> SetUp -Connect-> Connection -(driver)-> Connected
//	  -StartNotarize-> Notarizing -Commit-> Committed -Finalize-> Finalized
//
// Every failing transition returns a *Failed naming the stage it failed in.
package prover

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/errs"
	"xdao.co/notarize/mpctls"
	"xdao.co/notarize/transcript"
)

// State names a lifecycle stage.
type State int

const (
	Created State = iota
	SetUpState
	ConnectedState
	NotarizingState
	CommittedState
	FinalizedState
	FailedState
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case SetUpState:
		return "setup"
	case ConnectedState:
		return "connected"
	case NotarizingState:
		return "notarizing"
	case CommittedState:
		return "committed"
	case FinalizedState:
		return "finalized"
	case FailedState:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ProtocolConfig is the prover's view of the session.
type ProtocolConfig struct {
	ServerName string
	// RootCAs is the trust store for the server certificate; nil uses the
	// system roots.
	RootCAs     *x509.CertPool
	MaxSentData int
	MaxRecvData int
}

// RequestConfig selects how the attestation is requested at finalization.
type RequestConfig struct {
	// HashAlg is the signature hash (sha256, sha512, sha3-256).
	HashAlg string
}

// Failed is the terminal failure of a lifecycle.
type Failed struct {
	Stage State
	Err   error
}

func (f *Failed) Error() string { return fmt.Sprintf("prover %s: %v", f.Stage, f.Err) }

func (f *Failed) Unwrap() error { return f.Err }

func fail(stage State, kind errs.Kind, code, msg string, err error) *Failed {
	var e *errs.Error
	if errors.As(err, &e) && e.Kind == kind {
		return &Failed{Stage: stage, Err: err}
	}
	return &Failed{Stage: stage, Err: errs.Wrap(kind, code, msg, err)}
}

// Prover is a lifecycle in the Created stage.
type Prover struct {
	cfg    ProtocolConfig
	engine mpctls.Engine
}

// New returns a prover for cfg driven by engine.
func New(cfg ProtocolConfig, engine mpctls.Engine) *Prover {
	return &Prover{cfg: cfg, engine: engine}
}

// Config returns the protocol configuration.
func (p *Prover) Config() ProtocolConfig { return p.cfg }

func (p *Prover) State() State { return Created }

// Setup runs preprocessing with the notary over channel.
func (p *Prover) Setup(ctx context.Context, channel net.Conn) (*SetUp, error) {
	session, err := p.engine.Setup(ctx, channel, mpctls.Config{
		ServerName:  p.cfg.ServerName,
		RootCAs:     p.cfg.RootCAs,
		MaxSentData: p.cfg.MaxSentData,
		MaxRecvData: p.cfg.MaxRecvData,
	})
	if err != nil {
		return nil, fail(Created, errs.KindSetup, "NTZ-SETUP-001", "setup with notary", err)
	}
	return &SetUp{cfg: p.cfg, session: session}, nil
}

// SetUp is a prover that completed setup and can connect to the server.
type SetUp struct {
	cfg     ProtocolConfig
	session mpctls.Session
}

func (s *SetUp) State() State { return SetUpState }

// SessionID returns the notary session identifier.
func (s *SetUp) SessionID() string { return s.session.SessionID() }

// Connect opens the TLS connection over transport.
func (s *SetUp) Connect(ctx context.Context, transport net.Conn) (*Connection, error) {
	stream, drive, err := s.session.Connect(ctx, transport)
	if err != nil {
		return nil, fail(SetUpState, errs.KindConnect, "NTZ-CONNECT-001", "connect to "+s.cfg.ServerName, err)
	}
	c := &Connection{Stream: stream}
	c.drive = func(ctx context.Context) (*Connected, error) {
		if err := drive(ctx); err != nil {
			code := "NTZ-CONNECT-002"
			switch {
			case errors.Is(err, mpctls.ErrSentLimit):
				code = "NTZ-CONNECT-003"
			case errors.Is(err, mpctls.ErrRecvLimit):
				code = "NTZ-CONNECT-004"
			}
			return nil, fail(ConnectedState, errs.KindConnect, code, "drive connection", err)
		}
		return &Connected{cfg: s.cfg, session: s.session}, nil
	}
	return c, nil
}

// Connection is the plaintext stream plus the driver that moves it. The
// driver yields the Connected stage once the connection has closed.
type Connection struct {
	Stream net.Conn

	once  sync.Once
	drive func(ctx context.Context) (*Connected, error)
}

// Drive runs the connection to completion. It may be called once.
func (c *Connection) Drive(ctx context.Context) (*Connected, error) {
	var (
		out *Connected
		err = error(&Failed{Stage: ConnectedState, Err: errs.New(errs.KindConnect, "NTZ-CONNECT-005", "connection already driven")})
	)
	c.once.Do(func() { out, err = c.drive(ctx) })
	return out, err
}

// Connected is a prover whose server connection has completed.
type Connected struct {
	cfg     ProtocolConfig
	session mpctls.Session
}

func (c *Connected) State() State { return ConnectedState }

// StartNotarize moves to the notarization stage.
func (c *Connected) StartNotarize() *Notarizing {
	return &Notarizing{cfg: c.cfg, session: c.session, transcript: c.session.Transcript()}
}

// Notarizing exposes the transcript and accepts one commitment config.
type Notarizing struct {
	cfg        ProtocolConfig
	session    mpctls.Session
	transcript *transcript.Transcript
	committed  bool
}

func (n *Notarizing) State() State { return NotarizingState }

// Transcript returns the session transcript.
func (n *Notarizing) Transcript() *transcript.Transcript { return n.transcript }

// Commit fixes the commitments. A config is consumed by the first call.
func (n *Notarizing) Commit(cfg *transcript.CommitConfig) (*Committed, error) {
	if n.committed {
		return nil, &Failed{Stage: NotarizingState, Err: errs.New(errs.KindCommit, "NTZ-COMMIT-006", "already committed")}
	}
	if cfg == nil {
		return nil, &Failed{Stage: NotarizingState, Err: errs.New(errs.KindCommit, "NTZ-COMMIT-004", "commit config is nil")}
	}
	if err := cfg.Validate(n.transcript); err != nil {
		return nil, fail(NotarizingState, errs.KindCommit, "NTZ-COMMIT-001", "validate commitments", err)
	}
	n.committed = true
	return &Committed{cfg: n.cfg, session: n.session, commit: cfg}, nil
}

// Committed is ready to request the attestation.
type Committed struct {
	cfg     ProtocolConfig
	session mpctls.Session
	commit  *transcript.CommitConfig
}

func (c *Committed) State() State { return CommittedState }

// Finalize obtains the signed attestation and the secrets.
func (c *Committed) Finalize(ctx context.Context, req RequestConfig) (*Finalized, error) {
	att, secrets, err := c.session.Finalize(ctx, mpctls.FinalizeRequest{Commit: c.commit, HashAlg: req.HashAlg})
	if err != nil {
		return nil, fail(CommittedState, errs.KindFinalize, "NTZ-FINALIZE-001", "finalize with notary", err)
	}
	return &Finalized{Attestation: att, Secrets: secrets}, nil
}

// Finalized is a completed lifecycle.
type Finalized struct {
	Attestation *attestation.Attestation
	Secrets     *attestation.Secrets
}

func (f *Finalized) State() State { return FinalizedState }
