package mpctls

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/codec"
	"xdao.co/notarize/transcript"
)

var (
	// ErrSentLimit is returned by the driver when the prover tries to send
	// more than the negotiated bound.
	ErrSentLimit = errors.New("mpctls: sent data exceeds negotiated limit")
	// ErrRecvLimit is returned by the driver when the server sends more
	// than the negotiated bound.
	ErrRecvLimit = errors.New("mpctls: received data exceeds negotiated limit")
)

// Reference is the reference Engine.
type Reference struct {
	// Rand supplies commitment blinders. Nil uses crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
}

// Setup sends the bounds to the notary and waits for its acknowledgement.
func (e *Reference) Setup(ctx context.Context, channel net.Conn, cfg Config) (Session, error) {
	if cfg.MaxSentData <= 0 || cfg.MaxRecvData <= 0 {
		return nil, fmt.Errorf("mpctls: invalid bounds sent=%d recv=%d", cfg.MaxSentData, cfg.MaxRecvData)
	}
	stop := interruptOnDone(ctx, channel)
	defer stop()

	req := SetupRequest{MaxSentData: cfg.MaxSentData, MaxRecvData: cfg.MaxRecvData, ServerName: cfg.ServerName}
	if err := WriteFrame(channel, FrameSetup, req); err != nil {
		return nil, ctxErr(ctx, err)
	}
	var ack SetupAck
	if err := Expect(channel, FrameSetupAck, &ack); err != nil {
		return nil, ctxErr(ctx, err)
	}
	if ack.SessionID == "" {
		return nil, errors.New("mpctls: notary acknowledged setup without a session id")
	}
	r := e.Rand
	if r == nil {
		r = rand.Reader
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &referenceSession{
		channel: channel,
		cfg:     cfg,
		id:      ack.SessionID,
		rand:    r,
		logger:  logger.With("session_id", ack.SessionID),
	}, nil
}

type referenceSession struct {
	channel net.Conn
	cfg     Config
	id      string
	rand    io.Reader
	logger  *slog.Logger

	mu    sync.Mutex
	sent  []byte
	recv  []byte
	certs [][]byte
}

func (s *referenceSession) SessionID() string { return s.id }

func (s *referenceSession) Connect(ctx context.Context, transport net.Conn) (net.Conn, Driver, error) {
	tlsConn := tls.Client(transport, &tls.Config{
		ServerName: s.cfg.ServerName,
		RootCAs:    s.cfg.RootCAs,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tlsConn.Close()
		return nil, nil, fmt.Errorf("mpctls: tls handshake with %s: %w", s.cfg.ServerName, err)
	}
	state := tlsConn.ConnectionState()
	s.mu.Lock()
	for _, cert := range state.PeerCertificates {
		s.certs = append(s.certs, cert.Raw)
	}
	s.mu.Unlock()
	s.logger.Debug("tls established", "server_name", s.cfg.ServerName, "version", tls.VersionName(state.Version))

	stream, engineSide := net.Pipe()
	drive := func(ctx context.Context) error {
		return s.drive(ctx, tlsConn, engineSide)
	}
	return stream, drive, nil
}

// drive pumps plaintext between the caller's stream and the TLS connection,
// recording both directions.
func (s *referenceSession) drive(ctx context.Context, server *tls.Conn, local net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = server.Close()
		_ = local.Close()
	})
	defer stop()
	defer server.Close()

	g.Go(func() error {
		return s.pump(server, local, transcript.Sent, s.cfg.MaxSentData, ErrSentLimit)
	})
	g.Go(func() error {
		// The server closing its side ends the plaintext stream.
		defer local.Close()
		return s.pump(local, server, transcript.Received, s.cfg.MaxRecvData, ErrRecvLimit)
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *referenceSession) pump(dst io.Writer, src io.Reader, dir transcript.Direction, limit int, limitErr error) error {
	buf := make([]byte, 16<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if !s.record(dir, buf[:n], limit) {
				return limitErr
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if isClosed(werr) {
					return nil
				}
				return fmt.Errorf("mpctls: forward %s data: %w", dir, werr)
			}
		}
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("mpctls: read %s data: %w", dir, err)
		}
	}
}

func (s *referenceSession) record(dir transcript.Direction, p []byte, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == transcript.Sent {
		if len(s.sent)+len(p) > limit {
			return false
		}
		s.sent = append(s.sent, p...)
		return true
	}
	if len(s.recv)+len(p) > limit {
		return false
	}
	s.recv = append(s.recv, p...)
	return true
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

func (s *referenceSession) Transcript() *transcript.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transcript.New(s.sent, s.recv)
}

func (s *referenceSession) Finalize(ctx context.Context, req FinalizeRequest) (*attestation.Attestation, *attestation.Secrets, error) {
	if req.Commit == nil {
		return nil, nil, errors.New("mpctls: finalize without commitments")
	}
	t := s.Transcript()
	if err := req.Commit.Validate(t); err != nil {
		return nil, nil, err
	}
	commitments, blinders, err := attestation.Commit(t, req.Commit, s.rand)
	if err != nil {
		return nil, nil, err
	}

	stop := interruptOnDone(ctx, s.channel)
	defer stop()
	msg := FinalizeMessage{
		ServerName:  s.cfg.ServerName,
		SentLen:     t.Len(transcript.Sent),
		RecvLen:     t.Len(transcript.Received),
		Commitments: commitments,
		HashAlg:     req.HashAlg,
	}
	if err := WriteFrame(s.channel, FrameFinalize, msg); err != nil {
		return nil, nil, ctxErr(ctx, err)
	}
	var att attestation.Attestation
	if err := Expect(s.channel, FrameAttestation, &att); err != nil {
		return nil, nil, ctxErr(ctx, err)
	}
	if err := s.checkAttestation(&att, msg); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	certs := append([][]byte(nil), s.certs...)
	s.mu.Unlock()
	secrets := &attestation.Secrets{
		SessionID:   s.id,
		ServerName:  s.cfg.ServerName,
		ServerCerts: certs,
		Sent:        t.Sent(),
		Received:    t.Received(),
		Blinders:    blinders,
	}
	s.logger.Debug("attestation received", "commitments", len(att.Commitments), "notary_key", att.NotaryKey)
	return &att, secrets, nil
}

// checkAttestation makes sure the notary signed what was asked.
func (s *referenceSession) checkAttestation(att *attestation.Attestation, sent FinalizeMessage) error {
	if err := att.Verify(""); err != nil {
		return err
	}
	switch {
	case att.SessionID != s.id:
		return fmt.Errorf("mpctls: attestation for session %q, want %q", att.SessionID, s.id)
	case att.ServerName != sent.ServerName:
		return fmt.Errorf("mpctls: attestation names server %q, want %q", att.ServerName, sent.ServerName)
	case att.SentLen != sent.SentLen || att.RecvLen != sent.RecvLen:
		return errors.New("mpctls: attestation transcript lengths differ from request")
	case att.Bounds != (attestation.Bounds{MaxSentData: s.cfg.MaxSentData, MaxRecvData: s.cfg.MaxRecvData}):
		return errors.New("mpctls: attestation bounds differ from setup")
	}
	want, err := codec.Marshal(sent.Commitments)
	if err != nil {
		return err
	}
	got, err := codec.Marshal(att.Commitments)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return errors.New("mpctls: attestation commitments differ from request")
	}
	return nil
}

// interruptOnDone unblocks pending I/O on conn when ctx is done.
func interruptOnDone(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
