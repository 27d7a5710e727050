// Package notarytest provides an in-process notary for tests: it answers
// session negotiation, upgrades the notarization connection, and plays the
// notary side of the reference engine protocol.
package notarytest

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/clock"
	"xdao.co/notarize/keys"
	"xdao.co/notarize/mpctls"
)

// Options configures a Server. The zero value is usable.
type Options struct {
	// TLS serves the notary over HTTPS.
	TLS bool
	// RejectStatus, when non-zero, answers every session request with this
	// status code.
	RejectStatus int
	// HashAlg is the signature hash (default sha256).
	HashAlg string
	Clock   clock.Clock
	// Tamper, if set, mutates each attestation after signing.
	Tamper func(*attestation.Attestation)
	Logger *slog.Logger
}

type session struct {
	bounds attestation.Bounds
	used   bool
}

// Server is a running test notary.
type Server struct {
	Host string
	Port uint16

	srv    *httptest.Server
	signer keys.Signer
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	negotiated atomic.Int64
	attested   atomic.Int64
}

// NewServer starts a notary signing with signer.
func NewServer(signer keys.Signer, opts Options) *Server {
	if opts.HashAlg == "" {
		opts.HashAlg = "sha256"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		signer:   signer,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*session),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", s.handleSession)
	mux.HandleFunc("GET /notarize", s.handleNotarize)
	if opts.TLS {
		s.srv = httptest.NewTLSServer(mux)
	} else {
		s.srv = httptest.NewServer(mux)
	}
	addr := s.srv.Listener.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = uint16(addr.Port)
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// NotaryKey returns the encoded public key attestations are signed with.
func (s *Server) NotaryKey() string { return s.signer.PublicKey() }

// TLSConfig returns a client configuration trusting the server certificate.
func (s *Server) TLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	if cert := s.srv.Certificate(); cert != nil {
		pool.AddCert(cert)
	}
	return &tls.Config{RootCAs: pool, ServerName: "example.com"}
}

// HTTPClient returns a client for the negotiation endpoint.
func (s *Server) HTTPClient() *http.Client { return s.srv.Client() }

// Negotiated returns the number of sessions handed out.
func (s *Server) Negotiated() int { return int(s.negotiated.Load()) }

// Attested returns the number of attestations signed.
func (s *Server) Attested() int { return int(s.attested.Load()) }

type sessionRequest struct {
	ClientType  string `json:"clientType"`
	MaxSentData int    `json:"maxSentData"`
	MaxRecvData int    `json:"maxRecvData"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.RejectStatus != 0 {
		http.Error(w, "notary unavailable", s.opts.RejectStatus)
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid session request", http.StatusBadRequest)
		return
	}
	if req.ClientType != "Tcp" || req.MaxSentData <= 0 || req.MaxRecvData <= 0 {
		http.Error(w, "unsupported session configuration", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{bounds: attestation.Bounds{MaxSentData: req.MaxSentData, MaxRecvData: req.MaxRecvData}}
	s.mu.Unlock()
	s.negotiated.Add(1)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": id})
}

func (s *Server) handleNotarize(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && !sess.used {
		sess.used = true
	} else {
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if r.Header.Get("Upgrade") != "TCP" {
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: TCP\r\n\r\n"); err != nil {
		return
	}
	if err := s.serve(id, sess.bounds, rw.Reader, conn); err != nil {
		s.logger.Warn("notary session failed", "session_id", id, "error", err)
	}
}

// serve plays the notary side of one session.
func (s *Server) serve(id string, bounds attestation.Bounds, r *bufio.Reader, w net.Conn) error {
	var setup mpctls.SetupRequest
	if err := mpctls.Expect(r, mpctls.FrameSetup, &setup); err != nil {
		return err
	}
	if setup.MaxSentData != bounds.MaxSentData || setup.MaxRecvData != bounds.MaxRecvData {
		msg := fmt.Sprintf("setup bounds %d/%d differ from negotiated %d/%d",
			setup.MaxSentData, setup.MaxRecvData, bounds.MaxSentData, bounds.MaxRecvData)
		_ = mpctls.WriteFrame(w, mpctls.FrameError, mpctls.ErrorMessage{Message: msg})
		return fmt.Errorf("%s", msg)
	}
	if err := mpctls.WriteFrame(w, mpctls.FrameSetupAck, mpctls.SetupAck{SessionID: id}); err != nil {
		return err
	}

	var fin mpctls.FinalizeMessage
	if err := mpctls.Expect(r, mpctls.FrameFinalize, &fin); err != nil {
		return err
	}
	if fin.SentLen > bounds.MaxSentData || fin.RecvLen > bounds.MaxRecvData {
		_ = mpctls.WriteFrame(w, mpctls.FrameError, mpctls.ErrorMessage{Message: "transcript exceeds negotiated bounds"})
		return fmt.Errorf("transcript %d/%d exceeds bounds", fin.SentLen, fin.RecvLen)
	}
	hashAlg := fin.HashAlg
	if hashAlg == "" {
		hashAlg = s.opts.HashAlg
	}
	att := &attestation.Attestation{
		Version:     attestation.Version,
		SessionID:   id,
		Bounds:      bounds,
		ServerName:  setup.ServerName,
		Time:        s.opts.Clock.Now().Unix(),
		SentLen:     fin.SentLen,
		RecvLen:     fin.RecvLen,
		Commitments: fin.Commitments,
	}
	if err := att.Sign(s.signer, hashAlg); err != nil {
		_ = mpctls.WriteFrame(w, mpctls.FrameError, mpctls.ErrorMessage{Message: err.Error()})
		return err
	}
	if s.opts.Tamper != nil {
		s.opts.Tamper(att)
	}
	if err := mpctls.WriteFrame(w, mpctls.FrameAttestation, att); err != nil {
		return err
	}
	s.attested.Add(1)
	s.logger.Debug("attestation signed", "session_id", id, "commitments", len(att.Commitments))
	return nil
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}
