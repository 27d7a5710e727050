// Package mpctls defines the contract between the prover lifecycle and an
// MPC-TLS engine, the frames exchanged with the notary over the session
// channel, and a reference engine.
//
// The reference engine terminates TLS locally and asks the notary to sign
// hash commitments over the recorded plaintext. It does not run any
// multi-party computation, so the notary has to trust the prover's
// transcript. It exists so the load driver can be exercised end to end.
package mpctls

import (
	"context"
	"crypto/x509"
	"net"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/transcript"
)

// Config is the protocol configuration handed to an engine at setup.
type Config struct {
	ServerName string
	// RootCAs verifies the server certificate. Nil uses the system roots.
	RootCAs     *x509.CertPool
	MaxSentData int
	MaxRecvData int
}

// Engine performs the prover side of the protocol.
type Engine interface {
	// Setup runs the preprocessing phase with the notary over channel.
	Setup(ctx context.Context, channel net.Conn, cfg Config) (Session, error)
}

// Driver runs the connection until the server side closes. It must be
// running for any I/O on the plaintext stream to make progress.
type Driver func(ctx context.Context) error

// Session is an engine session that completed setup.
type Session interface {
	// SessionID is the identifier assigned by the notary.
	SessionID() string
	// Connect opens the TLS connection over transport and returns the
	// plaintext stream together with its driver.
	Connect(ctx context.Context, transport net.Conn) (net.Conn, Driver, error)
	// Transcript returns the plaintext seen so far. It is complete once the
	// driver has returned.
	Transcript() *transcript.Transcript
	// Finalize obtains the notary's attestation over the commitments.
	Finalize(ctx context.Context, req FinalizeRequest) (*attestation.Attestation, *attestation.Secrets, error)
}

// FinalizeRequest carries what the prover asks the notary to attest.
type FinalizeRequest struct {
	Commit *transcript.CommitConfig
	// HashAlg is the hash the notary signs over (sha256, sha512, sha3-256).
	HashAlg string
}
