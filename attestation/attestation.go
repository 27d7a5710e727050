// Package attestation defines the notary-signed attestation and the secrets a
// prover keeps to later open its commitments.
package attestation

import (
	"bytes"
	"fmt"
	"time"

	"xdao.co/notarize/codec"
	"xdao.co/notarize/errs"
	"xdao.co/notarize/keys"
	"xdao.co/notarize/transcript"
)

// Version is the attestation layout written by this package.
const Version = 1

// Bounds are the transcript limits negotiated with the notary.
type Bounds struct {
	MaxSentData int `cbor:"1,keyasint"`
	MaxRecvData int `cbor:"2,keyasint"`
}

// Commitment binds a commit request to its blinded digest.
type Commitment struct {
	Commit transcript.Commit `cbor:"1,keyasint"`
	Digest []byte            `cbor:"2,keyasint"`
}

// Attestation is the notary's signed statement about one session. It never
// carries plaintext.
type Attestation struct {
	Version      int          `cbor:"1,keyasint"`
	SessionID    string       `cbor:"2,keyasint"`
	Bounds       Bounds       `cbor:"3,keyasint"`
	ServerName   string       `cbor:"4,keyasint"`
	Time         int64        `cbor:"5,keyasint"`
	SentLen      int          `cbor:"6,keyasint"`
	RecvLen      int          `cbor:"7,keyasint"`
	Commitments  []Commitment `cbor:"8,keyasint"`
	NotaryKey    string       `cbor:"9,keyasint"`
	SignatureAlg string       `cbor:"10,keyasint"`
	HashAlg      string       `cbor:"11,keyasint"`
	Signature    []byte       `cbor:"12,keyasint,omitempty"`
}

// Secrets is the prover-private half of a notarization.
type Secrets struct {
	SessionID  string `cbor:"1,keyasint"`
	ServerName string `cbor:"2,keyasint"`
	// ServerCerts is the DER chain presented by the server.
	ServerCerts [][]byte `cbor:"3,keyasint"`
	Sent        []byte   `cbor:"4,keyasint"`
	Received    []byte   `cbor:"5,keyasint"`
	// Blinders holds one blinder per attestation commitment, in order.
	Blinders [][]byte `cbor:"6,keyasint"`
}

// IssuedAt returns the notarization time.
func (a *Attestation) IssuedAt() time.Time { return time.Unix(a.Time, 0).UTC() }

// SigningBytes returns the deterministic encoding the notary signs: the
// attestation with an empty signature.
func (a *Attestation) SigningBytes() ([]byte, error) {
	unsigned := *a
	unsigned.Signature = nil
	return codec.Marshal(unsigned)
}

// Sign fills NotaryKey, SignatureAlg and Signature using s.
func (a *Attestation) Sign(s keys.Signer, hashAlg string) error {
	a.NotaryKey = s.PublicKey()
	a.SignatureAlg = s.Alg()
	a.HashAlg = hashAlg
	msg, err := a.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := s.Sign(hashAlg, msg)
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// Verify checks the notary signature. When trustedKey is non-empty the
// attestation must also name that key.
func (a *Attestation) Verify(trustedKey string) error {
	if a.Version != Version {
		return errs.New(errs.KindFinalize, "NTZ-FINALIZE-101", fmt.Sprintf("unsupported attestation version %d", a.Version))
	}
	if trustedKey != "" && trustedKey != a.NotaryKey {
		return errs.New(errs.KindFinalize, "NTZ-FINALIZE-102", "attestation signed by an untrusted notary key")
	}
	alg, _, err := keys.ParsePublicKey(a.NotaryKey)
	if err != nil {
		return errs.Wrap(errs.KindFinalize, "NTZ-FINALIZE-103", "invalid notary key", err)
	}
	if alg != a.SignatureAlg {
		return errs.New(errs.KindFinalize, "NTZ-FINALIZE-103", fmt.Sprintf("signature alg %q does not match key alg %q", a.SignatureAlg, alg))
	}
	msg, err := a.SigningBytes()
	if err != nil {
		return errs.Wrap(errs.KindFinalize, "NTZ-FINALIZE-104", "encode signing bytes", err)
	}
	if err := keys.Verify(a.NotaryKey, a.HashAlg, msg, a.Signature); err != nil {
		return errs.Wrap(errs.KindFinalize, "NTZ-FINALIZE-104", "notary signature", err)
	}
	return nil
}

// Transcript returns the plaintext transcript held by s.
func (s *Secrets) Transcript() *transcript.Transcript {
	return transcript.New(s.Sent, s.Received)
}

// Open returns the plaintext committed by commitment i of a.
func (s *Secrets) Open(a *Attestation, i int) ([]byte, error) {
	if i < 0 || i >= len(a.Commitments) {
		return nil, fmt.Errorf("attestation: commitment %d out of range", i)
	}
	cm := a.Commitments[i].Commit
	return s.Transcript().Slice(cm.Direction, cm.Ranges...)
}

// VerifySecrets checks that s belongs to a and that every commitment in a
// opens against the plaintext and blinders in s. It does not check the
// signature.
func VerifySecrets(a *Attestation, s *Secrets) error {
	if a.SessionID != s.SessionID {
		return errs.New(errs.KindFinalize, "NTZ-FINALIZE-111",
			fmt.Sprintf("session mismatch: attestation %q, secrets %q", a.SessionID, s.SessionID))
	}
	if a.ServerName != s.ServerName {
		return errs.New(errs.KindFinalize, "NTZ-FINALIZE-112",
			fmt.Sprintf("server name mismatch: attestation %q, secrets %q", a.ServerName, s.ServerName))
	}
	if a.SentLen != len(s.Sent) || a.RecvLen != len(s.Received) {
		return errs.New(errs.KindFinalize, "NTZ-FINALIZE-113", "transcript length mismatch")
	}
	if len(a.Commitments) != len(s.Blinders) {
		return errs.New(errs.KindFinalize, "NTZ-FINALIZE-114",
			fmt.Sprintf("have %d blinders for %d commitments", len(s.Blinders), len(a.Commitments)))
	}
	t := s.Transcript()
	for i, c := range a.Commitments {
		data, err := t.Slice(c.Commit.Direction, c.Commit.Ranges...)
		if err != nil {
			return errs.Wrap(errs.KindFinalize, "NTZ-FINALIZE-115", fmt.Sprintf("commitment %d", i), err)
		}
		digest, err := Digest(c.Commit.HashAlg, s.Blinders[i], data)
		if err != nil {
			return errs.Wrap(errs.KindFinalize, "NTZ-FINALIZE-115", fmt.Sprintf("commitment %d", i), err)
		}
		if !bytes.Equal(digest, c.Digest) {
			return errs.New(errs.KindFinalize, "NTZ-FINALIZE-116", fmt.Sprintf("commitment %d does not open", i))
		}
	}
	return nil
}
