package keys

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
)

type deterministicReader struct{ b byte }

func (r *deterministicReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
		r.b++
	}
	return len(p), nil
}

func seed(b byte) []byte {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = b
	}
	return s
}

func TestEd25519SignVerify(t *testing.T) {
	s, err := NewEd25519Signer(seed(7))
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	if !strings.HasPrefix(s.PublicKey(), "ed25519:") {
		t.Fatalf("unexpected key encoding %q", s.PublicKey())
	}

	msg := []byte("attestation body")
	for _, alg := range []string{"sha256", "sha512", "sha3-256"} {
		sig, err := s.Sign(alg, msg)
		if err != nil {
			t.Fatalf("Sign(%s): %v", alg, err)
		}
		if err := Verify(s.PublicKey(), alg, msg, sig); err != nil {
			t.Fatalf("Verify(%s): %v", alg, err)
		}
	}
}

func TestDilithium3SignVerify(t *testing.T) {
	s, err := NewDilithium3Signer(&deterministicReader{})
	if err != nil {
		t.Fatalf("NewDilithium3Signer: %v", err)
	}
	msg := []byte("attestation body")
	sig, err := s.Sign("sha3-256", msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(s.PublicKey(), "sha3-256", msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	s, err := NewEd25519Signer(seed(1))
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	sig, err := s.Sign("sha256", []byte("original"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	err = Verify(s.PublicKey(), "sha256", []byte("tampered"), sig)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestParsePublicKeyErrors(t *testing.T) {
	cases := []string{
		"",
		"ed25519",
		"ed25519:!!!",
		"ed25519:AAAA",
		"rsa:AAAA",
	}
	for _, c := range cases {
		if _, _, err := ParsePublicKey(c); err == nil {
			t.Fatalf("ParsePublicKey(%q): expected error", c)
		}
	}
}

func TestUnsupportedHashAlg(t *testing.T) {
	s, err := NewEd25519Signer(seed(2))
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	if _, err := s.Sign("md5", []byte("x")); err == nil {
		t.Fatalf("expected unsupported hash error")
	}
}

func TestSeedLength(t *testing.T) {
	if _, err := NewEd25519Signer([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected seed length error")
	}
}
