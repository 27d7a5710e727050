package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// ErrSignatureInvalid is returned by Verify when the signature does not match.
var ErrSignatureInvalid = errors.New("keys: signature invalid")

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case "sha256":
		s := sha256.Sum256(message)
		return s[:], nil
	case "sha512":
		s := sha512.Sum512(message)
		return s[:], nil
	case "sha3-256":
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlg)
	}
}

// Signer produces signatures over hash(message).
type Signer interface {
	// Alg is the signature algorithm name (AlgEd25519 or AlgDilithium3).
	Alg() string
	// PublicKey is the encoded "<alg>:<base64>" public key.
	PublicKey() string
	Sign(hashAlg string, message []byte) ([]byte, error)
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer returns a Signer for the key derived from a 32-byte seed.
func NewEd25519Signer(seed []byte) (Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s ed25519Signer) Alg() string { return AlgEd25519 }

func (s ed25519Signer) PublicKey() string {
	return EncodeEd25519(s.priv.Public().(ed25519.PublicKey))
}

func (s ed25519Signer) Sign(hashAlg string, message []byte) ([]byte, error) {
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(s.priv, digest), nil
}

type dilithium3Signer struct {
	pub  *mode3.PublicKey
	priv *mode3.PrivateKey
}

// NewDilithium3Signer generates a fresh Dilithium3 keypair from rand.
func NewDilithium3Signer(rand io.Reader) (Signer, error) {
	pk, sk, err := mode3.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return dilithium3Signer{pub: pk, priv: sk}, nil
}

func (s dilithium3Signer) Alg() string { return AlgDilithium3 }

func (s dilithium3Signer) PublicKey() string {
	raw, _ := s.pub.MarshalBinary()
	return AlgDilithium3 + ":" + base64.StdEncoding.EncodeToString(raw)
}

func (s dilithium3Signer) Sign(hashAlg string, message []byte) ([]byte, error) {
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, digest, sig)
	return sig, nil
}

// EncodeEd25519 encodes an Ed25519 public key as "ed25519:<base64>".
func EncodeEd25519(pub ed25519.PublicKey) string {
	return AlgEd25519 + ":" + base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey splits an encoded key into its algorithm and raw bytes and
// checks the key is well formed for that algorithm.
func ParsePublicKey(encoded string) (alg string, raw []byte, err error) {
	alg, enc, ok := strings.Cut(strings.TrimSpace(encoded), ":")
	if !ok {
		return "", nil, errors.New("invalid public key encoding")
	}
	raw, err = decodeBase64(enc)
	if err != nil {
		return "", nil, fmt.Errorf("invalid public key base64: %w", err)
	}
	switch alg {
	case AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return "", nil, errors.New("invalid ed25519 public key length")
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return "", nil, fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
	default:
		return "", nil, fmt.Errorf("unsupported public key algorithm %q", alg)
	}
	return alg, raw, nil
}

// Verify checks sig over hash(message) against an encoded public key.
func Verify(publicKey, hashAlg string, message, sig []byte) error {
	alg, raw, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return err
	}
	switch alg {
	case AlgEd25519:
		if len(sig) != ed25519.SignatureSize {
			return errors.New("invalid ed25519 signature length")
		}
		if !ed25519.Verify(ed25519.PublicKey(raw), digest, sig) {
			return ErrSignatureInvalid
		}
	case AlgDilithium3:
		if len(sig) != mode3.SignatureSize {
			return errors.New("invalid dilithium3 signature length")
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return err
		}
		if !mode3.Verify(&pk, digest, sig) {
			return ErrSignatureInvalid
		}
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	// Prefer standard padded encoding, but accept raw encoding too.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
