package attestation

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"xdao.co/notarize/transcript"
)

// BlinderSize is the length of the random blinder mixed into every digest.
const BlinderSize = 16

// Digest hashes blinder || data with alg.
func Digest(alg transcript.HashAlg, blinder, data []byte) ([]byte, error) {
	switch alg {
	case transcript.HashSHA256:
		h := sha256.New()
		h.Write(blinder)
		h.Write(data)
		return h.Sum(nil), nil
	case transcript.HashBlake3:
		h := blake3.New()
		h.Write(blinder)
		h.Write(data)
		return h.Sum(nil), nil
	case transcript.HashSHA3256:
		h := sha3.New256()
		h.Write(blinder)
		h.Write(data)
		return h.Sum(nil), nil
	default:
		return nil, fmt.Errorf("attestation: unsupported commitment hash %q", alg)
	}
}

// Commit computes a blinded digest for every commitment in cfg. The returned
// blinders are index-aligned with the commitments.
func Commit(t *transcript.Transcript, cfg *transcript.CommitConfig, rand io.Reader) ([]Commitment, [][]byte, error) {
	commits := cfg.Commits()
	out := make([]Commitment, 0, len(commits))
	blinders := make([][]byte, 0, len(commits))
	for _, cm := range commits {
		data, err := t.Slice(cm.Direction, cm.Ranges...)
		if err != nil {
			return nil, nil, err
		}
		blinder := make([]byte, BlinderSize)
		if _, err := io.ReadFull(rand, blinder); err != nil {
			return nil, nil, fmt.Errorf("attestation: read blinder: %w", err)
		}
		digest, err := Digest(cm.HashAlg, blinder, data)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, Commitment{Commit: cm, Digest: digest})
		blinders = append(blinders, blinder)
	}
	return out, blinders, nil
}
