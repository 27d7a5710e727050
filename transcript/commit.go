package transcript

import (
	"fmt"

	"xdao.co/notarize/errs"
)

// HashAlg names the hash used for a commitment digest.
type HashAlg string

const (
	HashSHA256  HashAlg = "sha256"
	HashBlake3  HashAlg = "blake3"
	HashSHA3256 HashAlg = "sha3-256"
)

// Valid reports whether alg is a supported commitment hash.
func (alg HashAlg) Valid() bool {
	switch alg {
	case HashSHA256, HashBlake3, HashSHA3256:
		return true
	}
	return false
}

// Commit asks the notary to vouch for the given ranges of one direction.
type Commit struct {
	Direction Direction `cbor:"1,keyasint"`
	Ranges    []Range   `cbor:"2,keyasint"`
	HashAlg   HashAlg   `cbor:"3,keyasint"`
}

// CommitConfig is the ordered set of commitments for one session.
type CommitConfig struct {
	commits []Commit
}

// Commits returns a copy of the commitments in build order.
func (c *CommitConfig) Commits() []Commit {
	out := make([]Commit, len(c.commits))
	for i, cm := range c.commits {
		cm.Ranges = append([]Range(nil), cm.Ranges...)
		out[i] = cm
	}
	return out
}

// Len returns the number of commitments.
func (c *CommitConfig) Len() int { return len(c.commits) }

// Validate checks every range against t.
func (c *CommitConfig) Validate(t *Transcript) error {
	if len(c.commits) == 0 {
		return errs.New(errs.KindCommit, "NTZ-COMMIT-004", "commit config is empty")
	}
	for i, cm := range c.commits {
		for _, r := range cm.Ranges {
			if !t.Contains(cm.Direction, r) {
				return errs.New(errs.KindCommit, "NTZ-COMMIT-001",
					fmt.Sprintf("commit %d: range %s outside %s data (len %d)", i, r, cm.Direction, t.Len(cm.Direction)))
			}
		}
	}
	return nil
}

// CommitBuilder accumulates commitments against a transcript.
type CommitBuilder struct {
	t       *Transcript
	hashAlg HashAlg
	commits []Commit
}

// NewCommitBuilder returns a builder using sha256 digests.
func NewCommitBuilder(t *Transcript) *CommitBuilder {
	return &CommitBuilder{t: t, hashAlg: HashSHA256}
}

// SetHashAlg changes the digest algorithm used by subsequent commits.
func (b *CommitBuilder) SetHashAlg(alg HashAlg) error {
	if !alg.Valid() {
		return errs.New(errs.KindCommit, "NTZ-COMMIT-003", fmt.Sprintf("unsupported hash algorithm %q", alg))
	}
	b.hashAlg = alg
	return nil
}

// CommitSent commits ranges of the sent data.
func (b *CommitBuilder) CommitSent(ranges ...Range) error { return b.Commit(Sent, ranges...) }

// CommitRecv commits ranges of the received data.
func (b *CommitBuilder) CommitRecv(ranges ...Range) error { return b.Commit(Received, ranges...) }

// Commit records one commitment covering ranges of dir. Ranges are sorted
// and merged; a commitment identical to an earlier one is ignored.
func (b *CommitBuilder) Commit(dir Direction, ranges ...Range) error {
	if dir != Sent && dir != Received {
		return errs.New(errs.KindCommit, "NTZ-COMMIT-005", fmt.Sprintf("invalid direction %d", dir))
	}
	for _, r := range ranges {
		if !b.t.Contains(dir, r) {
			return errs.New(errs.KindCommit, "NTZ-COMMIT-001",
				fmt.Sprintf("range %s outside %s data (len %d)", r, dir, b.t.Len(dir)))
		}
	}
	norm := normalize(ranges)
	if len(norm) == 0 {
		return errs.New(errs.KindCommit, "NTZ-COMMIT-002", "commit has no ranges")
	}
	cm := Commit{Direction: dir, Ranges: norm, HashAlg: b.hashAlg}
	for _, prev := range b.commits {
		if sameCommit(prev, cm) {
			return nil
		}
	}
	b.commits = append(b.commits, cm)
	return nil
}

func sameCommit(a, b Commit) bool {
	if a.Direction != b.Direction || a.HashAlg != b.HashAlg || len(a.Ranges) != len(b.Ranges) {
		return false
	}
	for i := range a.Ranges {
		if a.Ranges[i] != b.Ranges[i] {
			return false
		}
	}
	return true
}

// Build returns the accumulated configuration.
func (b *CommitBuilder) Build() (*CommitConfig, error) {
	if len(b.commits) == 0 {
		return nil, errs.New(errs.KindCommit, "NTZ-COMMIT-004", "nothing was committed")
	}
	out := &CommitConfig{commits: make([]Commit, len(b.commits))}
	copy(out.commits, b.commits)
	return out, nil
}
