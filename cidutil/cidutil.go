// Package cidutil derives content identifiers for persisted artifacts.
//
// Every attestation and secrets file is addressed by a CIDv1 using the "raw"
// multicodec and a sha2-256 multihash of its exact encoded bytes, so the same
// artifact gets the same identifier in a local directory, a CAS mirror, or a
// log line.
package cidutil

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Sum returns the CIDv1 (raw + sha2-256) of data.
func Sum(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// String returns Sum(data) in its canonical string form, or "" if hashing
// fails (which only happens for invalid multihash parameters).
func String(data []byte) string {
	id, err := Sum(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// Matches reports whether data hashes to id.
func Matches(id cid.Cid, data []byte) bool {
	got, err := Sum(data)
	if err != nil {
		return false
	}
	return got.Equals(id)
}

// Parse decodes a CID string and requires it to use the raw codec.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, err
	}
	if id.Type() != cid.Raw {
		return cid.Undef, fmt.Errorf("cidutil: unexpected codec 0x%x", id.Type())
	}
	return id, nil
}
