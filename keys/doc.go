// Package keys handles the notary signing keys that vouch for attestations.
//
// Public keys travel as self-describing strings, "<alg>:<base64>", where alg
// is one of:
//   - ed25519
//   - dilithium3 (post-quantum, via circl)
//
// Signatures are always computed over a digest of the message, never the raw
// message; the digest algorithm (sha256, sha512, sha3-256) is chosen by the
// caller and recorded next to the signature.
package keys
