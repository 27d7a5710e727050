package codec

import "fmt"

// Format names the kind of artifact an envelope carries.
type Format string

const (
	FormatAttestation Format = "tlsn-attestation"
	FormatSecrets     Format = "tlsn-secrets"
)

// Version is the envelope layout version written by this package.
const Version uint16 = 1

// Envelope is the on-disk framing for every persisted artifact. A verifier
// reads Format and Version first and only then decodes Body.
type Envelope struct {
	Format  Format     `cbor:"1,keyasint"`
	Version uint16     `cbor:"2,keyasint"`
	Body    RawMessage `cbor:"3,keyasint"`
}

// Seal encodes v and wraps it in an envelope of the given format.
func Seal(format Format, v any) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s body: %w", format, err)
	}
	return Marshal(Envelope{Format: format, Version: Version, Body: body})
}

// Open decodes an envelope of the expected format into v.
//
// Envelopes written by a newer, incompatible layout are rejected rather than
// decoded on a best-effort basis.
func Open(data []byte, format Format, v any) error {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return fmt.Errorf("codec: decode envelope: %w", err)
	}
	if env.Format != format {
		return fmt.Errorf("codec: format mismatch: got %q want %q", env.Format, format)
	}
	if env.Version == 0 || env.Version > Version {
		return fmt.Errorf("codec: unsupported %s version %d", format, env.Version)
	}
	if err := Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("codec: decode %s body: %w", format, err)
	}
	return nil
}
