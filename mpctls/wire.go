package mpctls

import (
	"encoding/binary"
	"fmt"
	"io"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/codec"
)

// Frame types exchanged over the notary channel. Each frame is a 5-byte
// header (1 byte type + 4 byte big-endian payload length) followed by a
// CBOR payload.
const (
	// FrameSetup is prover to notary and carries SetupRequest.
	FrameSetup byte = 0x01
	// FrameSetupAck is notary to prover and carries SetupAck.
	FrameSetupAck byte = 0x02
	// FrameFinalize is prover to notary and carries FinalizeMessage.
	FrameFinalize byte = 0x03
	// FrameAttestation is notary to prover and carries the signed
	// attestation.Attestation.
	FrameAttestation byte = 0x04
	// FrameError may be sent by either side instead of the expected frame.
	FrameError byte = 0x7f
)

const frameHeaderLength = 5

// MaxFramePayload bounds a single frame.
const MaxFramePayload = 1 << 20

// Frame is one message on the notary channel.
type Frame struct {
	Type    byte
	Payload []byte
}

// SetupRequest opens the protocol with the bounds the prover will respect.
type SetupRequest struct {
	MaxSentData int    `cbor:"1,keyasint"`
	MaxRecvData int    `cbor:"2,keyasint"`
	ServerName  string `cbor:"3,keyasint"`
}

// SetupAck confirms setup and names the session.
type SetupAck struct {
	SessionID string `cbor:"1,keyasint"`
}

// FinalizeMessage asks the notary to sign commitments over a transcript of
// the given lengths.
type FinalizeMessage struct {
	ServerName  string                   `cbor:"1,keyasint"`
	SentLen     int                      `cbor:"2,keyasint"`
	RecvLen     int                      `cbor:"3,keyasint"`
	Commitments []attestation.Commitment `cbor:"4,keyasint"`
	HashAlg     string                   `cbor:"5,keyasint"`
}

// ErrorMessage reports a protocol failure to the peer.
type ErrorMessage struct {
	Message string `cbor:"1,keyasint"`
}

// WriteFrame encodes v and writes it as a frame of type typ.
func WriteFrame(w io.Writer, typ byte, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame payload: %w", err)
	}
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("frame payload length %d exceeds maximum %d", len(payload), MaxFramePayload)
	}
	buf := make([]byte, frameHeaderLength+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:frameHeaderLength], uint32(len(payload)))
	copy(buf[frameHeaderLength:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[1:])
	if n > MaxFramePayload {
		return Frame{}, fmt.Errorf("frame payload length %d exceeds maximum %d", n, MaxFramePayload)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	return Frame{Type: header[0], Payload: payload}, nil
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	return codec.Unmarshal(f.Payload, v)
}

// Expect reads one frame and decodes it into v if it has type typ. An
// error frame from the peer is returned as an error.
func Expect(r io.Reader, typ byte, v any) error {
	f, err := ReadFrame(r)
	if err != nil {
		return err
	}
	switch f.Type {
	case typ:
		if err := f.Decode(v); err != nil {
			return fmt.Errorf("decode frame 0x%02x: %w", typ, err)
		}
		return nil
	case FrameError:
		var msg ErrorMessage
		if err := f.Decode(&msg); err != nil {
			return fmt.Errorf("peer error (undecodable): %w", err)
		}
		return &PeerError{Message: msg.Message}
	default:
		return fmt.Errorf("unexpected frame 0x%02x, want 0x%02x", f.Type, typ)
	}
}

// PeerError is a failure reported by the other side of the channel.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string { return "peer: " + e.Message }
