package codec

import (
	"bytes"
	"strings"
	"testing"
)

type sampleRecord struct {
	SessionID string `cbor:"1,keyasint"`
	MaxSent   int    `cbor:"2,keyasint"`
	Digest    []byte `cbor:"3,keyasint,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	rec := sampleRecord{SessionID: "s-1", MaxSent: 1024, Digest: []byte{1, 2, 3}}

	first, err := Marshal(rec)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(rec)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	want := sampleRecord{SessionID: "abc", MaxSent: 4096, Digest: []byte("digest")}

	data, err := Seal(FormatAttestation, want)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	var got sampleRecord
	if err := Open(data, FormatAttestation, &got); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.SessionID != want.SessionID || got.MaxSent != want.MaxSent || !bytes.Equal(got.Digest, want.Digest) {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, want)
	}
}

func TestOpenRejectsWrongFormat(t *testing.T) {
	data, err := Seal(FormatSecrets, sampleRecord{SessionID: "x"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	var got sampleRecord
	err = Open(data, FormatAttestation, &got)
	if err == nil || !strings.Contains(err.Error(), "format mismatch") {
		t.Fatalf("expected format mismatch, got %v", err)
	}
}

func TestOpenRejectsFutureVersion(t *testing.T) {
	body, err := Marshal(sampleRecord{SessionID: "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data, err := Marshal(Envelope{Format: FormatAttestation, Version: Version + 1, Body: body})
	if err != nil {
		t.Fatalf("Marshal envelope: %v", err)
	}
	var got sampleRecord
	if err := Open(data, FormatAttestation, &got); err == nil {
		t.Fatalf("expected version rejection")
	}
}
