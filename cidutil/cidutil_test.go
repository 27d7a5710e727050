package cidutil

import "testing"

func TestSumStable(t *testing.T) {
	a, err := Sum([]byte("attestation"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	b, err := Sum([]byte("attestation"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("same bytes produced different CIDs: %s vs %s", a, b)
	}
	if a.String() != String([]byte("attestation")) {
		t.Fatalf("String disagrees with Sum")
	}
}

func TestMatches(t *testing.T) {
	id, err := Sum([]byte("secrets"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if !Matches(id, []byte("secrets")) {
		t.Fatalf("Matches returned false for original bytes")
	}
	if Matches(id, []byte("secretz")) {
		t.Fatalf("Matches returned true for different bytes")
	}
}

func TestParseRoundtrip(t *testing.T) {
	s := String([]byte("x"))
	id, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.String() != s {
		t.Fatalf("roundtrip mismatch: %s vs %s", id, s)
	}
	if _, err := Parse("not-a-cid"); err == nil {
		t.Fatalf("expected parse error")
	}
}
