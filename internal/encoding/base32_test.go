package encoding

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("a"),
		[]byte("hello"),
		[]byte("The quick brown fox jumps over the lazy dog"),
		{0x00, 0x01, 0x02, 0xff, 0xfe},
		bytes.Repeat([]byte{0xab}, 100),
	}

	for _, data := range cases {
		enc := Encode(data)

		if strings.ContainsAny(enc, "=") {
			t.Errorf("padding not stripped: %q", enc)
		}
		if enc != strings.ToLower(enc) {
			t.Errorf("not lowercase: %q", enc)
		}

		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%q): %v", enc, err)
		}
		if !bytes.Equal(dec, data) {
			t.Errorf("round-trip failed:\n  original: %x\n  decoded:  %x", data, dec)
		}
	}
}

func TestDecodeCaseInsensitive(t *testing.T) {
	enc := Encode([]byte("mixed case test"))

	dec, err := Decode(strings.ToUpper(enc))
	if err != nil {
		t.Fatalf("Decode uppercase: %v", err)
	}
	if !bytes.Equal(dec, []byte("mixed case test")) {
		t.Error("uppercase input should decode to the same bytes")
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := Decode("not!base32"); err == nil {
		t.Error("expected error for invalid characters")
	}
}

func TestSplitJoinLabels(t *testing.T) {
	s := strings.Repeat("x", 150)
	labels := SplitIntoLabels(s, MaxLabelLen)

	if len(labels) != 3 {
		t.Fatalf("expected 3 labels, got %d", len(labels))
	}
	for i, l := range labels[:len(labels)-1] {
		if len(l) != MaxLabelLen {
			t.Errorf("label %d: got %d chars, want %d", i, len(l), MaxLabelLen)
		}
	}
	if len(labels[2]) != 150-2*MaxLabelLen {
		t.Errorf("last label: got %d chars", len(labels[2]))
	}

	if JoinLabels(labels) != s {
		t.Error("join did not restore the original string")
	}
}

func TestSplitEmptyString(t *testing.T) {
	if labels := SplitIntoLabels("", MaxLabelLen); len(labels) != 0 {
		t.Errorf("expected no labels for empty string, got %v", labels)
	}
}
