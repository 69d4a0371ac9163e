package compression

import (
	"bytes"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{in: "", want: None},
		{in: "none", want: None},
		{in: "ZSTD", want: Zstd},
		{in: "lz4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("ParseType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestZstdRoundTrip(t *testing.T) {
	codec, err := Lookup(Zstd)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	src := bytes.Repeat([]byte("Lime Smoothie "), 100)
	compressed := codec.Compress(nil, src)
	if len(compressed) >= len(src) {
		t.Fatalf("Expected repetitive input to shrink, got %d >= %d", len(compressed), len(src))
	}

	got, err := codec.Decompress(nil, compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("round trip changed the value")
	}

	if _, err := codec.Decompress(nil, []byte("not zstd")); err == nil {
		t.Fatal("Expected garbage input to fail")
	}
}

func TestLookupNone(t *testing.T) {
	if _, err := Lookup(None); err == nil {
		t.Fatal("Expected no codec for None")
	}
	if _, err := Lookup(Type(9)); err == nil {
		t.Fatal("Expected unknown type to fail")
	}
}
