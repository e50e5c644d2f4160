package proxyproto

import (
	"bytes"
	"net"
	"testing"
)

func TestPeekV1TCP4(t *testing.T) {
	line := "PROXY TCP4 192.168.1.1 192.168.1.2 56324 443\r\n"
	hdr, consumed, need, err := Peek([]byte(line))
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if need != 0 {
		t.Fatalf("need = %d, want 0", need)
	}
	if consumed != len(line) {
		t.Fatalf("consumed = %d, want %d", consumed, len(line))
	}
	if hdr.Version != 1 || hdr.SourceIP.String() != "192.168.1.1" || hdr.SourcePort != 56324 {
		t.Fatalf("bad header: %+v", hdr)
	}
}

func TestPeekV1Unknown(t *testing.T) {
	line := "PROXY UNKNOWN\r\n"
	hdr, consumed, _, err := Peek([]byte(line))
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if consumed != len(line) || hdr.SourceIP != nil {
		t.Fatalf("bad UNKNOWN parse: %+v consumed=%d", hdr, consumed)
	}
}

func TestPeekV1Incremental(t *testing.T) {
	line := "PROXY TCP4 1.1.1.1 2.2.2.2 1 2\r\n"
	var buf []byte
	for i := 0; i < len(line); i++ {
		buf = append(buf, line[i])
		hdr, consumed, need, err := Peek(buf)
		if err != nil {
			t.Fatalf("Peek at byte %d: %v", i, err)
		}
		if i < len(line)-1 {
			if consumed != 0 || need == 0 {
				t.Fatalf("byte %d: expected more bytes needed, got consumed=%d need=%d", i, consumed, need)
			}
			continue
		}
		if consumed != len(line) || hdr == nil {
			t.Fatalf("final byte: expected complete header, got consumed=%d hdr=%v", consumed, hdr)
		}
	}
}

func TestEncodeDecodeV2Roundtrip(t *testing.T) {
	tlvs := TLVs{{Type: 0xE0, Value: []byte("hello")}}
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	buf := EncodeV2(src, dst, 5000, 53, tlvs)

	hdr, consumed, need, err := Peek(buf)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if need != 0 || consumed != len(buf) {
		t.Fatalf("consumed=%d need=%d, want consumed=%d need=0", consumed, need, len(buf))
	}
	if !hdr.SourceIP.Equal(src) || !hdr.DestIP.Equal(dst) {
		t.Fatalf("bad addresses: %+v", hdr)
	}
	if hdr.SourcePort != 5000 || hdr.DestPort != 53 {
		t.Fatalf("bad ports: %+v", hdr)
	}
	if !hdr.TLVs.Equal(tlvs) {
		t.Fatalf("TLVs mismatch: got %+v want %+v", hdr.TLVs, tlvs)
	}
}

func TestPeekV2NeedsMoreBytes(t *testing.T) {
	tlvs := TLVs{{Type: 0x01, Value: []byte("x")}}
	full := EncodeV2(net.ParseIP("1.2.3.4"), net.ParseIP("5.6.7.8"), 1, 2, tlvs)

	for n := 0; n < len(full); n++ {
		_, consumed, need, err := Peek(full[:n])
		if err != nil {
			t.Fatalf("Peek(%d bytes): %v", n, err)
		}
		if consumed != 0 {
			t.Fatalf("Peek(%d bytes): consumed = %d, want 0 (incomplete)", n, consumed)
		}
		if n+need > len(full) {
			t.Fatalf("Peek(%d bytes): need=%d overshoots the real header (len=%d)", n, need, len(full))
		}
	}
}

func TestTLVsEqualOrderMatters(t *testing.T) {
	a := TLVs{{Type: 1, Value: []byte("a")}, {Type: 2, Value: []byte("b")}}
	b := TLVs{{Type: 2, Value: []byte("b")}, {Type: 1, Value: []byte("a")}}
	if a.Equal(b) {
		t.Fatalf("differently ordered TLV sets must not compare equal")
	}
	if !a.Equal(a.Clone()) {
		t.Fatalf("a set must equal its own clone")
	}
}

func TestPeekInvalidPrefix(t *testing.T) {
	if _, _, _, err := Peek(bytes.Repeat([]byte{0xFF}, 20)); err == nil {
		t.Fatalf("expected ErrInvalidHeader for garbage prefix")
	}
}
