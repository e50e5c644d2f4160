// Package proxyproto implements PROXY protocol v1 (text) and v2 (binary)
// header parsing and encoding. No suitable PROXY protocol library was
// available to ground this on, so it is a direct stdlib implementation
// (encoding/binary, bytes) — see DESIGN.md for the justification.
package proxyproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

var sigV2 = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// MinHeaderBytes is the smallest prefix that lets Peek decide which
// version (or neither) is present, and how many more bytes are needed.
const MinHeaderBytes = 16

const maxV1Line = 107

// ErrInvalidHeader is returned when the bytes read so far can never form
// a valid PROXY header.
var ErrInvalidHeader = errors.New("proxyproto: invalid header")

// TLV is one type-length-value entry from a v2 header.
type TLV struct {
	Type  byte
	Value []byte
}

// TLVs is an ordered list of TLV entries. Once sent over a backend
// connection it defines that connection's identity for reuse; Equal
// implements that comparison.
type TLVs []TLV

// Equal reports whether two TLV sets carry the same type/value pairs in
// the same order — the identity used to decide backend connection reuse.
func (t TLVs) Equal(other TLVs) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i].Type != other[i].Type || !bytes.Equal(t[i].Value, other[i].Value) {
			return false
		}
	}
	return true
}

// Clone makes a deep copy, since the unmodified TLV list must survive
// across every query on a connection while each forwarded query gets its
// own fresh copy to prepend to the backend stream.
func (t TLVs) Clone() TLVs {
	if t == nil {
		return nil
	}
	out := make(TLVs, len(t))
	for i, v := range t {
		cp := make([]byte, len(v.Value))
		copy(cp, v.Value)
		out[i] = TLV{Type: v.Type, Value: cp}
	}
	return out
}

// Header is the decoded source/destination identity carried by a PROXY
// header.
type Header struct {
	Version    int // 1 or 2
	SourceIP   net.IP
	DestIP     net.IP
	SourcePort uint16
	DestPort   uint16
	TLVs       TLVs
}

// Peek inspects buf (everything read from the client so far, starting at
// offset 0) and reports how to proceed:
//   - (nil, 0, nil): not enough bytes yet to tell anything; caller should
//     read exactly `need` more bytes and call Peek again. need is always
//     set in this case.
//   - (hdr, n, nil): a complete header was decoded; it occupies buf[:n].
//   - (nil, 0, err): the prefix can never be a valid header.
func Peek(buf []byte) (hdr *Header, consumed int, need int, err error) {
	if len(buf) >= 12 && bytes.Equal(buf[:12], sigV2[:]) {
		return peekV2(buf)
	}
	if len(buf) >= 5 && bytes.Equal(buf[:5], []byte("PROXY")) {
		return peekV1(buf)
	}
	if len(buf) < 12 {
		return nil, 0, 12 - len(buf), nil
	}
	return nil, 0, 0, ErrInvalidHeader
}

func peekV2(buf []byte) (*Header, int, int, error) {
	if len(buf) < 16 {
		return nil, 0, 16 - len(buf), nil
	}
	verCmd := buf[12]
	if verCmd>>4 != 2 {
		return nil, 0, 0, ErrInvalidHeader
	}
	famProto := buf[13]
	addrLen := int(binary.BigEndian.Uint16(buf[14:16]))
	total := 16 + addrLen
	if len(buf) < total {
		return nil, 0, total - len(buf), nil
	}

	cmd := verCmd & 0x0F
	hdr := &Header{Version: 2}
	body := buf[16:total]

	if cmd == 0x00 { // LOCAL: no address info, no taint
		return hdr, total, 0, nil
	}

	family := famProto >> 4
	var addrSize int
	switch family {
	case 0x1: // AF_INET
		addrSize = 12
		if len(body) < addrSize {
			return nil, 0, 0, ErrInvalidHeader
		}
		hdr.SourceIP = net.IP(append([]byte(nil), body[0:4]...))
		hdr.DestIP = net.IP(append([]byte(nil), body[4:8]...))
		hdr.SourcePort = binary.BigEndian.Uint16(body[8:10])
		hdr.DestPort = binary.BigEndian.Uint16(body[10:12])
	case 0x2: // AF_INET6
		addrSize = 36
		if len(body) < addrSize {
			return nil, 0, 0, ErrInvalidHeader
		}
		hdr.SourceIP = net.IP(append([]byte(nil), body[0:16]...))
		hdr.DestIP = net.IP(append([]byte(nil), body[16:32]...))
		hdr.SourcePort = binary.BigEndian.Uint16(body[32:34])
		hdr.DestPort = binary.BigEndian.Uint16(body[34:36])
	case 0x0: // AF_UNSPEC
		addrSize = 0
	default:
		return nil, 0, 0, ErrInvalidHeader
	}

	tlvs, err := parseTLVs(body[addrSize:])
	if err != nil {
		return nil, 0, 0, err
	}
	hdr.TLVs = tlvs
	return hdr, total, 0, nil
}

func parseTLVs(b []byte) (TLVs, error) {
	var out TLVs
	for len(b) > 0 {
		if len(b) < 3 {
			return nil, ErrInvalidHeader
		}
		t := b[0]
		l := int(binary.BigEndian.Uint16(b[1:3]))
		if len(b) < 3+l {
			return nil, ErrInvalidHeader
		}
		val := append([]byte(nil), b[3:3+l]...)
		out = append(out, TLV{Type: t, Value: val})
		b = b[3+l:]
	}
	return out, nil
}

func peekV1(buf []byte) (*Header, int, int, error) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		if len(buf) >= maxV1Line {
			return nil, 0, 0, ErrInvalidHeader
		}
		return nil, 0, 1, nil
	}
	line := string(buf[:idx])
	total := idx + 2

	fields := bytes.Fields([]byte(line))
	if len(fields) < 2 {
		return nil, 0, 0, ErrInvalidHeader
	}
	if string(fields[1]) == "UNKNOWN" {
		return &Header{Version: 1}, total, 0, nil
	}
	if len(fields) != 6 {
		return nil, 0, 0, ErrInvalidHeader
	}
	srcIP := net.ParseIP(string(fields[2]))
	dstIP := net.ParseIP(string(fields[3]))
	if srcIP == nil || dstIP == nil {
		return nil, 0, 0, ErrInvalidHeader
	}
	var srcPort, dstPort uint16
	if _, err := fmt.Sscanf(string(fields[4]), "%d", &srcPort); err != nil {
		return nil, 0, 0, ErrInvalidHeader
	}
	if _, err := fmt.Sscanf(string(fields[5]), "%d", &dstPort); err != nil {
		return nil, 0, 0, ErrInvalidHeader
	}
	return &Header{Version: 1, SourceIP: srcIP, DestIP: dstIP, SourcePort: srcPort, DestPort: dstPort}, total, 0, nil
}

// EncodeV2 builds a v2 PROXY header carrying src/dst and the given TLVs,
// to prepend to a fresh backend connection.
func EncodeV2(srcIP, dstIP net.IP, srcPort, dstPort uint16, tlvs TLVs) []byte {
	var tlvBuf bytes.Buffer
	for _, t := range tlvs {
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(len(t.Value)))
		tlvBuf.WriteByte(t.Type)
		tlvBuf.Write(lb[:])
		tlvBuf.Write(t.Value)
	}

	src4, dst4 := srcIP.To4(), dstIP.To4()
	var addrBuf bytes.Buffer
	var famProto byte = 0x00 // AF_UNSPEC/UNSPEC when an address is missing
	if src4 != nil && dst4 != nil {
		famProto = 0x11 // AF_INET | STREAM
		addrBuf.Write(src4)
		addrBuf.Write(dst4)
		var pb [4]byte
		binary.BigEndian.PutUint16(pb[0:2], srcPort)
		binary.BigEndian.PutUint16(pb[2:4], dstPort)
		addrBuf.Write(pb[:])
	} else if srcIP != nil && dstIP != nil {
		famProto = 0x21 // AF_INET6 | STREAM
		addrBuf.Write(srcIP.To16())
		addrBuf.Write(dstIP.To16())
		var pb [4]byte
		binary.BigEndian.PutUint16(pb[0:2], srcPort)
		binary.BigEndian.PutUint16(pb[2:4], dstPort)
		addrBuf.Write(pb[:])
	}

	out := make([]byte, 0, 16+addrBuf.Len()+tlvBuf.Len())
	out = append(out, sigV2[:]...)
	out = append(out, 0x21) // version 2, command PROXY
	out = append(out, famProto)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(addrBuf.Len()+tlvBuf.Len()))
	out = append(out, lenBuf[:]...)
	out = append(out, addrBuf.Bytes()...)
	out = append(out, tlvBuf.Bytes()...)
	return out
}
