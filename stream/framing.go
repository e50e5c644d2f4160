// Package stream provides DNS-over-TCP length-prefix framing and a
// plaintext/TLS connection wrapper that tallies handshake and session
// metadata.
package stream

import (
	"encoding/binary"
	"errors"
	"io"

	"tcpdnsproxy/utils"
)

// DNSHeaderSize is the minimum legal length of a DNS message on the wire
// (12-byte fixed header, qdcount possibly zero).
const DNSHeaderSize = 12

// MaxMessageSize is the largest length a 2-byte prefix can express.
const MaxMessageSize = 65535

// ErrShortQuery is returned when a framed length is below DNSHeaderSize —
// a non-compliant query that can never unpack into a valid DNS message.
var ErrShortQuery = errors.New("stream: framed length below DNS header size")

// ReadLengthPrefix reads and decodes the 2-byte big-endian length prefix
// that precedes every DNS-over-TCP message.
func ReadLengthPrefix(r io.Reader) (uint16, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(lb[:]), nil
}

// ReadMessage reads the length prefix and then exactly that many bytes,
// returning ErrShortQuery without consuming the body if the length is
// below DNSHeaderSize (the caller must still drain or close the
// connection; this proxy always closes on ErrShortQuery).
func ReadMessage(r io.Reader) ([]byte, error) {
	n, err := ReadLengthPrefix(r)
	if err != nil {
		return nil, err
	}
	if n < DNSHeaderSize {
		return nil, ErrShortQuery
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// framePool recycles the scratch buffer WriteMessage uses to join the
// length prefix and payload into one Write call; safe to reuse the moment
// Write returns, since nothing keeps a reference past that point.
var framePool = utils.NewBufferPool(512)

// WriteMessage prepends a 2-byte big-endian length prefix to payload and
// writes both in a single Write call so the frame cannot be observed
// split across two TCP segments by the caller's buffering layer.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return errors.New("stream: message too large for a 2-byte length prefix")
	}
	framed := framePool.Get(2 + len(payload))
	defer framePool.Put(framed)
	binary.BigEndian.PutUint16(framed[:2], uint16(len(payload)))
	copy(framed[2:], payload)
	_, err := w.Write(framed)
	return err
}
