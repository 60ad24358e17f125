// Package wire implements the AKARI-UDP datagram codec: fixed-layout header
// encode/decode, HMAC-SHA-256 and XChaCha20-Poly1305 authentication, nonce
// derivation, and replay rejection.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/vibing/akari-udp/pkg/akari"
)

// Magic identifies an AKARI-UDP datagram.
var Magic = [2]byte{'A', 'K'}

// Version values accepted on decode. Only VersionCurrent is ever emitted by
// Encode.
const (
	VersionLegacy1 uint8 = 0x01
	VersionLegacy2 uint8 = 0x02
	VersionCurrent uint8 = 0x03
)

// TagSize is the length of an HMAC or AEAD authentication tag in bytes.
const TagSize = 16

// Header is the fixed-layout portion of every AKARI-UDP datagram.
type Header struct {
	Version    uint8
	Kind       akari.PacketKind
	Flags      akari.Flags
	Identifier uint64
	Sequence   uint16
	SeqTotal   uint16
	PayloadLen uint16
	Timestamp  uint32 // wire-present only when Flags lacks FlagShortIdentifier
}

// FixedLen reports the number of header bytes on the wire for this header's
// flag set: magic, version, kind, flags, reserved, an identifier of 2 or 8
// bytes, sequence, seq_total, payload_len, and an optional 4-byte timestamp.
func (h Header) FixedLen() int {
	const common = 2 + 1 + 1 + 1 + 1 + 2 + 2 + 2
	n := common
	if h.Flags.Has(akari.FlagShortIdentifier) {
		n += 2
	} else {
		n += 8
		n += 4 // timestamp
	}
	return n
}

var (
	ErrShortBuffer     = errors.New("wire: buffer too short for header")
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrBadVersion      = errors.New("wire: unsupported version")
	ErrReservedNonzero = errors.New("wire: reserved byte nonzero")
	ErrLengthMismatch  = errors.New("wire: declared payload length inconsistent with buffer")
)

// encodeHeader writes h's fixed-layout fields to the front of buf, returning
// the number of bytes written. buf must be at least h.FixedLen() long.
func encodeHeader(buf []byte, h Header) int {
	buf[0], buf[1] = Magic[0], Magic[1]
	buf[2] = h.Version
	buf[3] = uint8(h.Kind)
	buf[4] = uint8(h.Flags)
	buf[5] = 0 // reserved

	off := 6
	if h.Flags.Has(akari.FlagShortIdentifier) {
		binary.BigEndian.PutUint16(buf[off:], uint16(h.Identifier))
		off += 2
	} else {
		binary.BigEndian.PutUint64(buf[off:], h.Identifier)
		off += 8
	}
	binary.BigEndian.PutUint16(buf[off:], h.Sequence)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], h.SeqTotal)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], h.PayloadLen)
	off += 2
	if !h.Flags.Has(akari.FlagShortIdentifier) {
		binary.BigEndian.PutUint32(buf[off:], h.Timestamp)
		off += 4
	}
	return off
}

// decodeHeader parses a Header from the front of buf, returning the header
// and the number of bytes consumed. Kind, Flags and Identifier sit at the
// same offsets in every version this decoder recognizes as well-formed
// (legacy or current), so an unsupported version still yields a fully
// populated Header alongside ErrBadVersion: a caller that must address an
// Error reply at the sender can read h.Identifier/h.Flags off it without
// having decoded the version itself.
func decodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < 6 {
		return Header{}, 0, ErrShortBuffer
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] {
		return Header{}, 0, ErrBadMagic
	}
	version := buf[2]
	if buf[5] != 0 {
		return Header{}, 0, ErrReservedNonzero
	}

	h := Header{
		Version: version,
		Kind:    akari.PacketKind(buf[3]),
		Flags:   akari.Flags(buf[4]),
	}

	off := 6
	idLen := 8
	if h.Flags.Has(akari.FlagShortIdentifier) {
		idLen = 2
	}
	tail := idLen + 2 + 2 + 2
	if !h.Flags.Has(akari.FlagShortIdentifier) {
		tail += 4
	}
	if len(buf) < off+tail {
		return Header{}, 0, ErrShortBuffer
	}

	if idLen == 2 {
		h.Identifier = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	} else {
		h.Identifier = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}
	h.Sequence = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.SeqTotal = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.PayloadLen = binary.BigEndian.Uint16(buf[off:])
	off += 2
	if !h.Flags.Has(akari.FlagShortIdentifier) {
		h.Timestamp = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}

	switch version {
	case VersionLegacy1, VersionLegacy2, VersionCurrent:
	default:
		return h, off, ErrBadVersion
	}
	return h, off, nil
}

// hasPerDatagramTag reports whether this datagram carries its own
// authentication tag. It is false only for an aggregate-tag intermediate
// RespBody datagram; every other datagram is tagged.
func hasPerDatagramTag(h Header) bool {
	if !h.Flags.Has(akari.FlagAggregateTag) {
		return true
	}
	return h.Kind != akari.KindRespBody || h.Flags.Has(akari.FlagFinalMarker)
}
