package wire

import (
	"encoding/binary"

	"github.com/vibing/akari-udp/pkg/akari"
)

// AckAllReceived is the sentinel first-lost-sequence value meaning "every
// sequence up to seq_total has been received".
const AckAllReceived uint16 = 0xffff

// EncodeAck builds an Ack payload: a single big-endian sequence number,
// grounded on original_source/.../encode.rs::encode_ack_v2 and
// payload.rs::AckPayload/ACK_PAYLOAD_LEN.
func EncodeAck(firstLost uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, firstLost)
	return out
}

// DecodeAck is the inverse of EncodeAck. A zero-length payload is a legal
// bare heartbeat carrying no loss information; it decodes to the
// AckAllReceived sentinel. Any other length but 2 is malformed.
func DecodeAck(payload []byte) (firstLost uint16, err error) {
	if len(payload) == 0 {
		return AckAllReceived, nil
	}
	if len(payload) != 2 {
		return 0, akari.ErrMalformed
	}
	return binary.BigEndian.Uint16(payload), nil
}

// EncodeBitmap builds a NackHead/NackBody bitmap payload naming every
// sequence number in missing. Grounded on
// original_source/.../client.rs::build_missing_bitmap, bit i of byte b names
// sequence 8*b+i. missing need not be sorted; duplicates are harmless.
//
// A zero-length bitmap is illegal for Nack, so EncodeBitmap panics on an
// empty missing slice: callers must not emit a NackHead/NackBody with
// nothing to report.
func EncodeBitmap(missing []uint16) []byte {
	if len(missing) == 0 {
		panic("wire: EncodeBitmap: missing must be non-empty")
	}
	max := missing[0]
	for _, seq := range missing[1:] {
		if seq > max {
			max = seq
		}
	}
	bitmap := make([]byte, max/8+1)
	for _, seq := range missing {
		bitmap[seq/8] |= 1 << (seq % 8)
	}
	return bitmap
}

// DecodeBitmap expands a NackHead/NackBody bitmap payload into the sorted
// list of missing sequence numbers it names. An empty payload is rejected as
// malformed: a Nack with nothing to report is illegal.
func DecodeBitmap(payload []byte) ([]uint16, error) {
	if len(payload) == 0 {
		return nil, akari.ErrMalformed
	}
	var missing []uint16
	for byteIdx, b := range payload {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				missing = append(missing, uint16(byteIdx*8+bit))
			}
		}
	}
	return missing, nil
}

// ErrorPayload is the decoded body of an Error datagram.
type ErrorPayload struct {
	Code       uint8
	HTTPStatus uint16
	Message    string
}

// EncodeError builds an Error payload: [code:1][reserved:1][http_status:2]
// [msg_len:2][message], grounded on
// original_source/.../encode_v3.rs::encode_error_v3 and payload.rs::ErrorPayload.
func EncodeError(code uint8, httpStatus uint16, message string) []byte {
	msg := []byte(message)
	out := make([]byte, 0, 6+len(msg))
	out = append(out, code, 0)
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], httpStatus)
	out = append(out, buf[:]...)
	binary.BigEndian.PutUint16(buf[:], uint16(len(msg)))
	out = append(out, buf[:]...)
	out = append(out, msg...)
	return out
}

// DecodeError is the inverse of EncodeError.
func DecodeError(payload []byte) (ErrorPayload, error) {
	if len(payload) < 6 {
		return ErrorPayload{}, akari.ErrMalformed
	}
	code := payload[0]
	httpStatus := binary.BigEndian.Uint16(payload[2:4])
	msgLen := int(binary.BigEndian.Uint16(payload[4:6]))
	if 6+msgLen != len(payload) {
		return ErrorPayload{}, akari.ErrMalformed
	}
	return ErrorPayload{
		Code:       code,
		HTTPStatus: httpStatus,
		Message:    string(payload[6 : 6+msgLen]),
	}, nil
}
