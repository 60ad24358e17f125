package wire

import (
	"encoding/binary"

	"github.com/vibing/akari-udp/pkg/akari"
)

// EncodeRequest builds the payload of a Req datagram: method, then the URL
// and header block each length-prefixed. Grounded on
// original_source/.../encode_v3.rs::encode_request_v3's payload layout,
// adjusted to a clean [method][url_len][hdr_len][url][hdr] shape (the Rust
// packed-timestamp trick in the surrounding header is not carried; the
// header itself has its own clean timestamp field).
func EncodeRequest(method akari.Method, url string, headerBlock []byte) []byte {
	urlBytes := []byte(url)
	out := make([]byte, 0, 1+2+2+len(urlBytes)+len(headerBlock))
	out = append(out, byte(method))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(urlBytes)))
	out = append(out, lenBuf[:]...)
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(headerBlock)))
	out = append(out, lenBuf[:]...)
	out = append(out, urlBytes...)
	out = append(out, headerBlock...)
	return out
}

// DecodeRequest is the exact inverse of EncodeRequest.
func DecodeRequest(payload []byte) (method akari.Method, url string, headerBlock []byte, err error) {
	if len(payload) < 5 {
		return 0, "", nil, akari.ErrMalformed
	}
	method = akari.Method(payload[0])
	urlLen := int(binary.BigEndian.Uint16(payload[1:3]))
	hdrLen := int(binary.BigEndian.Uint16(payload[3:5]))
	pos := 5
	if pos+urlLen+hdrLen != len(payload) {
		return 0, "", nil, akari.ErrMalformed
	}
	url = string(payload[pos : pos+urlLen])
	pos += urlLen
	headerBlock = payload[pos : pos+hdrLen]
	return method, url, headerBlock, nil
}
