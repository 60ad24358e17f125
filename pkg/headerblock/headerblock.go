// Package headerblock encodes and decodes the compact byte form of an HTTP
// header list carried inside RespHead/RespHeadCont datagrams.
package headerblock

import (
	"encoding/binary"
	"errors"

	"github.com/vibing/akari-udp/pkg/akari"
)

// staticNames maps a static table ID to its header name. ID 0 is reserved
// for the literal-name escape and never appears here.
var staticNames = [...]string{
	1:  "content-type",
	2:  "content-length",
	3:  "cache-control",
	4:  "etag",
	5:  "last-modified",
	6:  "date",
	7:  "server",
	8:  "content-encoding",
	9:  "accept-ranges",
	10: "set-cookie",
	11: "location",
}

// staticIDs is the inverse of staticNames, built once at init.
var staticIDs = func() map[string]uint8 {
	m := make(map[string]uint8, len(staticNames)-1)
	for id, name := range staticNames {
		if id == 0 {
			continue
		}
		m[name] = uint8(id)
	}
	return m
}()

var ErrTruncated = errors.New("headerblock: truncated entry")

// Encode serialises fields in order. Each entry is emitted as
// [id:1][len:2][value] when the name is in the static table, or
// [0][name_len:1][name][len:2][value] otherwise. Duplicate names and
// insertion order are preserved verbatim.
func Encode(fields []akari.HeaderField) []byte {
	size := 0
	for _, f := range fields {
		if _, ok := staticIDs[f.Name]; ok {
			size += 1 + 2 + len(f.Value)
		} else {
			size += 1 + 1 + len(f.Name) + 2 + len(f.Value)
		}
	}

	buf := make([]byte, 0, size)
	for _, f := range fields {
		if id, ok := staticIDs[f.Name]; ok {
			buf = append(buf, id)
			buf = appendLenPrefixed(buf, f.Value)
			continue
		}
		buf = append(buf, 0, byte(len(f.Name)))
		buf = append(buf, f.Name...)
		buf = appendLenPrefixed(buf, f.Value)
	}
	return buf
}

func appendLenPrefixed(buf []byte, value string) []byte {
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(value)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, value...)
	return buf
}

// Decode is the exact inverse of Encode. An unknown static ID is Malformed;
// a length prefix running past the end of block is Malformed.
func Decode(block []byte) ([]akari.HeaderField, error) {
	var fields []akari.HeaderField
	pos := 0
	for pos < len(block) {
		id := block[pos]
		pos++

		var name string
		if id == 0 {
			if pos >= len(block) {
				return nil, akari.ErrMalformed
			}
			nameLen := int(block[pos])
			pos++
			if pos+nameLen > len(block) {
				return nil, akari.ErrMalformed
			}
			name = string(block[pos : pos+nameLen])
			pos += nameLen
		} else {
			if int(id) >= len(staticNames) || staticNames[id] == "" {
				return nil, akari.ErrMalformed
			}
			name = staticNames[id]
		}

		if pos+2 > len(block) {
			return nil, akari.ErrMalformed
		}
		valLen := int(binary.BigEndian.Uint16(block[pos:]))
		pos += 2
		if pos+valLen > len(block) {
			return nil, akari.ErrMalformed
		}
		value := string(block[pos : pos+valLen])
		pos += valLen

		fields = append(fields, akari.HeaderField{Name: name, Value: value})
	}
	return fields, nil
}
