// Package chunk splits an HTTP response into an ordered sequence of
// AKARI-UDP datagrams: header-block chunks, body chunks, optional XOR
// parity, and optional redundant duplicate transmission. Its XOR group
// logic is grounded on the teacher's pkg/kcp/fec.go; its fixed-header
// framing style is grounded on pkg/kcp/frame.go.
package chunk

import (
	"encoding/binary"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/headerblock"
	"github.com/vibing/akari-udp/pkg/wire"
)

// Options configures a single Split call.
type Options struct {
	MTU        int
	Flags      akari.Flags
	PSK        []byte
	Identifier uint64
	Timestamp  uint32

	// Parity appends one XOR parity RespBody chunk.
	Parity bool

	// BodyDuplication is the number of times each RespBody datagram (other
	// than the parity chunk) is emitted verbatim. 0 or 1 means no redundancy.
	BodyDuplication int

	// HeadDuplication is the number of times each head datagram (RespHead /
	// RespHeadCont) is emitted verbatim. Defaults to 4 when 0.
	HeadDuplication int
}

func (o Options) headDup() int {
	if o.HeadDuplication <= 0 {
		return 4
	}
	return o.HeadDuplication
}

func (o Options) bodyDup() int {
	if o.BodyDuplication <= 0 {
		return 1
	}
	return o.BodyDuplication
}

// Datagram is one encoded, ready-to-send unit produced by Split.
type Datagram struct {
	Kind  akari.PacketKind
	Bytes []byte
}

const statusAndLenPrefixSize = 2 + 4 // status(uint16) + body_len(uint32)

// fixedHeaderSize returns the on-wire header size for a datagram carrying
// the given flags, mirroring wire.Header.FixedLen without constructing one.
func fixedHeaderSize(flags akari.Flags) int {
	h := wire.Header{Flags: flags}
	return h.FixedLen()
}

// bodyBudget returns the usable payload bytes per datagram after reserving
// room for the fixed header and a trailing tag.
func bodyBudget(mtu int, flags akari.Flags) int {
	budget := mtu - fixedHeaderSize(flags) - wire.TagSize
	if budget < 1 {
		budget = 1
	}
	return budget
}

// Split builds the full datagram sequence for a response: head chunk(s)
// carrying status, body length and the header block, followed by body
// chunks, an optional parity chunk, and optional redundant duplicates.
func Split(status uint16, headers []akari.HeaderField, body []byte, opts Options) ([]Datagram, error) {
	aggregate := opts.Flags.Has(akari.FlagAggregateTag)
	if aggregate && len(body) == 0 {
		return nil, akari.ErrProtocolViolation
	}
	if aggregate && opts.Parity {
		return nil, akari.ErrProtocolViolation
	}

	headFlags := opts.Flags &^ akari.FlagAggregateTag &^ akari.FlagFinalMarker
	bodyFlags := opts.Flags

	headBudget := bodyBudget(opts.MTU, headFlags)
	block := headerblock.Encode(headers)

	headChunks := splitHeaderBlock(block, headBudget-statusAndLenPrefixSize)
	bodyChunks := splitBody(body, bodyBudget(opts.MTU, bodyFlags))

	seqTotalBody := uint16(len(bodyChunks))
	if opts.Parity && len(bodyChunks) > 0 {
		seqTotalBody++
	}

	var out []Datagram

	finalMarkerOnHead := len(bodyChunks) == 0

	for i, hc := range headChunks {
		kind := akari.KindRespHead
		if i > 0 {
			kind = akari.KindRespHeadCont
		}
		payload := hc
		if i == 0 {
			payload = make([]byte, 0, statusAndLenPrefixSize+len(hc))
			var prefix [statusAndLenPrefixSize]byte
			binary.BigEndian.PutUint16(prefix[0:2], status)
			binary.BigEndian.PutUint32(prefix[2:6], uint32(len(body)))
			payload = append(payload, prefix[:]...)
			payload = append(payload, hc...)
		}

		flags := headFlags
		if finalMarkerOnHead && i == len(headChunks)-1 {
			flags |= akari.FlagFinalMarker
		}
		h := wire.Header{
			Kind:       kind,
			Flags:      flags,
			Identifier: opts.Identifier,
			Sequence:   uint16(i),
			SeqTotal:   uint16(len(headChunks)),
			Timestamp:  opts.Timestamp,
		}
		encoded, err := wire.Encode(h, payload, opts.PSK)
		if err != nil {
			return nil, err
		}
		for d := 0; d < opts.headDup(); d++ {
			out = append(out, Datagram{Kind: kind, Bytes: append([]byte(nil), encoded...)})
		}
	}

	if len(bodyChunks) == 0 {
		return out, nil
	}

	for i, bc := range bodyChunks {
		isLast := i == len(bodyChunks)-1 && !opts.Parity
		flags := bodyFlags
		if isLast {
			flags |= akari.FlagFinalMarker
		}
		h := wire.Header{
			Kind:       akari.KindRespBody,
			Flags:      flags,
			Identifier: opts.Identifier,
			Sequence:   uint16(i),
			SeqTotal:   seqTotalBody,
			Timestamp:  opts.Timestamp,
		}

		var encoded []byte
		var err error
		if aggregate && isLast {
			tag := wire.AggregateTag(opts.PSK, bodyChunks)
			encoded, err = wire.EncodeAggregateFinal(h, bc, tag)
		} else {
			encoded, err = wire.Encode(h, bc, opts.PSK)
		}
		if err != nil {
			return nil, err
		}

		dup := 1
		if !aggregate {
			dup = opts.bodyDup()
		}
		for d := 0; d < dup; d++ {
			out = append(out, Datagram{Kind: akari.KindRespBody, Bytes: append([]byte(nil), encoded...)})
		}
	}

	if opts.Parity {
		parity := xorParity(bodyChunks)
		h := wire.Header{
			Kind:       akari.KindRespBody,
			Flags:      bodyFlags | akari.FlagFinalMarker,
			Identifier: opts.Identifier,
			Sequence:   uint16(len(bodyChunks)),
			SeqTotal:   seqTotalBody,
			Timestamp:  opts.Timestamp,
		}
		encoded, err := wire.Encode(h, parity, opts.PSK)
		if err != nil {
			return nil, err
		}
		out = append(out, Datagram{Kind: akari.KindRespBody, Bytes: encoded})
	}

	return out, nil
}

// splitHeaderBlock divides block into budget-sized pieces. The first piece
// is caller-adjusted for the status+body_len prefix by passing a
// pre-shrunk budget; an empty block still yields one (possibly empty) piece
// so a head datagram is always emitted.
func splitHeaderBlock(block []byte, budget int) [][]byte {
	if len(block) == 0 {
		return [][]byte{nil}
	}
	var out [][]byte
	for len(block) > 0 {
		n := budget
		if n > len(block) {
			n = len(block)
		}
		if n <= 0 {
			n = len(block)
		}
		out = append(out, block[:n])
		block = block[n:]
	}
	return out
}

// splitBody divides body into budget-sized chunks, the last possibly
// shorter. An empty body yields no chunks.
func splitBody(body []byte, budget int) [][]byte {
	if len(body) == 0 {
		return nil
	}
	var out [][]byte
	for len(body) > 0 {
		n := budget
		if n > len(body) {
			n = len(body)
		}
		out = append(out, body[:n])
		body = body[n:]
	}
	return out
}

// xorParity computes the byte-wise XOR of every chunk, each conceptually
// padded to the maximum chunk length, grounded on the teacher's
// FECEncoder running-XOR accumulator in pkg/kcp/fec.go.
func xorParity(chunks [][]byte) []byte {
	max := 0
	for _, c := range chunks {
		if len(c) > max {
			max = len(c)
		}
	}
	out := make([]byte, max)
	for _, c := range chunks {
		for i, b := range c {
			out[i] ^= b
		}
	}
	return out
}
