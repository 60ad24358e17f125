package wire

import (
	"time"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/replaycache"
)

// MaxSkew is the largest allowed difference between a long-identifier
// datagram's timestamp and the receiver's wall clock before it is rejected
// as Stale.
const MaxSkew = 30 * time.Second

// Encode serialises h and payload into a single datagram authenticated
// under psk. It refuses the illegal FlagEncrypt|FlagAggregateTag
// combination and never produces the deferred aggregate-final tag; use
// EncodeAggregateFinal for the last datagram of an aggregate-tag response.
func Encode(h Header, payload []byte, psk []byte) ([]byte, error) {
	if h.Flags.Has(akari.FlagEncrypt) && h.Flags.Has(akari.FlagAggregateTag) {
		return nil, akari.ErrProtocolViolation
	}
	if h.Flags.Has(akari.FlagAggregateTag) && h.Kind != akari.KindRespBody {
		return nil, akari.ErrProtocolViolation
	}
	h.Version = VersionCurrent
	h.PayloadLen = uint16(len(payload))

	head := make([]byte, h.FixedLen())
	n := encodeHeader(head, h)
	head = head[:n]

	if h.Flags.Has(akari.FlagEncrypt) {
		sealed, err := sealAEAD(psk, h.Identifier, h.Sequence, uint8(h.Flags), head, payload)
		if err != nil {
			return nil, err
		}
		return append(head, sealed...), nil
	}

	if !hasPerDatagramTag(h) {
		// Aggregate-tag intermediate RespBody: no authentication tag at all.
		return append(head, payload...), nil
	}

	out := make([]byte, 0, len(head)+len(payload)+TagSize)
	out = append(out, head...)
	out = append(out, payload...)
	tag := computeHMACTag(psk, out)
	out = append(out, tag[:]...)
	return out, nil
}

// EncodeAggregateFinal builds the final RespBody datagram of an
// aggregate-tag response. aggregateTag is computed by AggregateTag over the
// ordered concatenation of every body payload in the response.
func EncodeAggregateFinal(h Header, payload []byte, aggregateTag [TagSize]byte) ([]byte, error) {
	if !h.Flags.Has(akari.FlagAggregateTag) || h.Kind != akari.KindRespBody || !h.Flags.Has(akari.FlagFinalMarker) {
		return nil, akari.ErrProtocolViolation
	}
	h.Version = VersionCurrent
	h.PayloadLen = uint16(len(payload))
	head := make([]byte, h.FixedLen())
	n := encodeHeader(head, h)
	head = head[:n]
	out := append(head, payload...)
	out = append(out, aggregateTag[:]...)
	return out, nil
}

// AggregateTag computes the single tag covering an entire aggregate-tag
// response body: HMAC-SHA-256 truncated to TagSize bytes over the ordered
// concatenation of the body payloads (headers and framing excluded).
func AggregateTag(psk []byte, orderedBodyPayloads [][]byte) [TagSize]byte {
	total := 0
	for _, p := range orderedBodyPayloads {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range orderedBodyPayloads {
		buf = append(buf, p...)
	}
	return computeHMACTag(psk, buf)
}

// Decode parses, authenticates and replay-checks a datagram. For an
// aggregate-tag intermediate RespBody it returns the payload unauthenticated
// (deferred to the eventual aggregate check performed once the final tag
// arrives); for every other datagram it fully authenticates before
// returning.
func Decode(datagram []byte, psk []byte, replay *replaycache.Cache) (Header, []byte, error) {
	h, off, err := decodeHeader(datagram)
	if err == ErrBadVersion {
		// h.Identifier/h.Flags are still valid at this point; a caller that
		// needs to address an Error reply at the sender reads them off the
		// returned header despite the error.
		return h, nil, err
	}
	if err != nil {
		return Header{}, nil, err
	}
	if h.Flags.Has(akari.FlagEncrypt) && h.Flags.Has(akari.FlagAggregateTag) {
		return Header{}, nil, akari.ErrMalformed
	}

	rest := datagram[off:]

	if h.Flags.Has(akari.FlagEncrypt) {
		if len(rest) != int(h.PayloadLen)+TagSize {
			return Header{}, nil, akari.ErrMalformed
		}
		plaintext, err := openAEAD(psk, h.Identifier, h.Sequence, uint8(h.Flags), datagram[:off], rest)
		if err != nil {
			return Header{}, nil, akari.ErrAuthFailed
		}
		if replay != nil && !checkReplay(replay, h) {
			return Header{}, nil, akari.ErrReplay
		}
		if stale, err := checkStale(h); stale {
			return Header{}, nil, err
		}
		return h, plaintext, nil
	}

	if !hasPerDatagramTag(h) {
		if len(rest) != int(h.PayloadLen) {
			return Header{}, nil, akari.ErrMalformed
		}
		if replay != nil && !checkReplay(replay, h) {
			return Header{}, nil, akari.ErrReplay
		}
		if stale, err := checkStale(h); stale {
			return Header{}, nil, err
		}
		return h, rest, nil
	}

	if len(rest) != int(h.PayloadLen)+TagSize {
		return Header{}, nil, akari.ErrMalformed
	}
	payload := rest[:h.PayloadLen]
	tag := rest[h.PayloadLen:]
	if !verifyHMACTag(psk, datagram[:off+int(h.PayloadLen)], tag) {
		return Header{}, nil, akari.ErrAuthFailed
	}
	if replay != nil && !checkReplay(replay, h) {
		return Header{}, nil, akari.ErrReplay
	}
	if stale, err := checkStale(h); stale {
		return Header{}, nil, err
	}
	return h, payload, nil
}

// DecodeAggregateFinal parses the final datagram of an aggregate-tag
// response without verifying its tag, returning the tag bytes separately so
// the caller can verify once the full body is assembled.
func DecodeAggregateFinal(datagram []byte) (Header, []byte, []byte, error) {
	h, off, err := decodeHeader(datagram)
	if err != nil {
		return Header{}, nil, nil, err
	}
	if !h.Flags.Has(akari.FlagAggregateTag) || h.Kind != akari.KindRespBody || !h.Flags.Has(akari.FlagFinalMarker) {
		return Header{}, nil, nil, akari.ErrMalformed
	}
	rest := datagram[off:]
	if len(rest) != int(h.PayloadLen)+TagSize {
		return Header{}, nil, nil, akari.ErrMalformed
	}
	return h, rest[:h.PayloadLen], rest[h.PayloadLen:], nil
}

// DecodeAny decodes any datagram without the caller needing to predict
// whether it is an aggregate-tag final RespBody or an ordinary datagram: it
// tries the cheap, structural-only DecodeAggregateFinal first and falls back
// to the fully-authenticated Decode. tag is non-nil only on the aggregate
// path.
func DecodeAny(datagram []byte, psk []byte, replay *replaycache.Cache) (Header, []byte, []byte, error) {
	if h, p, tag, err := DecodeAggregateFinal(datagram); err == nil {
		return h, p, tag, nil
	}
	h, p, err := Decode(datagram, psk, replay)
	return h, p, nil, err
}

// VerifyAggregateTag reports whether tag authenticates the ordered
// concatenation of orderedBodyPayloads under psk.
func VerifyAggregateTag(psk []byte, orderedBodyPayloads [][]byte, tag []byte) bool {
	if len(tag) != TagSize {
		return false
	}
	want := AggregateTag(psk, orderedBodyPayloads)
	return constantTimeEqual(want[:], tag)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func checkReplay(replay *replaycache.Cache, h Header) bool {
	key := replaycache.Key{
		Identifier: h.Identifier,
		Timestamp:  h.Timestamp,
		Sequence:   h.Sequence,
		Kind:       uint8(h.Kind),
	}
	return replay.CheckAndUpdate(key)
}

// checkStale reports whether a long-identifier datagram's timestamp lies
// outside ±MaxSkew of the receiver's wall clock. Short-identifier datagrams
// carry no timestamp and are never stale by this check.
func checkStale(h Header) (bool, error) {
	if h.Flags.Has(akari.FlagShortIdentifier) {
		return false, nil
	}
	now := time.Now().Unix()
	skew := now - int64(h.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxSkew {
		return true, akari.ErrStale
	}
	return false, nil
}
