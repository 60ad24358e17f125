package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/replaycache"
)

var testPSK = []byte("test-pre-shared-key-32-bytes!!!!")

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		payload []byte
	}{
		{
			name: "short-id HMAC request",
			header: Header{
				Kind:       akari.KindReq,
				Flags:      akari.FlagShortIdentifier,
				Identifier: 42,
				Sequence:   0,
				SeqTotal:   1,
			},
			payload: []byte("GET /index.html"),
		},
		{
			name: "long-id HMAC with timestamp",
			header: Header{
				Kind:       akari.KindRespBody,
				Identifier: 0x0102030405060708,
				Sequence:   3,
				SeqTotal:   10,
			},
			payload: bytes.Repeat([]byte{0xAB}, 200),
		},
		{
			name: "encrypted response head",
			header: Header{
				Kind:       akari.KindRespHead,
				Flags:      akari.FlagEncrypt,
				Identifier: 99,
				Sequence:   0,
				SeqTotal:   1,
			},
			payload: []byte("status+headers"),
		},
		{
			name: "empty payload ack",
			header: Header{
				Kind:       akari.KindAck,
				Flags:      akari.FlagShortIdentifier,
				Identifier: 7,
			},
			payload: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.header.Timestamp = fixTimestamp(tt.header)
			encoded, err := Encode(tt.header, tt.payload, testPSK)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			replay := replaycache.New(0)
			decoded, payload, err := Decode(encoded, testPSK, replay)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if decoded.Kind != tt.header.Kind {
				t.Errorf("Kind = %v, want %v", decoded.Kind, tt.header.Kind)
			}
			if decoded.Identifier != tt.header.Identifier {
				t.Errorf("Identifier = %d, want %d", decoded.Identifier, tt.header.Identifier)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload mismatch: got %v, want %v", payload, tt.payload)
			}
		})
	}
}

// fixTimestamp ensures long-identifier test cases carry a timestamp inside
// the skew window when the test doesn't care about staleness.
func fixTimestamp(h Header) uint32 {
	if h.Flags.Has(akari.FlagShortIdentifier) {
		return 0
	}
	if h.Timestamp != 0 {
		return h.Timestamp
	}
	return uint32(time.Now().Unix())
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	h := Header{Kind: akari.KindReq, Flags: akari.FlagShortIdentifier, Identifier: 1}
	encoded, err := Encode(h, nil, testPSK)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	encoded[0] = 'X'
	if _, _, err := Decode(encoded, testPSK, replaycache.New(0)); err != ErrBadMagic {
		t.Errorf("Decode() error = %v, want ErrBadMagic", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	h := Header{Kind: akari.KindReq, Flags: akari.FlagShortIdentifier, Identifier: 1}
	encoded, err := Encode(h, nil, testPSK)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	encoded[2] = 0x09
	if _, _, err := Decode(encoded, testPSK, replaycache.New(0)); err != ErrBadVersion {
		t.Errorf("Decode() error = %v, want ErrBadVersion", err)
	}
}

func TestDecodeRejectsReservedNonzero(t *testing.T) {
	h := Header{Kind: akari.KindReq, Flags: akari.FlagShortIdentifier, Identifier: 1}
	encoded, err := Encode(h, nil, testPSK)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	encoded[5] = 0x01
	if _, _, err := Decode(encoded, testPSK, replaycache.New(0)); err != ErrReservedNonzero {
		t.Errorf("Decode() error = %v, want ErrReservedNonzero", err)
	}
}

func TestDecodeRejectsTagMismatch(t *testing.T) {
	h := Header{Kind: akari.KindReq, Flags: akari.FlagShortIdentifier, Identifier: 1}
	encoded, err := Encode(h, []byte("payload"), testPSK)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	encoded[len(encoded)-1] ^= 0xFF
	if _, _, err := Decode(encoded, testPSK, replaycache.New(0)); err != akari.ErrAuthFailed {
		t.Errorf("Decode() error = %v, want ErrAuthFailed", err)
	}
}

func TestDecodeRejectsReplay(t *testing.T) {
	h := Header{Kind: akari.KindReq, Flags: akari.FlagShortIdentifier, Identifier: 1}
	encoded, err := Encode(h, []byte("payload"), testPSK)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	replay := replaycache.New(0)
	if _, _, err := Decode(encoded, testPSK, replay); err != nil {
		t.Fatalf("first Decode() error = %v", err)
	}
	if _, _, err := Decode(encoded, testPSK, replay); err != akari.ErrReplay {
		t.Errorf("second Decode() error = %v, want ErrReplay", err)
	}
}

func TestEncodeRejectsEncryptAndAggregateTag(t *testing.T) {
	h := Header{
		Kind:       akari.KindRespBody,
		Flags:      akari.FlagEncrypt | akari.FlagAggregateTag,
		Identifier: 1,
	}
	if _, err := Encode(h, nil, testPSK); err != akari.ErrProtocolViolation {
		t.Errorf("Encode() error = %v, want ErrProtocolViolation", err)
	}
}

func TestDecodeRejectsEncryptAndAggregateTag(t *testing.T) {
	h := Header{Kind: akari.KindRespBody, Flags: akari.FlagShortIdentifier, Identifier: 1}
	encoded, err := Encode(h, []byte("x"), testPSK)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// forge the illegal flag combination directly into the encoded bytes
	encoded[4] = uint8(akari.FlagEncrypt | akari.FlagAggregateTag | akari.FlagShortIdentifier)
	if _, _, err := Decode(encoded, testPSK, replaycache.New(0)); err != akari.ErrMalformed {
		t.Errorf("Decode() error = %v, want ErrMalformed", err)
	}
}

func TestAggregateTagIntermediateHasNoTag(t *testing.T) {
	h := Header{
		Kind:       akari.KindRespBody,
		Flags:      akari.FlagAggregateTag,
		Identifier: 1,
		Sequence:   0,
		SeqTotal:   3,
		Timestamp:  uint32(time.Now().Unix()),
	}
	payload := []byte("chunk-0")
	encoded, err := Encode(h, payload, testPSK)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(encoded) != h.FixedLen()+len(payload) {
		t.Errorf("encoded len = %d, want %d (no trailing tag)", len(encoded), h.FixedLen()+len(payload))
	}

	decoded, gotPayload, err := Decode(encoded, testPSK, replaycache.New(0))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload mismatch")
	}
	_ = decoded
}

func TestAggregateFinalRoundTrip(t *testing.T) {
	chunks := [][]byte{[]byte("chunk-0"), []byte("chunk-1"), []byte("chunk-2")}
	tag := AggregateTag(testPSK, chunks)

	h := Header{
		Kind:       akari.KindRespBody,
		Flags:      akari.FlagAggregateTag | akari.FlagFinalMarker,
		Identifier: 1,
		Sequence:   2,
		SeqTotal:   3,
		Timestamp:  uint32(time.Now().Unix()),
	}
	encoded, err := EncodeAggregateFinal(h, chunks[2], tag)
	if err != nil {
		t.Fatalf("EncodeAggregateFinal() error = %v", err)
	}

	_, payload, gotTag, err := DecodeAggregateFinal(encoded)
	if err != nil {
		t.Fatalf("DecodeAggregateFinal() error = %v", err)
	}
	if !bytes.Equal(payload, chunks[2]) {
		t.Errorf("payload mismatch")
	}
	if !VerifyAggregateTag(testPSK, chunks, gotTag) {
		t.Errorf("VerifyAggregateTag() = false, want true")
	}
	tampered := append([]byte(nil), chunks[1]...)
	tampered[0] ^= 0xFF
	if VerifyAggregateTag(testPSK, [][]byte{chunks[0], tampered, chunks[2]}, gotTag) {
		t.Errorf("VerifyAggregateTag() = true for tampered body, want false")
	}
}
