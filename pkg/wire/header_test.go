package wire

import (
	"testing"

	"github.com/vibing/akari-udp/pkg/akari"
)

func TestHeaderFixedLen(t *testing.T) {
	tests := []struct {
		name string
		h    Header
		want int
	}{
		{"short id", Header{Flags: akari.FlagShortIdentifier}, 2 + 1 + 1 + 1 + 1 + 2 + 2 + 2 + 2},
		{"long id with timestamp", Header{}, 2 + 1 + 1 + 1 + 1 + 8 + 2 + 2 + 2 + 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.h.FixedLen(); got != tt.want {
				t.Errorf("FixedLen() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version:    VersionCurrent,
		Kind:       akari.KindNackBody,
		Flags:      akari.FlagShortIdentifier,
		Identifier: 0xBEEF,
		Sequence:   5,
		SeqTotal:   9,
		PayloadLen: 3,
	}
	buf := make([]byte, h.FixedLen())
	n := encodeHeader(buf, h)
	if n != h.FixedLen() {
		t.Fatalf("encodeHeader() wrote %d bytes, want %d", n, h.FixedLen())
	}

	decoded, off, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader() error = %v", err)
	}
	if off != n {
		t.Errorf("decodeHeader() consumed %d bytes, want %d", off, n)
	}
	if decoded != h {
		t.Errorf("decodeHeader() = %+v, want %+v", decoded, h)
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	if _, _, err := decodeHeader([]byte{'A', 'K', VersionCurrent}); err != ErrShortBuffer {
		t.Errorf("decodeHeader() error = %v, want ErrShortBuffer", err)
	}
}

func TestHasPerDatagramTag(t *testing.T) {
	tests := []struct {
		name string
		h    Header
		want bool
	}{
		{"plain req", Header{Kind: akari.KindReq}, true},
		{"aggregate intermediate body", Header{Kind: akari.KindRespBody, Flags: akari.FlagAggregateTag}, false},
		{"aggregate final body", Header{Kind: akari.KindRespBody, Flags: akari.FlagAggregateTag | akari.FlagFinalMarker}, true},
		{"aggregate flag on non-body kind", Header{Kind: akari.KindRespHead, Flags: akari.FlagAggregateTag}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasPerDatagramTag(tt.h); got != tt.want {
				t.Errorf("hasPerDatagramTag() = %v, want %v", got, tt.want)
			}
		})
	}
}
