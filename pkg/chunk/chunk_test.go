package chunk

import (
	"bytes"
	"testing"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/replaycache"
	"github.com/vibing/akari-udp/pkg/wire"
)

var testPSK = []byte("chunk-test-pre-shared-key-32-by")

func decodeAll(t *testing.T, datagrams []Datagram) []struct {
	h wire.Header
	p []byte
} {
	t.Helper()
	replay := replaycache.New(0)
	var out []struct {
		h wire.Header
		p []byte
	}
	for _, d := range datagrams {
		h, p, err := wire.Decode(d.Bytes, testPSK, replay)
		if err != nil {
			// every datagram fed here carries its own tag; an aggregate-final
			// datagram does not verify under wire.Decode and fails here.
			t.Fatalf("wire.Decode() error = %v", err)
		}
		out = append(out, struct {
			h wire.Header
			p []byte
		}{h, p})
	}
	return out
}

func TestSplitEmptyBody(t *testing.T) {
	datagrams, err := Split(200, []akari.HeaderField{{Name: "content-length", Value: "0"}}, nil, Options{
		MTU:        1200,
		Flags:      akari.FlagShortIdentifier,
		PSK:        testPSK,
		Identifier: 1,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(datagrams) != 4 {
		t.Fatalf("len(datagrams) = %d, want 4 (default head duplication)", len(datagrams))
	}
	for _, d := range datagrams {
		if d.Kind != akari.KindRespHead {
			t.Errorf("Kind = %v, want KindRespHead", d.Kind)
		}
	}
	decoded := decodeAll(t, datagrams[:1])
	if !decoded[0].h.Flags.Has(akari.FlagFinalMarker) {
		t.Errorf("empty-body head datagram missing FlagFinalMarker")
	}
}

func TestSplitSmallBodyRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte{0x42}, 300)
	datagrams, err := Split(200, []akari.HeaderField{{Name: "content-type", Value: "text/plain"}}, body, Options{
		MTU:             512,
		Flags:           akari.FlagShortIdentifier,
		PSK:             testPSK,
		Identifier:      7,
		HeadDuplication: 1,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	decoded := decodeAll(t, datagrams)

	var reassembled []byte
	sawFinal := false
	for _, d := range decoded {
		if d.h.Kind == akari.KindRespBody {
			reassembled = append(reassembled, d.p...)
			if d.h.Flags.Has(akari.FlagFinalMarker) {
				sawFinal = true
			}
		}
	}
	if !bytes.Equal(reassembled, body) {
		t.Errorf("reassembled body mismatch: got %d bytes, want %d", len(reassembled), len(body))
	}
	if !sawFinal {
		t.Errorf("no body datagram carried FlagFinalMarker")
	}
}

func TestSplitWithParityReconstructsMissingChunk(t *testing.T) {
	body := bytes.Repeat([]byte{0x7A}, 900)
	datagrams, err := Split(200, nil, body, Options{
		MTU:        256,
		Flags:      akari.FlagShortIdentifier,
		PSK:        testPSK,
		Identifier: 3,
		Parity:     true,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	var bodyDatagrams []Datagram
	for _, d := range datagrams {
		if d.Kind == akari.KindRespBody {
			bodyDatagrams = append(bodyDatagrams, d)
		}
	}
	if len(bodyDatagrams) < 3 {
		t.Fatalf("expected at least 3 body datagrams (data+parity), got %d", len(bodyDatagrams))
	}

	// Drop the first data chunk; recover it by XORing the parity chunk with
	// every other accepted chunk padded to the max chunk length.
	replay := replaycache.New(0)
	var accepted [][]byte
	var parity []byte
	seqTotal := uint16(0)
	for i, d := range bodyDatagrams {
		if i == 0 {
			continue // simulate loss
		}
		h, p, err := wire.Decode(d.Bytes, testPSK, replay)
		if err != nil {
			t.Fatalf("wire.Decode() error = %v", err)
		}
		seqTotal = h.SeqTotal
		if h.Sequence == seqTotal-1 {
			parity = p
			continue
		}
		accepted = append(accepted, p)
	}

	recovered := make([]byte, len(parity))
	copy(recovered, parity)
	for _, c := range accepted {
		for i, b := range c {
			recovered[i] ^= b
		}
	}

	_, want, err := wire.Decode(bodyDatagrams[0].Bytes, testPSK, replaycache.New(0))
	if err != nil {
		t.Fatalf("wire.Decode() of the dropped chunk error = %v", err)
	}
	if !bytes.Equal(recovered[:len(want)], want) {
		t.Errorf("recovered chunk mismatch")
	}
}
