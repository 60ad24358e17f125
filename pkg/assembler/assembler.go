// Package assembler reconstructs a single HTTP response from the
// out-of-order, possibly duplicated or lossy stream of RespHead,
// RespHeadCont and RespBody datagrams belonging to one identifier.
// Its bookkeeping shape is grounded on the Rust reference's
// ResponseAccumulator (original_source/crates/akari_udp_core/src/client.rs);
// its XOR single-chunk reconstruction is grounded on the teacher's
// FECDecoder.tryRecover in pkg/kcp/fec.go.
package assembler

import (
	"time"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/headerblock"
	"github.com/vibing/akari-udp/pkg/wire"
)

// Assembler accumulates the datagrams of one response. It is not safe for
// concurrent use; callers own one Assembler per identifier, matching the
// single-owner-goroutine model the surrounding client uses for a request's
// whole lifetime.
type Assembler struct {
	identifier uint64

	statusCode uint16
	bodyLen    uint32
	haveHead   bool

	headChunks map[uint16][]byte
	headTotal  uint16

	// dataTotal is the number of body data chunks, excluding the parity
	// chunk if one is present. It is learned from the first accepted body
	// or parity datagram's SeqTotal.
	dataTotal  uint16
	bodyChunks map[uint16][]byte

	parityExpected bool
	parity         []byte

	aggregateTag []byte

	lastProgress    time.Time
	completedHeader bool

	haveFlags         bool
	flags             akari.Flags
	haveBodyAggregate bool
	bodyAggregate     bool
}

// flagModeMask is the subset of Flags that describes an identifier's fixed
// transport mode and must stay constant across every datagram it owns.
// FlagFinalMarker is deliberately excluded: only the last head chunk and the
// last body/parity chunk carry it, by construction. FlagAggregateTag is
// excluded here too since it is illegal on any kind but RespBody, head
// datagrams never carry it even in an aggregate-tag response, and it is
// checked separately, scoped to RespBody datagrams only, below.
const flagModeMask = akari.FlagEncrypt | akari.FlagShortIdentifier | akari.FlagShortLength

// New creates an assembler for one response identifier. parityExpected
// must match what the sender declared for this response (the presence of
// an XOR parity chunk), since the wire format carries no per-datagram flag
// distinguishing a parity chunk from an ordinary data chunk.
func New(identifier uint64, parityExpected bool) *Assembler {
	return &Assembler{
		identifier:     identifier,
		headChunks:     make(map[uint16][]byte),
		bodyChunks:     make(map[uint16][]byte),
		parityExpected: parityExpected,
	}
}

// checkFlags enforces that the flag set chosen for a request stay
// consistent across every datagram of that identifier. The
// first datagram accepted for an identifier fixes its mode flags
// (flagModeMask); any later datagram whose mode flags differ is rejected.
// RespBody datagrams additionally have their own aggregate-tag consistency
// check, since that bit is meaningless on head datagrams but must not toggle
// mid-response on body ones.
func (a *Assembler) checkFlags(kind akari.PacketKind, flags akari.Flags) error {
	mode := flags & flagModeMask
	if !a.haveFlags {
		a.haveFlags = true
		a.flags = mode
	} else if a.flags != mode {
		return akari.ErrMalformed
	}

	if kind != akari.KindRespBody {
		return nil
	}
	agg := flags.Has(akari.FlagAggregateTag)
	if !a.haveBodyAggregate {
		a.haveBodyAggregate = true
		a.bodyAggregate = agg
	} else if a.bodyAggregate != agg {
		return akari.ErrMalformed
	}
	return nil
}

// AddHead admits a RespHead or RespHeadCont datagram. isFirst indicates
// RespHead (carries status/body length); RespHeadCont carries neither.
func (a *Assembler) AddHead(h wire.Header, payload []byte, isFirst bool, now time.Time) error {
	if err := a.checkFlags(h.Kind, h.Flags); err != nil {
		return err
	}
	if h.Sequence >= h.SeqTotal {
		return akari.ErrMalformed
	}
	if !a.haveHead {
		a.headTotal = h.SeqTotal
	} else if h.SeqTotal != a.headTotal {
		return akari.ErrMalformed
	}

	if isFirst {
		if len(payload) < 6 {
			return akari.ErrMalformed
		}
		statusCode := uint16(payload[0])<<8 | uint16(payload[1])
		bodyLen := uint32(payload[2])<<24 | uint32(payload[3])<<16 | uint32(payload[4])<<8 | uint32(payload[5])
		if a.haveHead && (a.statusCode != statusCode || a.bodyLen != bodyLen) {
			// A late duplicate RespHead disagreeing with the first-seen
			// declaration is dropped as Malformed rather than accepted as
			// an update; the first declaration wins.
			return akari.ErrMalformed
		}
		a.statusCode = statusCode
		a.bodyLen = bodyLen
		payload = payload[6:]
	}
	a.haveHead = true

	if _, dup := a.headChunks[h.Sequence]; dup {
		return nil
	}
	a.headChunks[h.Sequence] = payload
	a.lastProgress = now
	if len(a.headChunks) >= int(a.headTotal) {
		a.completedHeader = true
	}
	return nil
}

// AddBody admits a RespBody datagram. tag is non-nil only for the final
// datagram of an aggregate-tag response, carrying its unverified tag bytes.
func (a *Assembler) AddBody(h wire.Header, payload []byte, tag []byte, now time.Time) error {
	if err := a.checkFlags(h.Kind, h.Flags); err != nil {
		return err
	}
	seqTotal := h.SeqTotal
	dataTotal := seqTotal
	if a.parityExpected && seqTotal > 0 {
		dataTotal--
	}
	if a.dataTotal == 0 {
		a.dataTotal = dataTotal
	} else if dataTotal != a.dataTotal {
		return akari.ErrMalformed
	}
	if h.Sequence >= seqTotal {
		return akari.ErrMalformed
	}

	if tag != nil {
		a.aggregateTag = tag
	}

	isParity := a.parityExpected && h.Sequence == a.dataTotal
	if isParity {
		if a.parity == nil {
			a.parity = payload
			a.lastProgress = now
			a.tryReconstruct()
		}
		return nil
	}

	if _, dup := a.bodyChunks[h.Sequence]; dup {
		return nil
	}
	a.bodyChunks[h.Sequence] = payload
	a.lastProgress = now
	a.tryReconstruct()
	return nil
}

// tryReconstruct recovers a single missing data chunk from parity, mirroring
// FECDecoder.tryRecover: XOR the parity chunk with every accepted chunk.
func (a *Assembler) tryReconstruct() {
	if a.parity == nil || a.dataTotal == 0 {
		return
	}
	missingSeq := uint16(0)
	missingCount := 0
	for seq := uint16(0); seq < a.dataTotal; seq++ {
		if _, ok := a.bodyChunks[seq]; !ok {
			missingCount++
			missingSeq = seq
			if missingCount > 1 {
				return
			}
		}
	}
	if missingCount != 1 {
		return
	}

	recovered := make([]byte, len(a.parity))
	copy(recovered, a.parity)
	for seq, chunk := range a.bodyChunks {
		if seq == missingSeq {
			continue
		}
		for i, b := range chunk {
			if i < len(recovered) {
				recovered[i] ^= b
			}
		}
	}
	a.bodyChunks[missingSeq] = recovered
}

// MissingBodySequences returns the sorted-ascending list of data-chunk
// sequences not yet accepted or reconstructed. The parity index itself is
// never reported missing.
func (a *Assembler) MissingBodySequences() []uint16 {
	if a.dataTotal == 0 {
		return nil
	}
	var out []uint16
	for seq := uint16(0); seq < a.dataTotal; seq++ {
		if _, ok := a.bodyChunks[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}

// MissingHeadIndices returns the sorted-ascending list of head chunk indices
// not yet accepted.
func (a *Assembler) MissingHeadIndices() []uint16 {
	if a.headTotal == 0 {
		return nil
	}
	var out []uint16
	for seq := uint16(0); seq < a.headTotal; seq++ {
		if _, ok := a.headChunks[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}

// FirstLost returns the lowest missing body sequence, and whether one
// exists, for Ack(first_lost) construction.
func (a *Assembler) FirstLost() (uint16, bool) {
	missing := a.MissingBodySequences()
	if len(missing) == 0 {
		return 0, false
	}
	return missing[0], true
}

// LastProgress reports when the assembler last accepted a new chunk.
func (a *Assembler) LastProgress() time.Time { return a.lastProgress }

// HeaderComplete reports whether every head chunk has been accepted.
func (a *Assembler) HeaderComplete() bool { return a.completedHeader }

// BodyComplete reports whether every data chunk has been accepted or
// reconstructed via parity.
func (a *Assembler) BodyComplete() bool {
	if a.dataTotal == 0 {
		return a.haveHead && a.bodyLen == 0
	}
	return len(a.bodyChunks) >= int(a.dataTotal)
}

// Complete reports whether the response is fully reconstructed and, when
// the aggregate-tag flag is in play, whether its tag has verified.
func (a *Assembler) Complete(psk []byte) (bool, error) {
	if !a.HeaderComplete() || !a.BodyComplete() {
		return false, nil
	}
	if a.aggregateTag != nil {
		if !wire.VerifyAggregateTag(psk, a.orderedBody(), a.aggregateTag) {
			return false, akari.ErrAuthFailed
		}
	}
	return true, nil
}

func (a *Assembler) orderedBody() [][]byte {
	out := make([][]byte, 0, a.dataTotal)
	for seq := uint16(0); seq < a.dataTotal; seq++ {
		out = append(out, a.bodyChunks[seq])
	}
	return out
}

// Result assembles the final response. Call only once Complete reports true.
func (a *Assembler) Result() (akari.Response, error) {
	var body []byte
	for _, c := range a.orderedBody() {
		body = append(body, c...)
	}
	if a.bodyLen != 0 && uint32(len(body)) != a.bodyLen {
		return akari.Response{}, akari.ErrMalformed
	}

	var block []byte
	for i := uint16(0); i < a.headTotal; i++ {
		block = append(block, a.headChunks[i]...)
	}
	headers, err := headerblock.Decode(block)
	if err != nil {
		return akari.Response{}, err
	}

	return akari.Response{
		StatusCode: a.statusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}
