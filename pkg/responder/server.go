// Package responder implements the origin-facing half of an AKARI-UDP
// tunnel: demultiplex incoming datagrams by identifier, invoke the HTTP
// fetcher exactly once per identifier, stream the resulting chunk sequence,
// cache it briefly for retransmit, and answer NACK/ACK by replaying exactly
// the requested subset. Its fetch-dispatch and error-mapping
// logic is grounded on
// original_source/py/akari/remote_proxy/handler.py::handle_request; its
// single-owner-goroutine dispatch loop, with asynchronous work reported back
// over a result channel, is grounded on the teacher's
// pkg/kcp/conn.go::KCPConn.runLoop (inputCh/writeCh pattern), generalized
// here to a receive channel plus a fetch-completion channel.
package responder

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/chunk"
	"github.com/vibing/akari-udp/pkg/config"
	"github.com/vibing/akari-udp/pkg/headerblock"
	"github.com/vibing/akari-udp/pkg/replaycache"
	"github.com/vibing/akari-udp/pkg/transport"
	"github.com/vibing/akari-udp/pkg/wire"
)

// ackRetransmitCap bounds how many datagrams a single Ack(first_lost)
// triggers: every cached datagram with sequence >= first_lost is re-emitted,
// up to this cap.
const ackRetransmitCap = 256

// requestState is the per-identifier bookkeeping the New->Fetching->
// Streaming/Cached lifecycle needs. While the fetch is in flight headBySeq
// is empty; sweepExpired never reaps a request in that state.
type requestState struct {
	remote     *net.UDPAddr
	flags      akari.Flags
	headBySeq  map[uint16][]byte
	bodyBySeq  map[uint16][]byte
	maxBodySeq uint16
	expiresAt  time.Time
}

func (st *requestState) fetching() bool { return len(st.headBySeq) == 0 }

// Server drives one UDP socket, invoking fetcher for each new request
// identifier and serving retransmits from an in-memory cache until
// cfg.RespCacheTTL elapses since the last activity on that identifier.
type Server struct {
	conn    *transport.Conn
	psk     []byte
	fetcher Fetcher
	cfg     config.ResponderConfig
	replay  *replaycache.Cache
}

// New builds a Server. conn is not closed by Serve; the caller owns its
// lifecycle.
func New(conn *transport.Conn, psk []byte, fetcher Fetcher, cfg config.ResponderConfig) *Server {
	return &Server{
		conn:    conn,
		psk:     psk,
		fetcher: fetcher,
		cfg:     cfg,
		replay:  replaycache.New(cfg.ReplayWindow),
	}
}

type datagramMsg struct {
	from *net.UDPAddr
	buf  []byte
}

type fetchDone struct {
	identifier uint64
	remote     *net.UDPAddr
	flags      akari.Flags
	result     FetchResult
	err        error
}

// Serve runs the receive/dispatch loop until ctx is cancelled or the socket
// fails. Every mutable request-state access happens in this one goroutine;
// recvLoop and the per-request fetch goroutines only ever hand results back
// over channels, the same discipline the teacher's runLoop enforces for KCP
// state.
func (s *Server) Serve(ctx context.Context) error {
	recvCh := make(chan datagramMsg, 64)
	doneCh := make(chan fetchDone, 16)

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErrCh := make(chan error, 1)
	go s.recvLoop(recvCtx, recvCh, recvErrCh)

	requests := make(map[uint64]*requestState)
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErrCh:
			return err
		case <-sweep.C:
			s.sweepExpired(requests)
		case d := <-recvCh:
			s.handleDatagram(ctx, d, requests, doneCh)
		case done := <-doneCh:
			s.handleFetchDone(done, requests)
		}
	}
}

// recvLoop drains as many arrived datagrams as one ReadBatch call returns
// before handing them off, instead of paying one syscall per datagram under
// load.
func (s *Server) recvLoop(ctx context.Context, out chan<- datagramMsg, errCh chan<- error) {
	buffers := make([][]byte, transport.DefaultBatchSize)
	for i := range buffers {
		buffers[i] = make([]byte, 65535)
	}
	for {
		if ctx.Err() != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := s.conn.ReadBatch(buffers)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		for i := 0; i < n; i++ {
			from := s.conn.ReceivedFrom(i)
			l := s.conn.ReceivedN(i)
			if from == nil || l == 0 {
				continue
			}
			cp := append([]byte(nil), buffers[i][:l]...)
			select {
			case out <- datagramMsg{from: from, buf: cp}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) handleDatagram(ctx context.Context, d datagramMsg, requests map[uint64]*requestState, doneCh chan<- fetchDone) {
	h, payload, err := wire.Decode(d.buf, s.psk, s.replay)
	if err == wire.ErrBadVersion {
		// Kind/Flags/Identifier still decoded despite the bad version; reply
		// with an Error rather than silently dropping like an ordinary
		// malformed datagram.
		s.sendError(h.Identifier, h.Flags, d.from, akari.ErrCodeUnsupportedVersion, 505, "unsupported version")
		return
	}
	if err == akari.ErrReplay {
		// A retransmitted Req is byte-identical to the first one, so the
		// replay cache rejects it; it still re-emits the cached head.
		if rh, _, rerr := wire.Decode(d.buf, s.psk, nil); rerr == nil && rh.Kind == akari.KindReq {
			if st, ok := requests[rh.Identifier]; ok {
				s.retransmitHead(st)
			}
		}
		return
	}
	if err != nil {
		return
	}

	switch h.Kind {
	case akari.KindReq:
		s.handleReq(ctx, h, payload, d.from, requests, doneCh)
	case akari.KindNackHead:
		s.handleNack(h, payload, d.from, requests, true)
	case akari.KindNackBody:
		s.handleNack(h, payload, d.from, requests, false)
	case akari.KindAck:
		s.handleAck(h, payload, d.from, requests)
	case akari.KindError:
		// The peer is reporting a failure about the response we already
		// sent it; nothing more to serve for this identifier.
		delete(requests, h.Identifier)
	default:
		// RespHead/RespHeadCont/RespBody are Responder-emitted kinds and
		// never arrive here.
	}
}

func (s *Server) handleReq(ctx context.Context, h wire.Header, payload []byte, from *net.UDPAddr, requests map[uint64]*requestState, doneCh chan<- fetchDone) {
	if st, ok := requests[h.Identifier]; ok {
		// Duplicate Req: re-emit the head datagram(s) and let the Initiator
		// drive body retransmits via NACK/ACK. Do not refetch.
		s.retransmitHead(st)
		return
	}

	if s.cfg.RequireEncryption && !h.Flags.Has(akari.FlagEncrypt) {
		s.sendError(h.Identifier, h.Flags, from, akari.ErrCodeUnencryptedRefused, 400, "encryption required")
		return
	}

	method, url, headerBlock, err := wire.DecodeRequest(payload)
	if err != nil {
		return
	}
	headers, err := headerblock.Decode(headerBlock)
	if err != nil {
		return
	}

	requests[h.Identifier] = &requestState{
		remote:    from,
		flags:     h.Flags,
		headBySeq: make(map[uint16][]byte),
		bodyBySeq: make(map[uint16][]byte),
	}

	identifier, flags := h.Identifier, h.Flags
	go func() {
		result, ferr := s.fetcher(ctx, method, url, headers)
		select {
		case doneCh <- fetchDone{identifier: identifier, remote: from, flags: flags, result: result, err: ferr}:
		case <-ctx.Done():
		}
	}()
}

func (s *Server) handleFetchDone(done fetchDone, requests map[uint64]*requestState) {
	st, ok := requests[done.identifier]
	if !ok {
		// Discarded (peer sent Error, or evicted) before the fetch returned.
		return
	}

	if done.err != nil {
		code, httpStatus := errorCodeForFetchError(done.err)
		s.sendError(done.identifier, done.flags, st.remote, code, httpStatus, truncateMessage(done.err.Error()))
		delete(requests, done.identifier)
		return
	}

	respFlags := done.flags &^ akari.FlagAggregateTag &^ akari.FlagFinalMarker
	datagrams, err := chunk.Split(done.result.StatusCode, done.result.Headers, done.result.Body, chunk.Options{
		MTU:             s.cfg.MTUBudget,
		Flags:           respFlags,
		PSK:             s.psk,
		Identifier:      done.identifier,
		Timestamp:       uint32(time.Now().Unix()),
		Parity:          s.cfg.ParityEnabled,
		HeadDuplication: s.cfg.HeadDuplication,
		BodyDuplication: s.cfg.BodyDuplication,
	})
	if err != nil {
		s.sendError(done.identifier, done.flags, st.remote, akari.ErrCodeInternal, 500, "internal error")
		delete(requests, done.identifier)
		return
	}

	s.indexAndCache(st, datagrams)
	bufs := make([][]byte, len(datagrams))
	for i, d := range datagrams {
		bufs[i] = d.Bytes
	}
	s.retransmitBatch(bufs, st.remote)
	st.expiresAt = time.Now().Add(s.cfg.RespCacheTTL)
}

// indexAndCache decodes each just-produced datagram to recover its sequence
// number and files the raw bytes for exact-subset retransmission later. It
// uses wire.DecodeAny since the final datagram of an aggregate-tag response
// (never used by this Responder today, but the codec is kind-agnostic) does
// not verify under the ordinary per-datagram Decode path.
func (s *Server) indexAndCache(st *requestState, datagrams []chunk.Datagram) {
	for _, d := range datagrams {
		h, _, _, err := wire.DecodeAny(d.Bytes, s.psk, nil)
		if err != nil {
			continue
		}
		switch h.Kind {
		case akari.KindRespHead, akari.KindRespHeadCont:
			if _, dup := st.headBySeq[h.Sequence]; !dup {
				st.headBySeq[h.Sequence] = d.Bytes
			}
		case akari.KindRespBody:
			if _, dup := st.bodyBySeq[h.Sequence]; !dup {
				st.bodyBySeq[h.Sequence] = d.Bytes
			}
			if h.Sequence > st.maxBodySeq {
				st.maxBodySeq = h.Sequence
			}
		}
	}
}

// retransmitBatch sends every raw datagram in bufs to addr in as few
// syscalls as the platform allows. WriteBatch caps how many it accepts per
// call, so this loops on its returned count until everything is sent.
func (s *Server) retransmitBatch(bufs [][]byte, addr *net.UDPAddr) {
	if len(bufs) == 0 {
		return
	}
	addrs := make([]*net.UDPAddr, len(bufs))
	for i := range addrs {
		addrs[i] = addr
	}
	for len(bufs) > 0 {
		n, err := s.conn.WriteBatch(bufs, addrs)
		if err != nil || n == 0 {
			return
		}
		bufs = bufs[n:]
		addrs = addrs[n:]
	}
}

func (s *Server) retransmitHead(st *requestState) {
	bufs := make([][]byte, 0, len(st.headBySeq))
	for _, raw := range st.headBySeq {
		bufs = append(bufs, raw)
	}
	s.retransmitBatch(bufs, st.remote)
}

// handleNack re-emits exactly the cached datagrams whose sequence numbers
// are set in the bitmap, ignoring bits outside the valid range, through
// retransmitBatch.
func (s *Server) handleNack(h wire.Header, payload []byte, from *net.UDPAddr, requests map[uint64]*requestState, isHead bool) {
	st, ok := requests[h.Identifier]
	if !ok || !addrEqual(st.remote, from) {
		return
	}
	missing, err := wire.DecodeBitmap(payload)
	if err != nil {
		return
	}
	table := st.bodyBySeq
	if isHead {
		table = st.headBySeq
	}
	var bufs [][]byte
	for _, seq := range missing {
		if raw, ok := table[seq]; ok {
			bufs = append(bufs, raw)
		}
	}
	s.retransmitBatch(bufs, from)
	st.expiresAt = time.Now().Add(s.cfg.RespCacheTTL)
}

// handleAck re-emits every cached body datagram with sequence >= first_lost,
// up to ackRetransmitCap, through retransmitBatch. AckAllReceived means
// nothing to do.
func (s *Server) handleAck(h wire.Header, payload []byte, from *net.UDPAddr, requests map[uint64]*requestState) {
	st, ok := requests[h.Identifier]
	if !ok || !addrEqual(st.remote, from) {
		return
	}
	firstLost, err := wire.DecodeAck(payload)
	if err != nil || firstLost == wire.AckAllReceived {
		return
	}

	var bufs [][]byte
	for seq := firstLost; len(bufs) < ackRetransmitCap && seq <= st.maxBodySeq; seq++ {
		if raw, ok := st.bodyBySeq[seq]; ok {
			bufs = append(bufs, raw)
		}
		if seq == 0xffff {
			break
		}
	}
	s.retransmitBatch(bufs, from)
	st.expiresAt = time.Now().Add(s.cfg.RespCacheTTL)
}

func (s *Server) sendError(identifier uint64, flags akari.Flags, to *net.UDPAddr, code uint8, httpStatus uint16, message string) {
	h := wire.Header{
		Kind:       akari.KindError,
		Flags:      flags &^ akari.FlagAggregateTag &^ akari.FlagFinalMarker,
		Identifier: identifier,
		SeqTotal:   1,
		Timestamp:  uint32(time.Now().Unix()),
	}
	datagram, err := wire.Encode(h, wire.EncodeError(code, httpStatus, message), s.psk)
	if err != nil {
		return
	}
	s.conn.SendTo(datagram, to)
}

// sweepExpired discards request state that has been idle past RespCacheTTL.
// A request still fetching (no head cached yet) is never reaped here.
func (s *Server) sweepExpired(requests map[uint64]*requestState) {
	now := time.Now()
	for id, st := range requests {
		if st.fetching() {
			continue
		}
		if now.After(st.expiresAt) {
			delete(requests, id)
		}
	}
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
