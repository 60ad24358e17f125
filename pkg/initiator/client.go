// Package initiator implements the browser-facing half of an AKARI-UDP
// tunnel: allocate a request identifier, send it, drive the response
// assembler, and issue NACK/ACK control datagrams until the response
// completes or the deadline expires. Its retry/receive-loop
// control flow is grounded on original_source/.../client.rs::AkariClient
// ::send_request; Fetch itself is the loop's sole owning goroutine, the
// same discipline the teacher enforces with a dedicated runLoop goroutine
// in pkg/kcp/conn.go, just without the extra channel indirection since a
// single synchronous call already has exactly one owner.
package initiator

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/assembler"
	"github.com/vibing/akari-udp/pkg/config"
	"github.com/vibing/akari-udp/pkg/headerblock"
	"github.com/vibing/akari-udp/pkg/replaycache"
	"github.com/vibing/akari-udp/pkg/transport"
	"github.com/vibing/akari-udp/pkg/wire"
)

// heartbeatBackoff multiplies the silence interval between successive
// heartbeat re-emissions of the same request, capped by the overall
// deadline.
const heartbeatBackoff = 2

// Client drives one UDP socket against one Responder. Fetch is not safe to
// call concurrently from multiple goroutines on the same Client, since it
// owns that one socket for the duration of the call; use Pool to fan
// concurrent callers out across independent Clients.
type Client struct {
	conn       *transport.Conn
	remoteAddr *net.UDPAddr
	psk        []byte
	cfg        config.InitiatorConfig
	replay     *replaycache.Cache

	nextIdentifier uint64

	// Debug, when non-nil, receives a wire.Dump of every datagram that
	// decodes and authenticates successfully. Set by callers that want
	// -debug style datagram tracing.
	Debug io.Writer
}

// New resolves remote, binds an ephemeral local UDP socket, and returns a
// Client ready for Fetch calls.
func New(remote string, psk []byte, cfg config.InitiatorConfig) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Listen(":0", transport.DefaultSocketConfig())
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:       conn,
		remoteAddr: addr,
		psk:        psk,
		cfg:        cfg,
		replay:     replaycache.New(30 * time.Second),
	}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.conn.Close() }

// allocateIdentifier returns the next request identifier, monotonically
// increasing with wrap. Under short-identifier mode the value is truncated
// to 16 bits and zero-extended to fit the wire's short-id form.
func (c *Client) allocateIdentifier() uint64 {
	id := atomic.AddUint64(&c.nextIdentifier, 1)
	if c.cfg.ShortIdentifier {
		id &= 0xffff
	}
	return id
}

// flags returns the flag set attached to every datagram the Initiator itself
// sends (Req, NackHead, NackBody, Ack). The aggregate-tag flag is excluded:
// it is illegal on any kind but RespBody, so it is never part of an
// outgoing Initiator datagram — whether the eventual response uses an
// aggregate tag is discovered from the RespBody datagrams themselves, the
// same way parity is a static Responder policy rather than a per-request
// negotiation.
func (c *Client) flags() akari.Flags {
	var f akari.Flags
	if c.cfg.Encrypt {
		f |= akari.FlagEncrypt
	}
	if c.cfg.ShortIdentifier {
		f |= akari.FlagShortIdentifier
	}
	return f
}

// Fetch sends url/method/headers as one AKARI-UDP request and blocks until
// the response completes, the context is cancelled, or cfg.Request.Timeout
// elapses.
func (c *Client) Fetch(ctx context.Context, method akari.Method, url string, headers []akari.HeaderField) (akari.Response, error) {
	// encrypt+aggregate-tag under the AEAD-per-datagram scheme is an
	// unrecoverable configuration error; refuse before sending
	// anything.
	if c.cfg.Encrypt && c.cfg.AggregateTag {
		return akari.Response{}, akari.ErrProtocolViolation
	}

	reqCfg := c.cfg.Request
	flags := c.flags()
	identifier := c.allocateIdentifier()

	headerBlock := headerblock.Encode(headers)
	reqPayload := wire.EncodeRequest(method, url, headerBlock)
	reqHeader := wire.Header{
		Kind:       akari.KindReq,
		Flags:      flags,
		Identifier: identifier,
		Sequence:   0,
		SeqTotal:   1,
		Timestamp:  uint32(time.Now().Unix()),
	}
	reqDatagram, err := wire.Encode(reqHeader, reqPayload, c.psk)
	if err != nil {
		return akari.Response{}, err
	}

	var stats akari.TransferStats
	send := func(b []byte) error {
		if err := c.conn.SendTo(b, c.remoteAddr); err != nil {
			return err
		}
		stats.BytesSent += uint64(len(b))
		return nil
	}

	if err := send(reqDatagram); err != nil {
		return akari.Response{}, akari.ErrTransportFailure
	}

	deadline := time.Now().Add(reqCfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	var asm *assembler.Assembler
	nacksSent := 0
	reqRetriesLeft := reqCfg.InitialRequestRetries
	lastReqSend := time.Now()
	heartbeatInterval := reqCfg.FirstGapTimeout
	lastHeartbeat := time.Now()
	var lastNackHeadAt, lastNackBodyAt time.Time

	buf := make([]byte, 65535)

	for {
		if err := ctx.Err(); err != nil {
			return akari.Response{}, akari.ErrTimeout
		}
		now := time.Now()
		if !now.Before(deadline) {
			return akari.Response{}, akari.ErrTimeout
		}

		readDeadline := now.Add(reqCfg.SocketTimeout)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		c.conn.SetReadDeadline(readDeadline)

		n, from, err := c.conn.RecvFrom(buf)
		if err != nil {
			if !isTimeout(err) {
				return akari.Response{}, akari.ErrTransportFailure
			}

			now = time.Now()

			if asm == nil {
				if now.Sub(lastReqSend) >= reqCfg.InitialRequestRetryInterval && reqRetriesLeft > 0 {
					if err := send(reqDatagram); err != nil {
						return akari.Response{}, akari.ErrTransportFailure
					}
					reqRetriesLeft--
					stats.RequestRetries++
					lastReqSend = now
				}
				continue
			}

			if !asm.HeaderComplete() {
				if missing := boundedMissing(asm.MissingHeadIndices(), reqCfg.MaxNackBits); len(missing) > 0 &&
					nacksSent < reqCfg.MaxNackRounds && now.Sub(lastNackHeadAt) >= reqCfg.FirstGapTimeout {
					if err := c.sendNack(send, akari.KindNackHead, identifier, flags, missing); err == nil {
						nacksSent++
						stats.NacksSent++
						lastNackHeadAt = now
						lastHeartbeat = now
					}
				}
				continue
			}

			if !asm.BodyComplete() {
				if missing := boundedMissing(asm.MissingBodySequences(), reqCfg.MaxNackBits); len(missing) > 0 &&
					nacksSent < reqCfg.MaxNackRounds && now.Sub(lastNackBodyAt) >= reqCfg.FirstGapTimeout {
					if err := c.sendNack(send, akari.KindNackBody, identifier, flags, missing); err == nil {
						nacksSent++
						stats.NacksSent++
						lastNackBodyAt = now
						lastHeartbeat = now
					}
				} else if now.Sub(lastHeartbeat) >= heartbeatInterval {
					if first, ok := asm.FirstLost(); ok {
						c.sendAck(send, identifier, flags, first)
					} else {
						c.sendAck(send, identifier, flags, wire.AckAllReceived)
					}
					lastHeartbeat = now
					heartbeatInterval *= heartbeatBackoff
					if remaining := deadline.Sub(now); heartbeatInterval > remaining && remaining > 0 {
						heartbeatInterval = remaining
					}
				}
			}
			continue
		}

		if from == nil || !addrEqual(from, c.remoteAddr) {
			continue
		}
		stats.BytesReceived += uint64(n)

		h, payload, tag, derr := wire.DecodeAny(buf[:n], c.psk, c.replay)
		if derr != nil {
			continue
		}
		if c.Debug != nil {
			io.WriteString(c.Debug, wire.Dump(h, payload))
		}
		if h.Identifier != identifier {
			continue
		}

		switch h.Kind {
		case akari.KindRespHead:
			if asm == nil {
				asm = assembler.New(identifier, c.cfg.ParityExpected)
			}
			_ = asm.AddHead(h, payload, true, now)
		case akari.KindRespHeadCont:
			if asm == nil {
				asm = assembler.New(identifier, c.cfg.ParityExpected)
			}
			_ = asm.AddHead(h, payload, false, now)
		case akari.KindRespBody:
			if asm == nil {
				asm = assembler.New(identifier, c.cfg.ParityExpected)
			}
			_ = asm.AddBody(h, payload, tag, now)
		case akari.KindError:
			errPayload, dErr := wire.DecodeError(payload)
			if dErr != nil {
				continue
			}
			return akari.Response{}, &akari.PeerError{
				Code:       errPayload.Code,
				HTTPStatus: errPayload.HTTPStatus,
				Message:    errPayload.Message,
			}
		default:
			// Req, Ack, Nack are never sent to an Initiator; ignore.
			continue
		}

		if asm != nil {
			complete, cerr := asm.Complete(c.psk)
			if cerr != nil {
				return akari.Response{}, cerr
			}
			if complete {
				resp, rerr := asm.Result()
				if rerr != nil {
					return akari.Response{}, rerr
				}
				resp.Stats = stats
				resp.Stats.NacksSent = uint32(nacksSent)
				return resp, nil
			}
		}
	}
}

func boundedMissing(missing []uint16, max int) []uint16 {
	if max > 0 && len(missing) > max {
		return missing[:max]
	}
	return missing
}

func (c *Client) sendNack(send func([]byte) error, kind akari.PacketKind, identifier uint64, flags akari.Flags, missing []uint16) error {
	h := wire.Header{
		Kind:       kind,
		Flags:      flags,
		Identifier: identifier,
		SeqTotal:   1,
		Timestamp:  uint32(time.Now().Unix()),
	}
	datagram, err := wire.Encode(h, wire.EncodeBitmap(missing), c.psk)
	if err != nil {
		return err
	}
	return send(datagram)
}

func (c *Client) sendAck(send func([]byte) error, identifier uint64, flags akari.Flags, firstLost uint16) error {
	h := wire.Header{
		Kind:       akari.KindAck,
		Flags:      flags,
		Identifier: identifier,
		SeqTotal:   1,
		Timestamp:  uint32(time.Now().Unix()),
	}
	datagram, err := wire.Encode(h, wire.EncodeAck(firstLost), c.psk)
	if err != nil {
		return err
	}
	return send(datagram)
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
