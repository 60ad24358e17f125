// Package transport is the UDP socket layer AKARI's Initiator and Responder
// engines sit on top of: a tuned, batched-I/O UDP connection. It carries no
// AKARI-specific framing — it moves opaque datagram bytes to and from
// *net.UDPAddr peers, grounded on the teacher's pkg/net/udp.go and
// sockopt*.go, with the noise.Addr abstraction dropped (AKARI always talks
// to exactly one remote endpoint over plain UDP addresses).
package transport

import (
	"net"
	"time"
)

// Conn is a UDP socket tuned per SocketConfig, with batched read/write paths
// used by the engines to move many small chunk datagrams per syscall. On
// platforms without recvmmsg/sendmmsg support (anything but Linux), the
// batch methods degrade to one syscall per datagram.
type Conn struct {
	conn  *net.UDPConn
	batch *batchConn

	fallbackN    []int
	fallbackAddr []*net.UDPAddr
}

// Listen binds addr ("host:port", or ":0" for an ephemeral port) and applies
// cfg's socket-buffer and platform-specific tuning.
func Listen(addr string, cfg SocketConfig) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	ApplySocketOptions(conn, cfg)
	return &Conn{
		conn:  conn,
		batch: newBatchConn(conn, DefaultBatchSize),
	}, nil
}

// SendTo writes one datagram to addr.
func (c *Conn) SendTo(payload []byte, addr *net.UDPAddr) error {
	_, err := c.conn.WriteToUDP(payload, addr)
	return err
}

// RecvFrom blocks for one datagram, returning its length and sender.
func (c *Conn) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	return c.conn.ReadFromUDP(buf)
}

// ReadBatch fills as many of buffers as arrive in one syscall (Linux) or,
// elsewhere, reads a single datagram into buffers[0] with ReadFromUDP. It
// returns the number of buffers filled; ReceivedN/ReceivedFrom report
// per-message results.
func (c *Conn) ReadBatch(buffers [][]byte) (int, error) {
	if c.batch != nil {
		return c.batch.ReadBatch(buffers)
	}

	c.fallbackN = c.fallbackN[:0]
	c.fallbackAddr = c.fallbackAddr[:0]

	n, addr, err := c.conn.ReadFromUDP(buffers[0])
	if err != nil {
		return 0, err
	}
	c.fallbackN = append(c.fallbackN, n)
	c.fallbackAddr = append(c.fallbackAddr, addr)
	return 1, nil
}

// ReceivedN reports how many bytes the i'th message in the last ReadBatch
// call actually contained.
func (c *Conn) ReceivedN(i int) int {
	if c.batch != nil {
		return c.batch.ReceivedN(i)
	}
	if i < len(c.fallbackN) {
		return c.fallbackN[i]
	}
	return 0
}

// ReceivedFrom reports the sender of the i'th message in the last ReadBatch
// call.
func (c *Conn) ReceivedFrom(i int) *net.UDPAddr {
	if c.batch != nil {
		return c.batch.ReceivedFrom(i)
	}
	if i < len(c.fallbackAddr) {
		return c.fallbackAddr[i]
	}
	return nil
}

// WriteBatch writes len(buffers) datagrams, buffers[i] to addrs[i], in as
// few syscalls as the platform allows.
func (c *Conn) WriteBatch(buffers [][]byte, addrs []*net.UDPAddr) (int, error) {
	if c.batch != nil {
		return c.batch.WriteBatch(buffers, addrs)
	}
	for i := range buffers {
		if _, err := c.conn.WriteToUDP(buffers[i], addrs[i]); err != nil {
			return i, err
		}
	}
	return len(buffers), nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.conn.Close() }

// LocalAddr reports the bound local address.
func (c *Conn) LocalAddr() *net.UDPAddr { return c.conn.LocalAddr().(*net.UDPAddr) }

// SetReadDeadline sets the read deadline for RecvFrom/ReadBatch.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline for SendTo/WriteBatch.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
