package initiator

import (
	"context"
	"sync/atomic"

	"github.com/vibing/akari-udp/pkg/akari"
	"github.com/vibing/akari-udp/pkg/config"
)

// Pool is a fixed collection of independent Clients, each owning its own
// socket, for concurrent callers sharing one Responder and PSK. A single
// Client's Fetch owns its socket for the duration of one call, so a caller
// issuing many concurrent requests against the same remote needs several
// Clients to avoid serializing on one; Fetch dispatches to members
// round-robin.
type Pool struct {
	clients []*Client
	next    uint64
}

// NewPool builds size independent Clients against the same remote/psk/cfg.
func NewPool(remote string, psk []byte, cfg config.InitiatorConfig, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	clients := make([]*Client, size)
	for i := range clients {
		c, err := New(remote, psk, cfg)
		if err != nil {
			for _, done := range clients[:i] {
				done.Close()
			}
			return nil, err
		}
		clients[i] = c
	}
	return &Pool{clients: clients}, nil
}

// Fetch dispatches to the next member in round-robin order.
func (p *Pool) Fetch(ctx context.Context, method akari.Method, url string, headers []akari.HeaderField) (akari.Response, error) {
	idx := atomic.AddUint64(&p.next, 1) % uint64(len(p.clients))
	return p.clients[idx].Fetch(ctx, method, url, headers)
}

// Close closes every member client.
func (p *Pool) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
