//go:build unix

package transport

import (
	"net"
	"syscall"
)

// getSocketBufSize reads the actual socket buffer size via getsockopt.
// recv=true reads SO_RCVBUF, recv=false reads SO_SNDBUF.
func getSocketBufSize(conn *net.UDPConn, recv bool) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0
	}
	opt := syscall.SO_SNDBUF
	if recv {
		opt = syscall.SO_RCVBUF
	}
	var val int
	raw.Control(func(fd uintptr) {
		val, _ = syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, opt)
	})
	return val
}
