package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestConnSendRecvRoundTrip(t *testing.T) {
	server, err := Listen("127.0.0.1:0", DefaultSocketConfig())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer server.Close()

	client, err := Listen("127.0.0.1:0", DefaultSocketConfig())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer client.Close()

	msg := []byte("akari datagram")
	if err := client.SendTo(msg, server.LocalAddr()); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, from, err := server.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom() error = %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("RecvFrom() = %q, want %q", buf[:n], msg)
	}
	if from.IP.String() != "127.0.0.1" {
		t.Errorf("sender = %v, want 127.0.0.1", from)
	}
}

func TestConnReadBatchFallback(t *testing.T) {
	server, err := Listen("127.0.0.1:0", DefaultSocketConfig())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer server.Close()
	// Force the sequential fallback path regardless of platform, by
	// exercising it directly rather than depending on GOOS.
	server.batch = nil

	client, err := Listen("127.0.0.1:0", DefaultSocketConfig())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer client.Close()

	if err := client.SendTo([]byte("one"), server.LocalAddr()); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buffers := [][]byte{make([]byte, 64), make([]byte, 64)}
	n, err := server.ReadBatch(buffers)
	if err != nil {
		t.Fatalf("ReadBatch() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ReadBatch() n = %d, want 1", n)
	}
	got := buffers[0][:server.ReceivedN(0)]
	if !bytes.Equal(got, []byte("one")) {
		t.Errorf("ReadBatch() payload = %q, want %q", got, "one")
	}
	if server.ReceivedFrom(0) == nil {
		t.Errorf("ReceivedFrom(0) = nil, want sender address")
	}
}

func TestConnWriteBatchFallback(t *testing.T) {
	server, err := Listen("127.0.0.1:0", DefaultSocketConfig())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer server.Close()

	client, err := Listen("127.0.0.1:0", DefaultSocketConfig())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer client.Close()
	client.batch = nil

	addrs := []*net.UDPAddr{server.LocalAddr(), server.LocalAddr()}
	buffers := [][]byte{[]byte("a"), []byte("b")}
	n, err := client.WriteBatch(buffers, addrs)
	if err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("WriteBatch() n = %d, want 2", n)
	}
}

func TestApplySocketOptionsDefaults(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer conn.Close()

	report := ApplySocketOptions(conn, SocketConfig{})
	rcvApplied, sndApplied := false, false
	for _, e := range report.Entries {
		switch e.Name {
		case "SO_RCVBUF":
			rcvApplied = e.Applied
		case "SO_SNDBUF":
			sndApplied = e.Applied
		}
	}
	if !rcvApplied {
		t.Error("SO_RCVBUF should be applied with zero config (defaults to 4MB)")
	}
	if !sndApplied {
		t.Error("SO_SNDBUF should be applied with zero config (defaults to 4MB)")
	}
}

func TestDefaultSocketConfig(t *testing.T) {
	cfg := DefaultSocketConfig()
	if cfg.RecvBufSize != DefaultRecvBufSize {
		t.Errorf("RecvBufSize = %d, want %d", cfg.RecvBufSize, DefaultRecvBufSize)
	}
	if cfg.SendBufSize != DefaultSendBufSize {
		t.Errorf("SendBufSize = %d, want %d", cfg.SendBufSize, DefaultSendBufSize)
	}
}

func TestOptimizationReportString(t *testing.T) {
	report := &OptimizationReport{
		Entries: []OptimizationEntry{
			{Name: "SO_RCVBUF", Applied: true, Detail: "SO_RCVBUF=4194304 (actual=8388608)"},
		},
	}
	if s := report.String(); len(s) == 0 {
		t.Fatal("report.String() is empty")
	}
}
