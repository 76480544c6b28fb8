package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case server := <-accepted:
		require.NotNil(t, server)
		t.Cleanup(func() {
			_ = dialed.Close()
			_ = server.Close()
		})
		return dialed, server
	case <-time.After(2 * time.Second):
		t.Fatal("timed out accepting loopback connection")
		return nil, nil
	}
}
