package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketRoundTrip(t *testing.T) {
	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	received := make(chan []byte, 1)
	srv := newSocket(serverConn, HandlerFunc(func(_ context.Context, _ *net.UDPAddr, payload []byte) {
		cp := append([]byte(nil), payload...)
		received <- cp
	}), 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); srv.Run(ctx) }()

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer clientConn.Close()

	_, err = clientConn.WriteToUDP([]byte("hello"), serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	cancel()
	wg.Wait()
}
