//go:build linux

package socket

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenLoopback(t *testing.T) *UDP {
	t.Helper()
	u, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	return u
}

// recvEventually polls a non-blocking socket until a datagram shows up.
func recvEventually(t *testing.T, u *UDP, buf []byte) (int, netip.AddrPort) {
	t.Helper()
	var (
		n    int
		peer netip.AddrPort
		err  error
	)
	require.Eventually(t, func() bool {
		n, peer, err = u.RecvFrom(buf)
		return err != ErrWouldBlock
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	return n, peer
}

func TestListen(t *testing.T) {
	u := listenLoopback(t)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), u.LocalAddr().Addr())
	assert.NotZero(t, u.LocalAddr().Port())
	assert.Positive(t, u.FD())
}

func TestUDP_RecvFromEmptyWouldBlock(t *testing.T) {
	u := listenLoopback(t)
	n, _, err := u.RecvFrom(make([]byte, 16))
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Zero(t, n)
}

func TestUDP_RoundTrip(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)

	n, err := a.SendTo([]byte("hello"), b.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 64)
	n, peer := recvEventually(t, b, buf)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, a.LocalAddr(), peer)
}

func TestUDP_RecvFromTruncates(t *testing.T) {
	u := listenLoopback(t)

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(u.LocalAddr()))
	require.NoError(t, err)
	defer conn.Close()
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, _ := recvEventually(t, u, buf)
	assert.Equal(t, 4096, n)
	assert.Equal(t, payload[:4096], buf)

	// the tail is gone, not queued as another datagram
	_, _, err = u.RecvFrom(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestUDP_SendToRejectsIPv6(t *testing.T) {
	u := listenLoopback(t)
	_, err := u.SendTo([]byte("x"), netip.MustParseAddrPort("[::1]:9"))
	assert.ErrorContains(t, err, "not an IPv4 address")
}

func TestUDP_Close(t *testing.T) {
	u, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, u.Close())
	assert.NoError(t, u.Close())

	_, _, err = u.RecvFrom(make([]byte, 8))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = u.SendTo([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListenMulticast_RejectsUnicast(t *testing.T) {
	_, err := ListenMulticast(netip.MustParseAddr("10.1.1.1"), 0, nil)
	assert.ErrorContains(t, err, "not an IPv4 multicast group")
}

func TestListenMulticast(t *testing.T) {
	u, err := ListenMulticast(netip.MustParseAddr("239.1.1.4"), 0, nil)
	if err != nil {
		t.Skipf("multicast join unavailable on this host: %v", err)
	}
	defer u.Close()
	assert.True(t, u.LocalAddr().Addr().IsUnspecified())
}

// Multicast loopback only matters to senders; joining must leave it at the
// kernel default.
func TestListenMulticast_LeavesLoopbackAlone(t *testing.T) {
	u, err := ListenMulticast(netip.MustParseAddr("239.1.1.4"), 0, nil)
	if err != nil {
		t.Skipf("multicast join unavailable on this host: %v", err)
	}
	defer u.Close()
	plain := listenLoopback(t)

	want, err := unix.GetsockoptInt(plain.FD(), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP)
	require.NoError(t, err)
	got, err := unix.GetsockoptInt(u.FD(), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListen_NonLocalAddress(t *testing.T) {
	_, err := Listen(netip.MustParseAddrPort("192.0.2.1:0"))
	assert.ErrorContains(t, err, "bind 192.0.2.1:0")
}
