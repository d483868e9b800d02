//go:build linux

package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// UDP is a non-blocking IPv4 UDP socket detached from the Go runtime poller.
// Readiness is left to the caller, typically a reactor.Reactor.
//
// RecvFrom and SendTo are not safe for concurrent use.
type UDP struct {
	fd     int
	local  netip.AddrPort
	closed atomic.Bool
}

// Listen binds a UDP socket to addr without joining any multicast group.
func Listen(addr netip.AddrPort) (*UDP, error) {
	return listen(addr, nil)
}

// ListenMulticast binds 0.0.0.0:port and joins group. A nil ifi lets the
// kernel pick the interface, the same as joining on 0.0.0.0.
func ListenMulticast(group netip.Addr, port uint16, ifi *net.Interface) (*UDP, error) {
	if !group.Is4() || !group.IsMulticast() {
		return nil, fmt.Errorf("%s is not an IPv4 multicast group", group)
	}
	bind := netip.AddrPortFrom(netip.IPv4Unspecified(), port)
	return listen(bind, func(p *ipv4.PacketConn) error {
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: net.IP(group.AsSlice())}); err != nil {
			return fmt.Errorf("join group %s: %w", group, err)
		}
		return nil
	})
}

func listen(addr netip.AddrPort, setup func(*ipv4.PacketConn) error) (*UDP, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	// The runtime's copy is closed on return; the socket lives on through the dup.
	defer conn.Close()

	if setup != nil {
		if err := setup(ipv4.NewPacketConn(conn)); err != nil {
			return nil, err
		}
	}

	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		fd     int
		dupErr error
	)
	if err := rc.Control(func(orig uintptr) {
		fd, dupErr = unix.Dup(int(orig))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("dup: %w", dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set cloexec: %w", err)
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &UDP{
		fd:    fd,
		local: netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
	}, nil
}

// FD returns the socket's file descriptor for readiness registration.
func (u *UDP) FD() int { return u.fd }

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() netip.AddrPort { return u.local }

// RecvFrom receives one datagram into p. Datagrams longer than p are
// truncated to len(p) and the rest is discarded by the kernel.
func (u *UDP) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	if u.closed.Load() {
		return 0, netip.AddrPort{}, ErrClosed
	}
	for {
		n, from, err := unix.Recvfrom(u.fd, p, 0)
		switch {
		case err == nil:
			return n, addrPortOf(from), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			return 0, netip.AddrPort{}, ErrWouldBlock
		case errors.Is(err, unix.EBADF):
			return 0, netip.AddrPort{}, ErrClosed
		default:
			return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: %w", err)
		}
	}
}

// SendTo sends p as one datagram to dst and returns the number of bytes the
// kernel accepted.
func (u *UDP) SendTo(p []byte, dst netip.AddrPort) (int, error) {
	if u.closed.Load() {
		return 0, ErrClosed
	}
	addr := dst.Addr().Unmap()
	if !addr.Is4() {
		return 0, fmt.Errorf("sendto %s: not an IPv4 address", dst)
	}
	sa := &unix.SockaddrInet4{Port: int(dst.Port()), Addr: addr.As4()}
	for {
		n, err := unix.SendmsgN(u.fd, p, nil, sa, 0)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			return 0, ErrWouldBlock
		case errors.Is(err, unix.EBADF):
			return 0, ErrClosed
		default:
			return 0, fmt.Errorf("sendto %s: %w", dst, err)
		}
	}
}

// Close closes the socket and leaves its multicast group. It is safe to call more than once.
func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(u.fd)
}

func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
