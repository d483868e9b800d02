package emitter

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// Emitter is an interface for sending datagrams
type Emitter interface {
	Emit([]byte) error
}

// UDPEmitter implements the Emitter interface for a single UDP destination,
// unicast or multicast
type UDPEmitter struct {
	conn *net.UDPConn
}

// NewUDPEmitter dials address over udp4. When address is a multicast group the
// datagrams leave with the given TTL, and loopback controls whether listeners
// on this host see them.
func NewUDPEmitter(address string, ttl int, loopback bool) (*UDPEmitter, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	if addr.IP.IsMulticast() {
		p := ipv4.NewPacketConn(conn)
		if err := p.SetMulticastTTL(ttl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast ttl: %w", err)
		}
		if err := p.SetMulticastLoopback(loopback); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast loopback: %w", err)
		}
	}
	return &UDPEmitter{conn: conn}, nil
}

// Emit sends data as one datagram
func (e *UDPEmitter) Emit(data []byte) error {
	n, err := e.conn.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write: %d/%d bytes", n, len(data))
	}
	return nil
}

// RemoteAddr returns the destination address
func (e *UDPEmitter) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

// Close closes the underlying connection
func (e *UDPEmitter) Close() error {
	return e.conn.Close()
}
