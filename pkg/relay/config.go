package relay

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Config holds the relay settings as they arrive from flags, environment or
// config file. Nothing is parsed until Validate or Resolve is called.
type Config struct {
	SourceHost      string
	SourcePort      string
	DestinationHost string
	DestinationPort string
	// Interface optionally names the interface the group is joined on.
	// Empty means the kernel's choice.
	Interface string
}

// Endpoints is a resolved Config.
type Endpoints struct {
	Group       netip.Addr
	SourcePort  uint16
	Destination netip.AddrPort
	Interface   *net.Interface
}

// Validate checks the configuration without touching the network.
func (c Config) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"source-host", c.SourceHost},
		{"source-port", c.SourcePort},
		{"destination-host", c.DestinationHost},
		{"destination-port", c.DestinationPort},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if _, err := parsePort("source-port", c.SourcePort); err != nil {
		errs = append(errs, err)
	}
	if _, err := parsePort("destination-port", c.DestinationPort); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseGroup(c.SourceHost); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Resolve validates the configuration and resolves the destination host.
func (c Config) Resolve() (Endpoints, error) {
	if err := c.Validate(); err != nil {
		return Endpoints{}, err
	}
	group, _ := parseGroup(c.SourceHost)
	srcPort, _ := parsePort("source-port", c.SourcePort)

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(c.DestinationHost, c.DestinationPort))
	if err != nil {
		return Endpoints{}, fmt.Errorf("destination-host %q: %w", c.DestinationHost, err)
	}
	dst := addr.AddrPort()
	dst = netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port())

	var ifi *net.Interface
	if c.Interface != "" {
		ifi, err = net.InterfaceByName(c.Interface)
		if err != nil {
			return Endpoints{}, fmt.Errorf("source-interface %q: %w", c.Interface, err)
		}
	}

	return Endpoints{
		Group:       group,
		SourcePort:  srcPort,
		Destination: dst,
		Interface:   ifi,
	}, nil
}

func parsePort(name, s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s: unable to parse %q as a port (0-65535)", name, s)
	}
	return uint16(p), nil
}

func parseGroup(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("source-host: unable to parse %q: %w", s, err)
	}
	addr = addr.Unmap()
	if !addr.Is4() || !addr.IsMulticast() {
		return netip.Addr{}, fmt.Errorf("source-host: %s is not an IPv4 multicast group", addr)
	}
	return addr, nil
}
