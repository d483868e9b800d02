//go:build linux

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"github.com/ncode/multicaster/pkg/reactor"
	"github.com/ncode/multicaster/pkg/socket"
)

// Provision resolves cfg, binds the source port on all interfaces and joins
// the source group. The caller owns the returned socket.
func Provision(cfg Config) (*socket.UDP, netip.AddrPort, error) {
	ep, err := cfg.Resolve()
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	sock, err := socket.ListenMulticast(ep.Group, ep.SourcePort, ep.Interface)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	return sock, ep.Destination, nil
}

// Run provisions the socket described by cfg and forwards datagrams until a
// fatal I/O error or until ctx is done. It never returns nil: a stop through
// ctx reports ctx.Err().
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sock, dst, err := Provision(cfg)
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	defer sock.Close()

	logger.Info("Relaying multicast datagrams",
		"group", cfg.SourceHost,
		"listen", sock.LocalAddr().String(),
		"destination", dst.String(),
	)
	return Serve(ctx, sock, dst, logger)
}

// Serve drives a forward loop over an already provisioned socket. It returns
// the loop's fatal error, or ctx.Err() once ctx is done. It does not close sock.
func Serve(ctx context.Context, sock *socket.UDP, dst netip.AddrPort, logger *slog.Logger) error {
	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	loop := NewLoop(sock, dst, logger)
	return r.Drive(ctx, sock.FD(), loop.Poll)
}
