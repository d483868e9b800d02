package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"github.com/ncode/multicaster/pkg/reactor"
	"github.com/ncode/multicaster/pkg/socket"
)

// BufferSize is the capacity of the loop's transfer buffer. Longer datagrams
// are truncated to this many bytes.
const BufferSize = 4096

// Socket is the non-blocking datagram socket the loop owns. Both methods
// return socket.ErrWouldBlock when the operation cannot proceed yet.
type Socket interface {
	RecvFrom(p []byte) (int, netip.AddrPort, error)
	SendTo(p []byte, dst netip.AddrPort) (int, error)
}

// State is the forward loop's position in its receive/forward cycle.
type State int

const (
	// AwaitingDatagram means no transfer is pending; the next step receives.
	AwaitingDatagram State = iota
	// Forwarding means a received datagram is in the buffer waiting to be sent.
	Forwarding
)

func (s State) String() string {
	switch s {
	case AwaitingDatagram:
		return "awaiting_datagram"
	case Forwarding:
		return "forwarding"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transfer describes the datagram currently held in the buffer.
type Transfer struct {
	Length int
	Peer   netip.AddrPort
}

// Loop receives one datagram at a time and forwards it to a fixed destination.
// It holds a single buffer, so a datagram is always fully handled before the
// next one is read.
type Loop struct {
	sock    Socket
	dst     netip.AddrPort
	buf     []byte
	pending Transfer
	state   State
	logger  *slog.Logger
}

// NewLoop creates a Loop in the AwaitingDatagram state.
func NewLoop(sock Socket, dst netip.AddrPort, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Loop{
		sock:   sock,
		dst:    dst,
		buf:    make([]byte, BufferSize),
		state:  AwaitingDatagram,
		logger: logger,
	}
}

// State returns the current state.
func (l *Loop) State() State { return l.state }

// Pending returns the transfer waiting to be forwarded, if any.
func (l *Loop) Pending() (Transfer, bool) {
	return l.pending, l.state == Forwarding
}

// Poll advances the loop until the socket would block. It returns the
// readiness the loop is suspended on. Any error other than
// socket.ErrWouldBlock is fatal and leaves the loop where it failed.
//
// A pending datagram survives suspension: the next Poll resends exactly the
// same bytes. A short send is logged and not retried.
func (l *Loop) Poll() (reactor.Interest, error) {
	for {
		if l.state == Forwarding {
			data := l.buf[:l.pending.Length]
			n, err := l.sock.SendTo(data, l.dst)
			if errors.Is(err, socket.ErrWouldBlock) {
				return reactor.Writable, nil
			}
			if err != nil {
				return 0, fmt.Errorf("forward %d bytes from %s to %s: %w", len(data), l.pending.Peer, l.dst, err)
			}
			if n != len(data) {
				l.logger.Warn("short write",
					"sent", n,
					"expected", len(data),
					"peer", l.pending.Peer.String(),
					"destination", l.dst.String(),
				)
			} else {
				l.logger.Debug("forwarded datagram", "bytes", n, "peer", l.pending.Peer.String())
			}
			l.pending = Transfer{}
			l.state = AwaitingDatagram
		}

		n, peer, err := l.sock.RecvFrom(l.buf)
		if errors.Is(err, socket.ErrWouldBlock) {
			return reactor.Readable, nil
		}
		if err != nil {
			return 0, fmt.Errorf("receive: %w", err)
		}
		l.pending = Transfer{Length: n, Peer: peer}
		l.state = Forwarding
	}
}
