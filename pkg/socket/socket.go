// Package socket provides the non-blocking UDP socket the relay owns.
package socket

import "errors"

// ErrWouldBlock is returned when a receive finds no datagram queued or a send
// finds the socket buffer full. It is a suspension signal, not a failure.
var ErrWouldBlock = errors.New("operation would block")

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("socket closed")
