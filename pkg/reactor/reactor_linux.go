//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when the reactor is used after Close.
var ErrClosed = errors.New("reactor closed")

// Reactor owns an epoll instance and an eventfd used to interrupt a blocked wait.
// A Reactor drives one task at a time.
type Reactor struct {
	epfd   int
	wakefd int
	events [4]unix.EpollEvent
	closed atomic.Bool
}

// New creates a Reactor.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add eventfd: %w", err)
	}
	return &Reactor{epfd: epfd, wakefd: wakefd}, nil
}

// Drive registers fd and polls step until it fails or ctx is done. Between
// polls it blocks until fd reports the Interest the step returned.
func (r *Reactor) Drive(ctx context.Context, fd int, step StepFunc) error {
	if r.closed.Load() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	defer unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)

	woke := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woke)
		_ = r.wake()
	})
	defer func() {
		// the eventfd must outlive a wake-up already in flight
		if !stop() {
			<-woke
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		interest, err := step()
		if err != nil {
			return err
		}
		woken, err := r.wait(fd, interest)
		if err != nil {
			return err
		}
		if woken {
			r.drain()
		}
	}
}

// wait blocks until fd is ready for interest or the eventfd fires.
// Error and hang-up conditions count as ready so the next step observes them.
func (r *Reactor) wait(fd int, interest Interest) (woken bool, err error) {
	ev := unix.EpollEvent{Events: interest.events(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return false, fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	for {
		n, err := unix.EpollWait(r.epfd, r.events[:], -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if errors.Is(err, unix.EBADF) || r.closed.Load() {
				return false, ErrClosed
			}
			return false, fmt.Errorf("epoll_wait: %w", err)
		}
		ready := false
		for i := 0; i < n; i++ {
			switch int(r.events[i].Fd) {
			case r.wakefd:
				woken = true
			case fd:
				ready = true
			}
		}
		if ready || woken {
			return woken, nil
		}
	}
}

func (r *Reactor) wake() error {
	var one = [8]byte{1}
	_, err := unix.Write(r.wakefd, one[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated, a wake-up is already pending
		return nil
	}
	return err
}

func (r *Reactor) drain() {
	var buf [8]byte
	_, _ = unix.Read(r.wakefd, buf[:])
}

// Close releases the epoll instance and the eventfd. It is safe to call more than once.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if err := unix.Close(r.epfd); err != nil {
		firstErr = err
	}
	if err := unix.Close(r.wakefd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (i Interest) events() uint32 {
	var ev uint32
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}
