//go:build linux

package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var errDone = errors.New("done")

func newEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func newReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func drive(r *Reactor, ctx context.Context, fd int, step StepFunc) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.Drive(ctx, fd, step) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Drive did not return")
		return nil
	}
}

func TestReactor_ResumesOnReadable(t *testing.T) {
	r := newReactor(t)
	fd := newEventfd(t)

	calls := make(chan int, 4)
	n := 0
	errCh := drive(r, context.Background(), fd, func() (Interest, error) {
		n++
		calls <- n
		if n == 1 {
			return Readable, nil
		}
		return 0, errDone
	})

	assert.Equal(t, 1, <-calls)
	select {
	case <-calls:
		t.Fatal("step polled again before the fd became readable")
	case <-time.After(50 * time.Millisecond):
	}

	one := [8]byte{1}
	_, err := unix.Write(fd, one[:])
	require.NoError(t, err)

	assert.ErrorIs(t, waitErr(t, errCh), errDone)
	assert.Equal(t, 2, <-calls)
}

func TestReactor_ResumesOnWritable(t *testing.T) {
	r := newReactor(t)
	fd := newEventfd(t)

	n := 0
	err := r.Drive(context.Background(), fd, func() (Interest, error) {
		n++
		if n < 3 {
			return Writable, nil
		}
		return 0, errDone
	})
	assert.ErrorIs(t, err, errDone)
	assert.Equal(t, 3, n)
}

func TestReactor_CancelWakesWait(t *testing.T) {
	r := newReactor(t)
	fd := newEventfd(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := drive(r, ctx, fd, func() (Interest, error) {
		return Readable, nil
	})

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)
}

func TestReactor_CanceledBeforeStart(t *testing.T) {
	r := newReactor(t)
	fd := newEventfd(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := r.Drive(ctx, fd, func() (Interest, error) {
		called = true
		return Readable, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestReactor_DriveAgainAfterReturn(t *testing.T) {
	r := newReactor(t)
	fd := newEventfd(t)

	for i := 0; i < 2; i++ {
		err := r.Drive(context.Background(), fd, func() (Interest, error) {
			return 0, errDone
		})
		assert.ErrorIs(t, err, errDone)
	}
}

func TestReactor_Closed(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())

	err = r.Drive(context.Background(), 0, func() (Interest, error) { return Readable, nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInterest_String(t *testing.T) {
	assert.Equal(t, "readable", Readable.String())
	assert.Equal(t, "writable", Writable.String())
	assert.Equal(t, "readable|writable", (Readable | Writable).String())
	assert.Equal(t, "none", Interest(0).String())
}
