// Package reactor drives a single non-blocking task from epoll(7) readiness
// notifications.
package reactor

// Interest is the readiness a suspended task waits for before it is polled again.
type Interest uint8

const (
	// Readable resumes the task once the fd has data to receive.
	Readable Interest = 1 << iota
	// Writable resumes the task once the fd can accept a send.
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	default:
		return "none"
	}
}

// StepFunc advances a task until it would block. It returns the readiness it
// needs next, or a non-nil error which ends the drive.
type StepFunc func() (Interest, error)
