package coap

import "time"

// Socket is the non-blocking transport collaborator the core drives
// (spec.md §6). Every call is expected to return immediately. The receive
// loop only calls Recv after HasBufferedData reports true, and treats a Recv
// returning 0, nil as the peer closing the connection.
type Socket interface {
	Send(b []byte) (int, error)
	Recv(buf []byte) (int, error)
	// HasBufferedData reports whether a Recv call right now would return
	// more than zero bytes without blocking (the HAS_BUFFERED_DATA
	// option in spec.md §4.8's receive loop).
	HasBufferedData() bool
	Connect() error
	Close() error
}

// JobHandle identifies a job scheduled with Scheduler.Schedule, for
// later cancellation.
type JobHandle uint64

// Scheduler is the external collaborator the core posts timed work to:
// exchange timeouts, CSM deadlines, and (on the UDP binding)
// retransmission wakeups. The core never starts its own goroutines or
// timers; see spec.md §5.
type Scheduler interface {
	Schedule(deadline time.Duration, callback func()) JobHandle
	Cancel(handle JobHandle)
	TimeToNext() time.Duration
	RunOnce()
}

// PRNG supplies randomness for token generation.
type PRNG interface {
	Fill(b []byte) error
}
