package lock

import "time"

// Request is an immutable descriptor of one pending acquire. It is created
// when an acquire cannot be granted immediately and destroyed on grant,
// timer expiry, disconnect, or QUIT's bulk release — never mutated except
// for its position in a waiterQueue.
type Request struct {
	Conn     ConnHandle
	LockID   ID
	Nonce    Nonce
	Mode     Mode
	Deadline time.Time

	// timer fires timeoutExpire for this request. It is armed by
	// Entity.enqueue and stopped whenever the request leaves its queue for
	// any other reason, so a late wakeup is always a documented no-op.
	timer *time.Timer

	// queued is true while the request sits in a waiterQueue. timeoutExpire
	// checks it first, so a wakeup for an already-resolved request returns
	// without searching the queue.
	queued bool
}
