package lock

import "time"

// Status is the outcome of one coordinator operation, independent of wire
// format. Package protocol maps these onto the status codes clients see on
// the wire.
type Status uint8

const (
	// StatusLocked means the requesting connection now holds the lock.
	StatusLocked Status = iota
	// StatusLockPending means the request was queued.
	StatusLockPending
	// StatusReleased means a held lock was released.
	StatusReleased
	// StatusAcquireTimeout means a queued request's deadline elapsed.
	StatusAcquireTimeout
	// StatusNoLockToRelease means RELEASE named a lock the connection did
	// not hold.
	StatusNoLockToRelease
	// StatusNoLocksToReleaseAll means RELEASEALL found nothing held.
	StatusNoLocksToReleaseAll
)

// Event is one outbound notification produced by a coordinator operation.
// A single call can produce several events — e.g. a release that triggers
// abdication grants to other connections.
type Event struct {
	Conn   ConnHandle
	Status Status
	LockID ID
	Mode   Mode
	// Nonces is echoed in holder-then-caller order: when a release also
	// reports the prior holder's acquire nonce, that nonce comes first and
	// the release call's own nonce comes second.
	Nonces []Nonce
	// HoldDuration is set only on a StatusReleased event: the time between
	// that holder's grant and this release.
	HoldDuration time.Duration
}

// Entity holds the reader/writer state for one lock id.
//
// All mutating methods are meant to be called from a single serialization
// domain (see package lockd). There is no internal locking here: mutual
// exclusion between a writer and any reader, and singleton ownership of the
// write slot, hold only in the gaps between calls, never mid-call.
type Entity struct {
	id ID

	hasWriter     bool
	writer        ConnHandle
	writerNonce   Nonce
	writerGranted time.Time
	// readers maps each current reader to the nonce its acquire carried and
	// the time it was granted, so a later release can echo the nonce
	// alongside the release's own nonce and report how long it held.
	readers map[ConnHandle]reader

	readerQueue waiterQueue
	writerQueue waiterQueue

	// greedy is fixed at creation from the registry's configured default;
	// the protocol has no way to override it per acquire.
	greedy bool

	// onExpire arms a Request's deadline timer. It is supplied by the
	// Registry so the timer's wakeup can hop back into the serialization
	// domain instead of touching Entity state from the timer's own
	// goroutine. The callback closes only over the Request and lock id
	// passed to it at call time — never over receiver state captured
	// earlier — so a re-grant that races the timer always sees
	// Request.queued == false and the fired timer is a guaranteed no-op.
	onExpire func(ID, *Request)
}

// reader is one current shared-lock holder's acquire bookkeeping.
type reader struct {
	nonce     Nonce
	grantedAt time.Time
}

func newEntity(id ID, greedy bool, onExpire func(ID, *Request)) *Entity {
	return &Entity{
		id:       id,
		readers:  make(map[ConnHandle]reader),
		greedy:   greedy,
		onExpire: onExpire,
	}
}

func (e *Entity) isWriteLocked() bool { return e.hasWriter }

func (e *Entity) isReadLocked() bool { return len(e.readers) > 0 }

// isReadAvailable reports whether a new reader can be admitted right now: in
// greedy mode new readers are admitted whenever there is no writer; in
// non-greedy mode a queued writer also blocks new readers so it cannot
// starve behind a steady stream of readers.
func (e *Entity) isReadAvailable() bool {
	if e.hasWriter {
		return false
	}

	if e.greedy {
		return true
	}

	return e.writerQueue.empty()
}

// isWriteAvailable authorizes either a fresh write grant or an upgrade: the
// second clause lets a sole existing reader become the writer without an
// intervening release.
func (e *Entity) isWriteAvailable(conn ConnHandle) bool {
	if e.hasWriter {
		return false
	}

	if len(e.readers) == 0 {
		return true
	}

	if len(e.readers) == 1 {
		_, solely := e.readers[conn]

		return solely
	}

	return false
}

// abandoned reports whether this entity holds nothing and nobody waits on
// it; such entities must be removed from the registry.
func (e *Entity) abandoned() bool {
	return !e.hasWriter && len(e.readers) == 0 && e.readerQueue.empty() && e.writerQueue.empty()
}

// acquireRead grants, queues, or no-ops a shared-lock request.
func (e *Entity) acquireRead(conn ConnHandle, nonce Nonce, deadline time.Time) Event {
	if e.hasWriter && e.writer == conn {
		return e.grantEvent(conn, StatusLocked, ModeRead, nonce)
	}

	if _, ok := e.readers[conn]; ok {
		return e.grantEvent(conn, StatusLocked, ModeRead, nonce)
	}

	if e.isReadAvailable() {
		e.readers[conn] = reader{nonce: nonce, grantedAt: time.Now()}

		return e.grantEvent(conn, StatusLocked, ModeRead, nonce)
	}

	req := &Request{Conn: conn, LockID: e.id, Nonce: nonce, Mode: ModeRead, Deadline: deadline}
	e.enqueue(&e.readerQueue, req, deadline)

	return e.pendingEvent(conn, ModeRead, nonce)
}

// acquireWrite grants, queues, or no-ops an exclusive-lock request,
// including the sole-reader upgrade path.
func (e *Entity) acquireWrite(conn ConnHandle, nonce Nonce, deadline time.Time) Event {
	if e.hasWriter && e.writer == conn {
		return e.grantEvent(conn, StatusLocked, ModeWrite, nonce)
	}

	if e.isWriteAvailable(conn) {
		delete(e.readers, conn) // no-op unless this is the sole-reader upgrade
		e.hasWriter = true
		e.writer = conn
		e.writerNonce = nonce
		e.writerGranted = time.Now()

		return e.grantEvent(conn, StatusLocked, ModeWrite, nonce)
	}

	req := &Request{Conn: conn, LockID: e.id, Nonce: nonce, Mode: ModeWrite, Deadline: deadline}
	e.enqueue(&e.writerQueue, req, deadline)

	return e.pendingEvent(conn, ModeWrite, nonce)
}

// release drops conn's hold, if any, and abdicates to waiters. suppressMiss
// silences StatusNoLockToRelease for bulk release sweeps.
func (e *Entity) release(conn ConnHandle, nonce Nonce, suppressMiss bool) []Event {
	var events []Event

	switch {
	case e.hasWriter && e.writer == conn:
		acquireNonce := e.writerNonce
		duration := time.Since(e.writerGranted)
		e.hasWriter = false
		e.writer = ConnHandle{}
		e.writerNonce = ""
		e.writerGranted = time.Time{}

		events = append(events, e.releasedEvent(conn, ModeWrite, acquireNonce, nonce, duration))

	case e.holdsRead(conn):
		r := e.readers[conn]
		delete(e.readers, conn)

		events = append(events, e.releasedEvent(conn, ModeRead, r.nonce, nonce, time.Since(r.grantedAt)))

	default:
		if !suppressMiss {
			events = append(events, Event{Conn: conn, Status: StatusNoLockToRelease, LockID: e.id, Nonces: presentNonces(nonce)})
		}

		return events
	}

	events = append(events, e.abdicate()...)

	return events
}

func (e *Entity) holdsRead(conn ConnHandle) bool {
	_, ok := e.readers[conn]

	return ok
}

// snapshot reports the current shape of the entity for SHOW and the
// consistency sweep: which mode (if any) is currently held, how many
// connections hold it, and how many requests are queued behind it.
func (e *Entity) snapshot() (mode Mode, locked bool, holders, waiters int) {
	switch {
	case e.hasWriter:
		return ModeWrite, true, 1, e.readerQueue.len() + e.writerQueue.len()
	case len(e.readers) > 0:
		return ModeRead, true, len(e.readers), e.readerQueue.len() + e.writerQueue.len()
	default:
		return 0, false, 0, e.readerQueue.len() + e.writerQueue.len()
	}
}

// oldestDeadline reports the earliest deadline among this entity's queued
// requests, used by the consistency sweep to look for a request sitting
// past its deadline without having fired yet. The bool is false if nothing
// is queued.
func (e *Entity) oldestDeadline() (time.Time, bool) {
	var (
		oldest time.Time
		found  bool
	)

	for _, q := range []*waiterQueue{&e.readerQueue, &e.writerQueue} {
		for _, req := range q.items {
			if !found || req.Deadline.Before(oldest) {
				oldest = req.Deadline
				found = true
			}
		}
	}

	return oldest, found
}

// abdicate drains waiter queues after any release: readers before writers,
// at most one writer granted per cycle.
func (e *Entity) abdicate() []Event {
	var events []Event

	for e.isReadAvailable() {
		req := e.readerQueue.dequeue()
		if req == nil {
			break
		}

		stopTimer(req)
		e.readers[req.Conn] = reader{nonce: req.Nonce, grantedAt: time.Now()}
		events = append(events, e.grantEvent(req.Conn, StatusLocked, ModeRead, req.Nonce))
	}

	for !e.writerQueue.empty() && e.isWriteAvailable(e.writerQueue.peek().Conn) {
		req := e.writerQueue.dequeue()
		if req == nil {
			break
		}

		stopTimer(req)
		delete(e.readers, req.Conn) // no-op unless this grant completes a queued sole-reader upgrade
		e.hasWriter = true
		e.writer = req.Conn
		e.writerNonce = req.Nonce
		e.writerGranted = time.Now()
		events = append(events, e.grantEvent(req.Conn, StatusLocked, ModeWrite, req.Nonce))
	}

	return events
}

// timeoutExpire fires when a queued request's deadline elapses. It is safe
// to call for a Request that has already been granted or removed: queued is
// false in that case and this is a no-op, regardless of any race between
// the timer goroutine and a grant happening in the serialization domain.
func (e *Entity) timeoutExpire(req *Request) []Event {
	if !req.queued {
		return nil
	}

	var removed bool

	switch req.Mode {
	case ModeRead:
		removed = e.readerQueue.remove(req)
	case ModeWrite:
		removed = e.writerQueue.remove(req)
	}

	if !removed {
		return nil
	}

	return []Event{{Conn: req.Conn, Status: StatusAcquireTimeout, LockID: e.id, Mode: req.Mode, Nonces: presentNonces(req.Nonce)}}
}

// disconnectCleanup purges conn from every role it could hold, then
// abdicates. No event targets conn itself.
func (e *Entity) disconnectCleanup(conn ConnHandle) []Event {
	if e.hasWriter && e.writer == conn {
		e.hasWriter = false
		e.writer = ConnHandle{}
		e.writerNonce = ""
		e.writerGranted = time.Time{}
	}

	delete(e.readers, conn)

	for _, req := range e.readerQueue.removeAllFunc(func(r *Request) bool { return r.Conn == conn }) {
		stopTimer(req)
	}

	for _, req := range e.writerQueue.removeAllFunc(func(r *Request) bool { return r.Conn == conn }) {
		stopTimer(req)
	}

	return e.abdicate()
}

func (e *Entity) enqueue(q *waiterQueue, req *Request, deadline time.Time) {
	q.enqueue(req)

	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}

	lockID, onExpire := e.id, e.onExpire
	req.timer = time.AfterFunc(d, func() { onExpire(lockID, req) })
}

func stopTimer(req *Request) {
	if req.timer != nil {
		req.timer.Stop()
	}
}

func (e *Entity) grantEvent(conn ConnHandle, status Status, mode Mode, nonce Nonce) Event {
	return Event{Conn: conn, Status: status, LockID: e.id, Mode: mode, Nonces: presentNonces(nonce)}
}

func (e *Entity) pendingEvent(conn ConnHandle, mode Mode, nonce Nonce) Event {
	return Event{Conn: conn, Status: StatusLockPending, LockID: e.id, Mode: mode, Nonces: presentNonces(nonce)}
}

// releasedEvent builds a RELEASE response. When the release call itself
// carried a nonce, the echoed list is the holder's original acquire nonce
// followed by the release nonce, in that order; either half may be absent
// if the corresponding call omitted a nonce.
func (e *Entity) releasedEvent(conn ConnHandle, mode Mode, acquireNonce, releaseNonce Nonce, duration time.Duration) Event {
	return Event{
		Conn: conn, Status: StatusReleased, LockID: e.id, Mode: mode,
		Nonces:       presentNonces(acquireNonce, releaseNonce),
		HoldDuration: duration,
	}
}

func presentNonces(nonces ...Nonce) []Nonce {
	out := make([]Nonce, 0, len(nonces))

	for _, n := range nonces {
		if n.Present() {
			out = append(out, n)
		}
	}

	return out
}
