package lock

import (
	"sync"
	"time"
)

// ShowEntry is one row of a SHOW response: a lock id that is currently
// held, waited on, or both.
type ShowEntry struct {
	LockID  ID
	Locked  bool // false when the id has only waiters, no current holder
	Mode    Mode // meaningful only when Locked is true
	Holders int
	Waiters int
}

// Registry owns every lock id's Entity, creating them lazily on first
// reference and discarding them once abandoned.
//
// Mutating methods (AcquireRead, AcquireWrite, Release, ReleaseAll,
// HandleExpire, DisconnectCleanup) are meant to be called only from the
// single serialization domain that owns this Registry — see package lockd.
// Show takes mu so it can be called directly from the admin HTTP handler's
// own goroutine without round-tripping through that domain; the mutex
// guards only the entities map and the fields snapshot reads, never the
// sequencing of a mutating call relative to another.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	entities map[ID]*Entity

	// scheduleExpire arms a queued Request's deadline timer. It is handed
	// to every Entity this registry creates; the callback's job is to get
	// back onto the serialization domain (post a message naming the lock
	// id and request) rather than touch Entity state directly, since the
	// timer fires on its own goroutine.
	scheduleExpire func(ID, *Request)
}

// NewRegistry constructs an empty Registry. scheduleExpire is invoked by a
// request's deadline timer; the caller (package lockd) is expected to have
// it post a message back into the dispatch loop, which then calls
// HandleExpire.
func NewRegistry(cfg Config, scheduleExpire func(ID, *Request)) *Registry {
	return &Registry{
		cfg:            cfg,
		entities:       make(map[ID]*Entity),
		scheduleExpire: scheduleExpire,
	}
}

// AcquireRead looks up or lazily creates id's entity and delegates. A zero
// timeout uses the registry's configured default.
func (r *Registry) AcquireRead(conn ConnHandle, id ID, nonce Nonce, timeout time.Duration) Event {
	e := r.getOrCreate(id)
	event := e.acquireRead(conn, nonce, r.deadline(timeout))
	r.cleanup(id)

	return event
}

// AcquireWrite looks up or lazily creates id's entity and delegates.
func (r *Registry) AcquireWrite(conn ConnHandle, id ID, nonce Nonce, timeout time.Duration) Event {
	e := r.getOrCreate(id)
	event := e.acquireWrite(conn, nonce, r.deadline(timeout))
	r.cleanup(id)

	return event
}

// Release looks up or lazily creates id's entity, delegates, then discards
// the entity if it is now abandoned. A release against an id nobody has
// ever referenced creates a fresh entity only to immediately report
// StatusNoLockToRelease and remove it again.
func (r *Registry) Release(conn ConnHandle, id ID, nonce Nonce) []Event {
	e := r.getOrCreate(id)
	events := e.release(conn, nonce, false)
	r.cleanup(id)

	return events
}

// ReleaseAll releases conn's hold on every entity that has one, silencing
// each entity's individual miss. If nothing was released and reportIfEmpty
// is set, it returns a single StatusNoLocksToReleaseAll event instead.
func (r *Registry) ReleaseAll(conn ConnHandle, nonce Nonce, reportIfEmpty bool) []Event {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var events []Event

	for _, id := range ids {
		e := r.getOrCreate(id)
		events = append(events, e.release(conn, nonce, true)...)
		r.cleanup(id)
	}

	if len(events) == 0 && reportIfEmpty {
		return []Event{{Conn: conn, Status: StatusNoLocksToReleaseAll, Nonces: presentNonces(nonce)}}
	}

	return events
}

// DisconnectCleanup purges conn from every entity it touches, granting any
// waiters its departure unblocks. Used for both an observed socket close
// and QUIT's bulk release.
func (r *Registry) DisconnectCleanup(conn ConnHandle) []Event {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var events []Event

	for _, id := range ids {
		e := r.getOrCreate(id)
		events = append(events, e.disconnectCleanup(conn)...)
		r.cleanup(id)
	}

	return events
}

// HandleExpire delivers a deadline-timer wakeup to id's entity. Called from
// the serialization domain after scheduleExpire's message round-trips back
// in; safe to call even if id's entity has since been removed, in which
// case it is a no-op (the request must already have been granted or
// cleared by a disconnect).
func (r *Registry) HandleExpire(id ID, req *Request) []Event {
	r.mu.Lock()
	e, ok := r.entities[id]
	r.mu.Unlock()

	if !ok {
		return nil
	}

	events := e.timeoutExpire(req)
	r.cleanup(id)

	return events
}

// Show snapshots every entity that is currently held or waited on.
func (r *Registry) Show() []ShowEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]ShowEntry, 0, len(r.entities))

	for id, e := range r.entities {
		mode, locked, holders, waiters := e.snapshot()
		entries = append(entries, ShowEntry{LockID: id, Locked: locked, Mode: mode, Holders: holders, Waiters: waiters})
	}

	return entries
}

// Snapshot reports the current entity and aggregate-waiter counts, for the
// observable gauges in metrics.go.
func (r *Registry) Snapshot() (entities, waiters int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entities = len(r.entities)

	for _, e := range r.entities {
		_, _, _, w := e.snapshot()
		waiters += w
	}

	return entities, waiters
}

// SweepFinding describes one consistency anomaly Sweep observed. Either
// anomaly can legitimately appear for a few hundred milliseconds under load
// as a timer's goroutine races the serialization domain; Sweep only logs
// and counts, it never corrects.
type SweepFinding struct {
	LockID ID
	// Abandoned is true when the entity holds nothing and has no waiters
	// but was not removed from the registry.
	Abandoned bool
	// PastDeadline is true when the entity's oldest queued request's
	// deadline has already elapsed.
	PastDeadline bool
}

// Sweep walks every entity and reports anomalies without mutating
// anything. Intended to run off a cron schedule, well clear of the
// serialization domain's own handling of the same state.
func (r *Registry) Sweep(now time.Time) []SweepFinding {
	r.mu.Lock()
	defer r.mu.Unlock()

	var findings []SweepFinding

	for id, e := range r.entities {
		var f SweepFinding

		if e.abandoned() {
			f.Abandoned = true
		}

		if deadline, ok := e.oldestDeadline(); ok && now.After(deadline) {
			f.PastDeadline = true
		}

		if f.Abandoned || f.PastDeadline {
			f.LockID = id
			findings = append(findings, f)
		}
	}

	return findings
}

func (r *Registry) deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	return time.Now().Add(timeout)
}

func (r *Registry) getOrCreate(id ID) *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entities[id]; ok {
		return e
	}

	e := newEntity(id, r.cfg.GreedyReaders, r.scheduleExpire)
	r.entities[id] = e

	return e
}

func (r *Registry) cleanup(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entities[id]; ok && e.abandoned() {
		delete(r.entities, id)
	}
}
