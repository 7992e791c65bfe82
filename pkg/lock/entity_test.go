package lock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistborn/lockd/pkg/lock"
)

func noopExpire(lock.ID, *lock.Request) {}

func newRegistry(greedy bool) *lock.Registry {
	return lock.NewRegistry(lock.Config{DefaultTimeout: time.Second, GreedyReaders: greedy}, noopExpire)
}

// expireEvent is what a deadline timer delivers once it actually fires; in
// the real server this would be posted onto the dispatch channel instead of
// a Go channel a test can read directly.
type expireEvent struct {
	id  lock.ID
	req *lock.Request
}

// capturingExpire stands in for the dispatch loop's timer-fired handoff: it
// just forwards every fired (id, request) pair onto a channel a test can
// drain, so HandleExpire can be invoked deterministically instead of racing
// a real timer.
func capturingExpire(ch chan<- expireEvent) func(lock.ID, *lock.Request) {
	return func(id lock.ID, req *lock.Request) {
		ch <- expireEvent{id: id, req: req}
	}
}

func TestWriteContention(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1, c2 := lock.NewConnHandle(1), lock.NewConnHandle(2)

	ev := r.AcquireWrite(c1, "X", "", time.Second)
	assert.Equal(t, lock.StatusLocked, ev.Status)

	ev = r.AcquireWrite(c2, "X", "", 2*time.Second)
	assert.Equal(t, lock.StatusLockPending, ev.Status)

	events := r.Release(c1, "X", "")
	require.Len(t, events, 2)
	assert.Equal(t, lock.StatusReleased, events[0].Status)
	assert.Equal(t, c1, events[0].Conn)
	assert.Equal(t, lock.StatusLocked, events[1].Status)
	assert.Equal(t, c2, events[1].Conn)
}

func TestReaderFanInThenTimeout(t *testing.T) {
	t.Parallel()

	fired := make(chan expireEvent, 1)
	r := lock.NewRegistry(lock.Config{DefaultTimeout: time.Second, GreedyReaders: true}, capturingExpire(fired))
	c1, c2, c3, c4 := lock.NewConnHandle(1), lock.NewConnHandle(2), lock.NewConnHandle(3), lock.NewConnHandle(4)

	for _, c := range []lock.ConnHandle{c1, c2, c3} {
		ev := r.AcquireRead(c, "X", "", time.Second)
		assert.Equal(t, lock.StatusLocked, ev.Status)
	}

	ev := r.AcquireWrite(c4, "X", "", 20*time.Millisecond)
	assert.Equal(t, lock.StatusLockPending, ev.Status)

	select {
	case fire := <-fired:
		events := r.HandleExpire(fire.id, fire.req)
		require.Len(t, events, 1)
		assert.Equal(t, lock.StatusAcquireTimeout, events[0].Status)
		assert.Equal(t, c4, events[0].Conn)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the deadline timer to fire")
	}

	entries := r.Show()
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Waiters, "the expired request must be gone from the queue")
}

func TestNonGreedyReadersBlockBehindQueuedWriter(t *testing.T) {
	t.Parallel()

	r := newRegistry(false)
	c1, c2, c3 := lock.NewConnHandle(1), lock.NewConnHandle(2), lock.NewConnHandle(3)

	ev := r.AcquireRead(c1, "X", "", time.Second)
	assert.Equal(t, lock.StatusLocked, ev.Status)

	ev = r.AcquireWrite(c2, "X", "", time.Second)
	assert.Equal(t, lock.StatusLockPending, ev.Status)

	ev = r.AcquireRead(c3, "X", "", time.Second)
	assert.Equal(t, lock.StatusLockPending, ev.Status, "a queued writer must block new readers in non-greedy mode")

	events := r.Release(c1, "X", "")
	require.Len(t, events, 2)
	assert.Equal(t, lock.StatusReleased, events[0].Status)
	assert.Equal(t, lock.StatusLocked, events[1].Status)
	assert.Equal(t, c2, events[1].Conn)
	assert.Equal(t, lock.ModeWrite, events[1].Mode)

	entries := r.Show()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Waiters, "C3 should still be pending")
}

func TestUpgradeFromSoleReader(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1 := lock.NewConnHandle(1)

	ev := r.AcquireRead(c1, "X", "", time.Second)
	assert.Equal(t, lock.StatusLocked, ev.Status)
	assert.Equal(t, lock.ModeRead, ev.Mode)

	ev = r.AcquireWrite(c1, "X", "", time.Second)
	assert.Equal(t, lock.StatusLocked, ev.Status)
	assert.Equal(t, lock.ModeWrite, ev.Mode)

	entries := r.Show()
	require.Len(t, entries, 1)
	assert.Equal(t, lock.ModeWrite, entries[0].Mode)
	assert.Equal(t, 1, entries[0].Holders)
}

func TestDisconnectPurgeGrantsQueuedWriter(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1, c2 := lock.NewConnHandle(1), lock.NewConnHandle(2)

	ev := r.AcquireWrite(c1, "X", "", time.Second)
	assert.Equal(t, lock.StatusLocked, ev.Status)

	ev = r.AcquireWrite(c2, "X", "", time.Second)
	assert.Equal(t, lock.StatusLockPending, ev.Status)

	events := r.DisconnectCleanup(c1)
	require.Len(t, events, 1)
	assert.Equal(t, c2, events[0].Conn)
	assert.Equal(t, lock.StatusLocked, events[0].Status)

	entries := r.Show()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Holders)
	assert.Equal(t, 0, entries[0].Waiters)
}

func TestUnknownReleaseLeavesNoEntity(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1 := lock.NewConnHandle(1)

	events := r.Release(c1, "Y", "")
	require.Len(t, events, 1)
	assert.Equal(t, lock.StatusNoLockToRelease, events[0].Status)
	assert.Empty(t, r.Show())
}

func TestIdempotentReacquire(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1 := lock.NewConnHandle(1)

	ev := r.AcquireRead(c1, "X", "", time.Second)
	assert.Equal(t, lock.StatusLocked, ev.Status)

	ev = r.AcquireRead(c1, "X", "", time.Second)
	assert.Equal(t, lock.StatusLocked, ev.Status)

	entries := r.Show()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Holders, "re-acquiring the same mode must not grow the readers set")
}

func TestWriterReacquiringReadIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1 := lock.NewConnHandle(1)

	ev := r.AcquireWrite(c1, "X", "", time.Second)
	require.Equal(t, lock.StatusLocked, ev.Status)

	ev = r.AcquireRead(c1, "X", "", time.Second)
	assert.Equal(t, lock.StatusLocked, ev.Status, "a writer re-acquiring read must be granted immediately, not queued")
	assert.Equal(t, lock.ModeRead, ev.Mode)

	entries := r.Show()
	require.Len(t, entries, 1)
	assert.Equal(t, lock.ModeWrite, entries[0].Mode, "the write hold must be unaffected by the no-op read re-acquire")
	assert.Equal(t, 0, entries[0].Waiters, "the read re-acquire must not have been queued")
}

func TestReleaseEchoesAcquireNonceThenReleaseNonce(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1 := lock.NewConnHandle(1)

	ev := r.AcquireWrite(c1, "X", "acquire-nonce", time.Second)
	require.Equal(t, []lock.Nonce{"acquire-nonce"}, ev.Nonces)

	events := r.Release(c1, "X", "release-nonce")
	require.Len(t, events, 1)
	assert.Equal(t, []lock.Nonce{"acquire-nonce", "release-nonce"}, events[0].Nonces)
}

func TestReleaseWithNoNonceOmitsNonceList(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1 := lock.NewConnHandle(1)

	r.AcquireRead(c1, "X", "", time.Second)
	events := r.Release(c1, "X", "")
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Nonces)
}

func TestReleaseAllReportsMissOnlyWhenNothingReleased(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	c1, c2 := lock.NewConnHandle(1), lock.NewConnHandle(2)

	r.AcquireRead(c1, "X", "", time.Second)
	r.AcquireWrite(c2, "Y", "", time.Second)

	events := r.ReleaseAll(c1, "", true)
	require.Len(t, events, 1)
	assert.Equal(t, lock.StatusReleased, events[0].Status)

	events = r.ReleaseAll(c1, "", true)
	require.Len(t, events, 1)
	assert.Equal(t, lock.StatusNoLocksToReleaseAll, events[0].Status)
}

func TestFIFOWithinWriterQueue(t *testing.T) {
	t.Parallel()

	r := newRegistry(true)
	holder, c2, c3 := lock.NewConnHandle(1), lock.NewConnHandle(2), lock.NewConnHandle(3)

	r.AcquireWrite(holder, "X", "", time.Second)
	ev2 := r.AcquireWrite(c2, "X", "", time.Second)
	ev3 := r.AcquireWrite(c3, "X", "", time.Second)
	require.Equal(t, lock.StatusLockPending, ev2.Status)
	require.Equal(t, lock.StatusLockPending, ev3.Status)

	events := r.Release(holder, "X", "")
	require.Len(t, events, 2)
	assert.Equal(t, c2, events[1].Conn, "the earlier-queued writer must grant first")

	events = r.Release(c2, "X", "")
	require.Len(t, events, 2)
	assert.Equal(t, c3, events[1].Conn)
}
