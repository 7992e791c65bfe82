package lockd

import (
	"net"
	"time"

	"github.com/mistborn/lockd/pkg/circuitbreaker"
	"github.com/mistborn/lockd/pkg/lock"
)

// connWriter wraps one client socket's outbound writes behind a circuit
// breaker: a failing connection stops being written to well before its
// read side notices the close, instead of retrying every event against a
// socket that is already gone.
type connWriter struct {
	nc      net.Conn
	breaker *circuitbreaker.CircuitBreaker
}

func newConnWriter(nc net.Conn) *connWriter {
	return &connWriter{nc: nc, breaker: circuitbreaker.New(3, 10*time.Second)}
}

// write is best-effort: a failed or breaker-refused write is swallowed,
// never surfaced to the serialization domain, matching the coordinator's
// dead-socket policy.
func (w *connWriter) write(frame []byte) {
	if !w.breaker.AllowRequest() {
		return
	}

	if _, err := w.nc.Write(frame); err != nil {
		w.breaker.RecordFailure()

		return
	}

	w.breaker.RecordSuccess()
}

func (w *connWriter) close() { _ = w.nc.Close() }

// conn bundles the registry-facing handle for one client with the socket
// plumbing needed to write back to it.
type conn struct {
	handle lock.ConnHandle
	writer *connWriter
}
