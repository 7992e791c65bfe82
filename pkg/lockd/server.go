// Package lockd is the connection lifecycle and single-threaded
// serialization domain that sits on top of pkg/lock and pkg/protocol: it
// accepts TCP connections, turns each line into a message, and drains
// every message through one goroutine so the coordinator itself never
// needs internal locking.
package lockd

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mistborn/lockd/pkg/lock"
	"github.com/mistborn/lockd/pkg/protocol"
	"github.com/mistborn/lockd/pkg/wisdom"
)

// Server owns the accept loop and the serialization domain for one
// listening socket. Everything it reaches through msgs — the registry,
// the conns map — is touched only from the dispatch loop's goroutine.
type Server struct {
	// id identifies one server process's lifetime for logging and the
	// admin /healthz response; it is minted once at construction and
	// never reused, so two lockd processes (or two runs of the same one
	// across a restart) never share it — unlike ConnHandle, it never
	// identifies a connection and plays no role in lock state.
	id       uuid.UUID
	logger   zerolog.Logger
	registry *lock.Registry
	wisdom   *wisdom.Source

	msgs   chan message
	nextID atomic.Uint64
	conns  map[lock.ConnHandle]conn
}

// New constructs a Server. wisdomSource may be nil, in which case WISDOM
// always answers with the built-in fallback fortune list.
func New(logger zerolog.Logger, cfg lock.Config, wisdomSource *wisdom.Source) *Server {
	s := &Server{
		id:     uuid.New(),
		logger: logger,
		wisdom: wisdomSource,
		msgs:   make(chan message, 64),
		conns:  make(map[lock.ConnHandle]conn),
	}

	s.registry = lock.NewRegistry(cfg, s.scheduleExpire)

	if s.wisdom == nil {
		s.wisdom = wisdom.New("")
	}

	return s
}

// Registry exposes the coordinator for the admin HTTP surface and the
// consistency sweep, both of which only ever call Registry.Show/Snapshot/
// Sweep — the methods documented safe to call from outside the dispatch
// goroutine.
func (s *Server) Registry() *lock.Registry { return s.registry }

// ID reports this server process's instance id, surfaced on the admin
// /healthz response so an operator can tell two processes (or two runs of
// the same one across a restart) apart.
func (s *Server) ID() uuid.UUID { return s.id }

// scheduleExpire is handed to the registry as its timer callback. It runs
// on the expiring timer's own goroutine, so all it does is hop back into
// the serialization domain.
func (s *Server) scheduleExpire(id lock.ID, req *lock.Request) {
	s.msgs <- timerMsg{id: id, req: req}
}

// Serve runs the accept loop for ln on its own goroutine and the dispatch
// loop on the calling goroutine, and returns ctx's error once ctx is
// cancelled. It does not wait for the accept loop, which exits when ln is
// closed or ctx is done; any other Accept error is logged and retried.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.acceptLoop(ctx, ln)

	return s.dispatchLoop(ctx)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Warn().Err(err).Msg("accept failed")

			continue
		}

		handle := lock.NewConnHandle(s.nextID.Add(1))
		c := conn{handle: handle, writer: newConnWriter(nc)}

		select {
		case s.msgs <- registerMsg{conn: c}:
		case <-ctx.Done():
			_ = nc.Close()

			return
		}

		go s.readLoop(ctx, handle, nc)
	}
}

func (s *Server) readLoop(ctx context.Context, handle lock.ConnHandle, nc net.Conn) {
	scanner := protocol.ScanLines(nc)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)

		select {
		case s.msgs <- cmdMsg{handle: handle, line: line}:
		case <-ctx.Done():
			return
		}
	}

	select {
	case s.msgs <- disconnectMsg{handle: handle}:
	case <-ctx.Done():
	}
}
