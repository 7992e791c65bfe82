package lockd

import (
	"context"

	"github.com/mistborn/lockd/pkg/lock"
	"github.com/mistborn/lockd/pkg/protocol"
)

// dispatchLoop is the serialization domain: the only goroutine that ever
// calls a mutating Registry method. It drains s.msgs until ctx is
// cancelled.
func (s *Server) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.msgs:
			s.handle(msg)
		}
	}
}

func (s *Server) handle(msg message) {
	switch m := msg.(type) {
	case registerMsg:
		s.handleRegister(m)
	case cmdMsg:
		s.handleCmd(m)
	case timerMsg:
		s.routeEvents(s.registry.HandleExpire(m.id, m.req))
	case disconnectMsg:
		s.handleDisconnect(m)
	}
}

func (s *Server) handleRegister(m registerMsg) {
	s.conns[m.conn.handle] = m.conn
	m.conn.writer.write(protocol.EncodeBanner())
}

func (s *Server) handleDisconnect(m disconnectMsg) {
	c, ok := s.conns[m.handle]
	if !ok {
		return
	}

	s.routeEvents(s.registry.DisconnectCleanup(m.handle))
	c.writer.close()
	delete(s.conns, m.handle)
}

func (s *Server) handleCmd(m cmdMsg) {
	c, ok := s.conns[m.handle]
	if !ok {
		return
	}

	cmd, err := protocol.Parse(m.line)
	if err != nil {
		c.writer.write(protocol.EncodeCommandNotFound(cmd.Nonce))

		return
	}

	switch cmd.Name {
	case protocol.CmdWisdom:
		c.writer.write(protocol.EncodeWisdom(s.wisdom.Random(), cmd.Nonce))

	case protocol.CmdAcquire:
		s.handleAcquire(c, cmd)

	case protocol.CmdRelease:
		s.routeEvents(s.registry.Release(m.handle, cmd.LockID, cmd.Nonce))

	case protocol.CmdReleaseAll:
		s.routeEvents(s.registry.ReleaseAll(m.handle, cmd.Nonce, true))

	case protocol.CmdShow:
		c.writer.write(protocol.EncodeShow(s.registry.Show(), cmd.Nonce))

	case protocol.CmdQuit:
		s.handleQuit(c, cmd)
	}
}

func (s *Server) handleAcquire(c conn, cmd protocol.Command) {
	if cmd.LockID == "" {
		c.writer.write(protocol.EncodeInvalidLockID(cmd.Nonce))

		return
	}

	mode := cmd.Mode
	if !cmd.HasMode {
		mode = lock.ModeWrite
	}

	var event lock.Event

	if mode == lock.ModeRead {
		event = s.registry.AcquireRead(c.handle, cmd.LockID, cmd.Nonce, cmd.Timeout)
	} else {
		event = s.registry.AcquireWrite(c.handle, cmd.LockID, cmd.Nonce, cmd.Timeout)
	}

	s.routeEvents([]lock.Event{event})
}

func (s *Server) handleQuit(c conn, cmd protocol.Command) {
	s.routeEvents(s.registry.ReleaseAll(c.handle, cmd.Nonce, false))
	s.routeEvents(s.registry.DisconnectCleanup(c.handle))
	c.writer.write(protocol.EncodeGoInPieces(cmd.Nonce))
	c.writer.close()
	delete(s.conns, c.handle)
}

// routeEvents delivers each event to the connection it targets, if that
// connection is still registered, and records it against the package
// metrics regardless of delivery. A missing target is not an error: the
// connection may have disconnected between the triggering release and
// this grant being computed.
func (s *Server) routeEvents(events []lock.Event) {
	for _, ev := range events {
		recordEvent(ev)

		c, ok := s.conns[ev.Conn]
		if !ok {
			continue
		}

		c.writer.write(protocol.EncodeEvent(ev))
	}
}

func recordEvent(ev lock.Event) {
	ctx := context.Background()
	mode := ev.Mode.String()

	switch ev.Status {
	case lock.StatusLocked:
		lock.RecordAcquire(ctx, mode, lock.ResultGranted)
	case lock.StatusLockPending:
		lock.RecordAcquire(ctx, mode, lock.ResultQueued)
	case lock.StatusAcquireTimeout:
		lock.RecordAcquire(ctx, mode, lock.ResultTimeout)
	case lock.StatusReleased:
		lock.RecordRelease(ctx, mode, lock.ResultGranted)
		lock.RecordHoldDuration(ctx, mode, ev.HoldDuration.Seconds())
	case lock.StatusNoLockToRelease, lock.StatusNoLocksToReleaseAll:
		lock.RecordRelease(ctx, mode, lock.ResultMiss)
	}
}
