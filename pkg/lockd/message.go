package lockd

import "github.com/mistborn/lockd/pkg/lock"

// message is the single sum type that flows through the serialization
// domain's channel: every command, timer wakeup, accept, and disconnect
// passes through here so the dispatch loop is the only place that ever
// touches Registry or Entity state.
type message interface{ isMessage() }

type registerMsg struct {
	conn conn
}

type cmdMsg struct {
	handle lock.ConnHandle
	line   []byte
}

type timerMsg struct {
	id  lock.ID
	req *lock.Request
}

type disconnectMsg struct {
	handle lock.ConnHandle
}

func (registerMsg) isMessage()   {}
func (cmdMsg) isMessage()        {}
func (timerMsg) isMessage()      {}
func (disconnectMsg) isMessage() {}
