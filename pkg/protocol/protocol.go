// Package protocol implements lockd's line-oriented wire format: decoding
// inbound command frames (structured JSON or whitespace-separated) and
// encoding outbound status frames. It has no knowledge of sockets or the
// serialization domain that executes commands — see package lockd for
// those.
package protocol

import (
	"time"

	"github.com/mistborn/lockd/pkg/lock"
)

// Command names recognized on the wire. Comparison against an inbound
// token is case-insensitive; these constants are the canonical uppercase
// form used everywhere else in the package.
const (
	CmdWisdom     = "WISDOM"
	CmdAcquire    = "ACQUIRE"
	CmdRelease    = "RELEASE"
	CmdReleaseAll = "RELEASEALL"
	CmdShow       = "SHOW"
	CmdQuit       = "QUIT"
)

// Outbound status codes.
const (
	StatusIMustBlockYou              = "IMUSTBLOCKYOU"
	StatusLocked                     = "LOCKED"
	StatusLockPending                = "LOCKPENDING"
	StatusReleased                   = "RELEASED"
	StatusAcquireTimeout             = "ACQUIRETIMEOUT"
	StatusNoLockToRelease            = "NOLOCKTORELEASE"
	StatusNoLocksToReleaseAll        = "NOLOCKSTORELEASEALL"
	StatusCannotAcquireInvalidLockID = "CANNOTACQUIREINVALIDLOCKID"
	StatusShow                       = "SHOW"
	StatusWisdom                     = "WISDOM"
	StatusGoInPieces                 = "GOINPIECES"
	StatusCommandNotFound            = "COMMANDNOTFOUND"
)

// Command is a fully decoded inbound frame, independent of whether it
// arrived as JSON or whitespace-separated text. The whitespace form never
// sets Mode, Timeout, or Nonce.
type Command struct {
	Name   string
	LockID lock.ID
	Nonce  lock.Nonce

	// Mode is only meaningful when HasMode is true. An ACQUIRE with
	// HasMode false defaults to write — the caller, not this package,
	// applies that default, since it only matters for ACQUIRE.
	Mode    lock.Mode
	HasMode bool

	Timeout    time.Duration
	HasTimeout bool
}

// statusForEvent maps a coordinator Status onto its wire status code.
func statusForEvent(s lock.Status) string {
	switch s {
	case lock.StatusLocked:
		return StatusLocked
	case lock.StatusLockPending:
		return StatusLockPending
	case lock.StatusReleased:
		return StatusReleased
	case lock.StatusAcquireTimeout:
		return StatusAcquireTimeout
	case lock.StatusNoLockToRelease:
		return StatusNoLockToRelease
	case lock.StatusNoLocksToReleaseAll:
		return StatusNoLocksToReleaseAll
	default:
		return StatusCommandNotFound
	}
}

func modeWire(m lock.Mode) string {
	switch m {
	case lock.ModeRead:
		return "read"
	case lock.ModeWrite:
		return "write"
	default:
		return ""
	}
}
