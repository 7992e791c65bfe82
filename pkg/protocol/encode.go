package protocol

import (
	"encoding/json"

	"github.com/mistborn/lockd/pkg/lock"
)

// wireResponse is the outbound frame shape: every response carries at
// least status, plus lockId/mode/nonce/locks as appropriate.
type wireResponse struct {
	Status string          `json:"status"`
	LockID string          `json:"lockId,omitempty"`
	Mode   string          `json:"mode,omitempty"`
	Nonce  []string        `json:"nonce,omitempty"`
	Locks  []wireLockEntry `json:"locks,omitempty"`
}

type wireLockEntry struct {
	LockID  string `json:"lockId"`
	Mode    string `json:"mode,omitempty"`
	Holders int    `json:"holders"`
	Waiters int    `json:"waiters"`
}

func nonceWire(nonces []lock.Nonce) []string {
	var out []string

	for _, n := range nonces {
		if n.Present() {
			out = append(out, string(n))
		}
	}

	return out
}

// EncodeEvent renders one coordinator Event as a single newline-terminated
// outbound frame.
func EncodeEvent(ev lock.Event) []byte {
	return encode(wireResponse{
		Status: statusForEvent(ev.Status),
		LockID: string(ev.LockID),
		Mode:   modeWire(ev.Mode),
		Nonce:  nonceWire(ev.Nonces),
	})
}

// EncodeBanner renders the greeting sent immediately after accept.
func EncodeBanner() []byte {
	return encode(wireResponse{Status: StatusIMustBlockYou})
}

// EncodeWisdom renders one WISDOM response carrying the chosen fortune in
// place of a lock id, echoing nonce if the request carried one.
func EncodeWisdom(fortune string, nonce lock.Nonce) []byte {
	return encode(wireResponse{
		Status: StatusWisdom,
		LockID: fortune,
		Nonce:  nonceWire([]lock.Nonce{nonce}),
	})
}

// EncodeGoInPieces renders QUIT's closing frame.
func EncodeGoInPieces(nonce lock.Nonce) []byte {
	return encode(wireResponse{Status: StatusGoInPieces, Nonce: nonceWire([]lock.Nonce{nonce})})
}

// EncodeCommandNotFound renders the response to an unrecognized command.
func EncodeCommandNotFound(nonce lock.Nonce) []byte {
	return encode(wireResponse{Status: StatusCommandNotFound, Nonce: nonceWire([]lock.Nonce{nonce})})
}

// EncodeInvalidLockID renders the response to an ACQUIRE missing lockId.
func EncodeInvalidLockID(nonce lock.Nonce) []byte {
	return encode(wireResponse{Status: StatusCannotAcquireInvalidLockID, Nonce: nonceWire([]lock.Nonce{nonce})})
}

// EncodeShow renders a SHOW response listing every currently held or
// waited-on lock id.
func EncodeShow(entries []lock.ShowEntry, nonce lock.Nonce) []byte {
	locks := make([]wireLockEntry, len(entries))

	for i, e := range entries {
		mode := ""
		if e.Locked {
			mode = modeWire(e.Mode)
		}

		locks[i] = wireLockEntry{LockID: string(e.LockID), Mode: mode, Holders: e.Holders, Waiters: e.Waiters}
	}

	return encode(wireResponse{Status: StatusShow, Locks: locks, Nonce: nonceWire([]lock.Nonce{nonce})})
}

func encode(resp wireResponse) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		// wireResponse has no field that can fail to marshal (no
		// channels, funcs, or cyclic pointers); treat this as
		// unreachable rather than plumb an error return into every
		// caller.
		panic(err)
	}

	return append(out, '\n')
}
