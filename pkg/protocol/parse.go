package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/mistborn/lockd/pkg/lock"
)

// ErrCommandNotFound is returned by Parse when the command token (from
// either syntax) does not name a recognized command.
var ErrCommandNotFound = errors.New("protocol: command not found")

// wireCommand is the structured JSON inbound shape: {command, lockId?,
// mode?, timeout?, nonce?}.
type wireCommand struct {
	Command string  `json:"command"`
	LockID  *string `json:"lockId"`
	Mode    *string `json:"mode"`
	Timeout *int64  `json:"timeout"`
	Nonce   *string `json:"nonce"`
}

// Parse decodes one line (without its trailing newline) into a Command. A
// line starting with '{' is tried as structured JSON first; if that parse
// fails, or the line doesn't start with '{', it falls through to the
// whitespace syntax. ErrCommandNotFound is returned only once the command
// token itself is known to be unrecognized — malformed JSON followed by an
// unparsable whitespace line also ends up here, since there's nothing left
// to fall back to.
func Parse(line []byte) (Command, error) {
	trimmed := strings.TrimSpace(string(line))

	if strings.HasPrefix(trimmed, "{") {
		if cmd, ok := parseStructured(trimmed); ok {
			return cmd, normalizeName(cmd)
		}
	}

	return parseWhitespace(trimmed)
}

func parseStructured(line string) (Command, bool) {
	var wc wireCommand

	if err := json.Unmarshal([]byte(line), &wc); err != nil {
		return Command{}, false
	}

	if wc.Command == "" {
		return Command{}, false
	}

	cmd := Command{Name: strings.ToUpper(wc.Command)}

	if wc.LockID != nil {
		cmd.LockID = lock.ID(*wc.LockID)
	}

	if wc.Nonce != nil {
		cmd.Nonce = lock.Nonce(*wc.Nonce)
	}

	if wc.Mode != nil {
		cmd.HasMode = true

		switch strings.ToUpper(*wc.Mode) {
		case "W":
			cmd.Mode = lock.ModeWrite
		default:
			cmd.Mode = lock.ModeRead
		}
	}

	if wc.Timeout != nil {
		cmd.HasTimeout = true
		cmd.Timeout = time.Duration(*wc.Timeout) * time.Millisecond
	}

	return cmd, true
}

func parseWhitespace(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrCommandNotFound
	}

	cmd := Command{Name: strings.ToUpper(fields[0])}

	if len(fields) > 1 {
		cmd.LockID = lock.ID(fields[1])
	}

	return cmd, normalizeName(cmd)
}

func normalizeName(cmd Command) error {
	switch cmd.Name {
	case CmdWisdom, CmdAcquire, CmdRelease, CmdReleaseAll, CmdShow, CmdQuit:
		return nil
	default:
		return ErrCommandNotFound
	}
}

// ScanLines wraps bufio.Scanner with bufio.ScanLines, matching the
// line-oriented reads every connection in lockd performs.
func ScanLines(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanLines)

	return scanner
}
