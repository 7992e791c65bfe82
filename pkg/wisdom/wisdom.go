// Package wisdom serves the fortune returned by the WISDOM command: a
// random line from an operator-editable file, reloadable without a
// restart.
package wisdom

import (
	"bufio"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
)

var defaultFortunes = []string{
	"A locked door is just a conversation that hasn't happened yet.",
	"The writer waits; the readers abide.",
	"Every nonce tells a story, if only to itself.",
	"Abandon your entity and it will abandon you back.",
	"FIFO is fair. Fair is slow. Slow is fine.",
}

// Source holds the current fortune list and serves WISDOM lookups. It is
// safe for concurrent use: Reload swaps the list under a lock while
// Random reads it under the same lock.
type Source struct {
	mu       sync.RWMutex
	fortunes []string
	path     string
}

// New constructs a Source backed by path. If path is empty or unreadable
// at construction time, the built-in fallback list is used; Reload can
// pick up the file later once it exists.
func New(path string) *Source {
	s := &Source{path: path, fortunes: defaultFortunes}
	_ = s.Reload()

	return s
}

// Reload re-reads the fortune file, replacing the in-memory list on
// success. An empty path, or a file with no fortune lines, is not an error
// and leaves the list as it was; a file that cannot be opened or read
// returns that error and also leaves the list unchanged.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	if len(lines) == 0 {
		return nil
	}

	s.mu.Lock()
	s.fortunes = lines
	s.mu.Unlock()

	return nil
}

// Random returns one fortune chosen uniformly at random.
func (s *Source) Random() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.fortunes[rand.IntN(len(s.fortunes))] //nolint:gosec // picking a fortune needs no crypto-grade randomness
}
