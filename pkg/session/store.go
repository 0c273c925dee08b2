// Package session holds the conversation turn model and the in-memory
// store that carries transcripts across sequential runs declaring the
// same session key. The store lives for the duration of the test
// process; nothing is persisted to disk.
package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Key composes a session key from an agent name and a declared session
// name. Callers are only required to keep the agent name stable across
// a chain of calls.
func Key(agentName, sessionName string) string {
	return agentName + "/" + sessionName
}

// Store is process-wide mutable session state. It is an explicit object
// passed by reference into the engine, created at process start and
// cleared at process end. It is never an implicit singleton.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]Turn
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string][]Turn),
	}
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

// History returns the recorded turns for a key in order. The returned
// slice is a copy; mutating it does not affect the store. An unknown
// key yields an empty history.
func (s *Store) History(key string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.entries[key]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Append adds turns to a key's history, creating the entry on first
// use. Histories are append-only and never rolled back.
func (s *Store) Append(key string, turns ...Turn) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = append(s.entries[key], turns...)
	return nil
}

// Len returns the number of turns recorded under a key.
func (s *Store) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[key])
}

// Keys lists all session keys with recorded history, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear drops all recorded sessions.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]Turn)
}
