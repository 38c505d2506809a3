package resilience

import "sync"

// Set is a mutex-guarded set of strings
type Set struct {
	mu    sync.Mutex
	items map[string]struct{}
}

// NewSet creates an empty set
func NewSet() *Set {
	return &Set{items: make(map[string]struct{})}
}

// Add inserts key and reports whether it was absent before.
// The check and the insert happen under one lock, so two callers racing on
// the same key never both get true.
func (s *Set) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; exists {
		return false
	}
	s.items[key] = struct{}{}
	return true
}

// Contains reports whether key is present
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.items[key]
	return exists
}

// Remove deletes key if present
func (s *Set) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Len returns the number of keys
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
