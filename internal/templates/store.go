package templates

import (
	"sync"

	"github.com/andresmejia3/identity/internal/types"
)

// NormalizeFunc turns raw enrollment data into a stored template.
type NormalizeFunc func(types.Template) types.Template

// Store is the in-memory template map keyed by enrollment identifier. Keys keep
// their insertion order so a snapshot maps chunk indexes to identifiers stably.
type Store struct {
	mu        sync.RWMutex
	keys      []string
	items     map[string]types.Template
	normalize NormalizeFunc
}

// Snapshot is a frozen, ordered copy of the store taken for one request.
type Snapshot struct {
	IDs       []string
	Templates []types.Template
}

// Len returns the number of entries in the snapshot.
func (s Snapshot) Len() int { return len(s.IDs) }

// New creates an empty store. A nil normalize keeps data as given.
func New(normalize NormalizeFunc) *Store {
	if normalize == nil {
		normalize = func(t types.Template) types.Template { return t }
	}
	return &Store{
		items:     make(map[string]types.Template),
		normalize: normalize,
	}
}

// Normalize applies the store's normalization without storing anything.
func (s *Store) Normalize(data types.Template) types.Template {
	return s.normalize(data)
}

// Add inserts id if absent. It returns false for a duplicate.
func (s *Store) Add(id string, data types.Template) bool {
	t := s.normalize(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		return false
	}
	s.items[id] = t
	s.keys = append(s.keys, id)
	return true
}

// Remove deletes id if present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Store) removeLocked(id string) bool {
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, k := range s.keys {
		if k == id {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

// Correct applies a worker-reported correction: nil data deletes id, anything
// else replaces its template. Data from workers is already normalized.
// It reports whether the store changed.
func (s *Store) Correct(id string, data types.Template) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data == nil {
		return s.removeLocked(id)
	}
	if _, ok := s.items[id]; !ok {
		s.keys = append(s.keys, id)
	}
	s.items[id] = data
	return true
}

// Has reports whether id is enrolled.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok
}

// Get returns the stored template for id.
func (s *Store) Get(id string) (types.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.items[id]
	return t, ok
}

// Count returns the number of enrolled templates.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Dim returns the dimension of the oldest enrolled template, or 0 when empty.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.keys) == 0 {
		return 0
	}
	return len(s.items[s.keys[0]])
}

// Clear drops every template.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
	s.items = make(map[string]types.Template)
}

// Snapshot returns the current contents in insertion order. Templates are
// shared, not copied: stored values are replaced wholesale, never mutated.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		IDs:       make([]string, len(s.keys)),
		Templates: make([]types.Template, len(s.keys)),
	}
	copy(snap.IDs, s.keys)
	for i, k := range s.keys {
		snap.Templates[i] = s.items[k]
	}
	return snap
}
