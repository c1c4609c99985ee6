// Package watermark provides the per-entity progress tracking structure
// used by subscriptions. A Set maps entity identifiers to the highest
// data-ordering key already consumed for that entity.
package watermark

import (
	"math"
	"sort"
)

// EntityID uniquely identifies a queryable table/entity within a topic's scope.
type EntityID int64

// Key is an opaque, totally-ordered progress cursor (typically a timestamp
// in milliseconds). A watermark of k means "rows with key <= k have been
// consumed for this entity".
type Key int64

// KeyMin is the sentinel watermark for an entity that has never been
// consumed. Reconciliation seeds newly discovered entities with it so the
// first consume cycle picks up their full history.
const KeyMin Key = math.MinInt64

// Entry is a single (entity, watermark) pair. Ordering is solely by Entity.
type Entry struct {
	Entity EntityID
	Key    Key
}

// Set is an ordered collection of entries, sorted by Entity with no
// duplicates. The zero value is an empty set ready for use.
//
// Set does no locking; the owning subscription serializes access.
type Set struct {
	entries []Entry
}

// NewSet returns an empty set with capacity for n entries.
func NewSet(n int) *Set {
	return &Set{entries: make([]Entry, 0, n)}
}

// search returns the index of id and whether it is present.
func (s *Set) search(id EntityID) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Entity >= id
	})
	return i, i < len(s.entries) && s.entries[i].Entity == id
}

// Get returns the watermark for id, or dflt if the entity is not tracked.
func (s *Set) Get(id EntityID, dflt Key) Key {
	if s == nil {
		return dflt
	}
	if i, ok := s.search(id); ok {
		return s.entries[i].Key
	}
	return dflt
}

// Contains reports whether id is tracked by the set.
func (s *Set) Contains(id EntityID) bool {
	if s == nil {
		return false
	}
	_, ok := s.search(id)
	return ok
}

// Advance overwrites the watermark for id. It is a no-op if the entity is
// not tracked: point updates never insert, so callers can rely on Get's
// default to detect unknown entities during reconciliation. The key is
// stored unconditionally; callers are trusted to pass non-decreasing keys.
func (s *Set) Advance(id EntityID, k Key) {
	if s == nil {
		return
	}
	if i, ok := s.search(id); ok {
		s.entries[i].Key = k
	}
}

// Rebuild replaces the whole set with entries, which may arrive in any
// order. Used only during reconciliation. Duplicate entities keep the
// first occurrence after a stable sort.
func (s *Set) Rebuild(entries []Entry) {
	next := make([]Entry, len(entries))
	copy(next, entries)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Entity < next[j].Entity
	})
	// Compact duplicates in place, keeping the first of each run.
	out := next[:0]
	for _, e := range next {
		if n := len(out); n > 0 && out[n-1].Entity == e.Entity {
			continue
		}
		out = append(out, e)
	}
	s.entries = out
}

// Len returns the number of tracked entities.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Entries returns a copy of the set's contents in ascending entity order.
func (s *Set) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
