package smbdfs

import (
	"fmt"
	"sync"
)

// ID names an entry in a Table. The generation makes IDs of disposed entries
// fail cleanly with ErrStale instead of aliasing a reused slot.
type ID struct {
	index uint32
	gen   uint32
}

// IsZero reports whether id was never assigned.
func (id ID) IsZero() bool { return id.gen == 0 }

func (id ID) String() string { return fmt.Sprintf("%d.%d", id.index, id.gen) }

// lockable is implemented by every Table so that ownership edges can point
// across tables of different element types.
type lockable interface {
	Lock(id ID) error
	Unlock(id ID) error
}

type edge struct {
	target lockable
	id     ID
}

type slot[T any] struct {
	gen      uint32
	used     bool
	key      string // folded
	value    T
	refs     int32
	hidden   bool
	disposed bool
	edges    []edge
}

// Table is a reference-counted container of entries keyed by a
// case-insensitive name.
//
// An inserted entry starts with one reference held by the inserter. Lock and
// Unlock adjust the count; when it reaches zero the entry is disposed exactly
// once: it becomes unfindable, the dispose callback runs outside the table
// mutex, and its ownership edges are released. The slot is then freed and
// its generation bumped.
type Table[T any] struct {
	name    string
	dispose func(T)

	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	order []uint32 // live slots in insertion order
}

// NewTable creates an empty table. dispose may be nil.
func NewTable[T any](name string, dispose func(T)) *Table[T] {
	return &Table[T]{name: name, dispose: dispose}
}

// live returns the slot for id if it has not been disposed. Caller holds mu.
func (t *Table[T]) live(id ID) *slot[T] {
	if id.gen == 0 || int(id.index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[id.index]
	if !s.used || s.gen != id.gen || s.disposed {
		return nil
	}
	return s
}

// Insert adds value under key with one reference held by the caller. With
// unique set, it fails with ErrExist while a findable entry has the same key.
func (t *Table[T]) Insert(key string, value T, unique bool) (ID, error) {
	fk := foldKey(key)
	t.mu.Lock()
	defer t.mu.Unlock()

	if unique {
		for _, i := range t.order {
			s := &t.slots[i]
			if !s.hidden && !s.disposed && s.key == fk {
				return ID{}, fmt.Errorf("%s %q: %w", t.name, key, ErrExist)
			}
		}
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.key = fk
	s.value = value
	s.refs = 1
	s.hidden = false
	s.disposed = false
	s.edges = nil
	t.order = append(t.order, idx)
	return ID{index: idx, gen: s.gen}, nil
}

// Find returns the first findable entry with key, in insertion order. With
// lock set the entry's reference count is incremented before returning.
func (t *Table[T]) Find(key string, lock bool) (ID, T, bool) {
	fk := foldKey(key)
	return t.FindFunc(func(k string, _ T) bool { return k == fk }, lock)
}

// FindFunc returns the first findable entry for which match returns true.
// match receives the folded key and runs under the table mutex.
func (t *Table[T]) FindFunc(match func(key string, v T) bool, lock bool) (ID, T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, i := range t.order {
		s := &t.slots[i]
		if s.hidden || s.disposed || !match(s.key, s.value) {
			continue
		}
		if lock {
			s.refs++
		}
		return ID{index: i, gen: s.gen}, s.value, true
	}
	var zero T
	return ID{}, zero, false
}

// Get returns the value for id without taking a reference.
func (t *Table[T]) Get(id ID) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.live(id)
	if s == nil {
		var zero T
		return zero, fmt.Errorf("%s %s: %w", t.name, id, ErrStale)
	}
	return s.value, nil
}

// Lock takes a reference on id.
func (t *Table[T]) Lock(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.live(id)
	if s == nil {
		return fmt.Errorf("%s %s: %w", t.name, id, ErrStale)
	}
	s.refs++
	return nil
}

// Unlock drops a reference on id, disposing the entry when the count
// reaches zero.
func (t *Table[T]) Unlock(id ID) error {
	t.mu.Lock()
	s := t.live(id)
	if s == nil {
		t.mu.Unlock()
		return fmt.Errorf("%s %s: %w", t.name, id, ErrStale)
	}
	s.refs--
	if s.refs > 0 {
		t.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.hidden = true
	value, edges := s.value, s.edges
	s.edges = nil
	t.mu.Unlock()

	if t.dispose != nil {
		t.dispose(value)
	}
	for i := len(edges) - 1; i >= 0; i-- {
		_ = edges[i].target.Unlock(edges[i].id)
	}
	t.release(id)
	return nil
}

// release frees the slot of a disposed entry.
func (t *Table[T]) release(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[id.index]
	if s.gen != id.gen {
		return
	}
	var zero T
	s.used = false
	s.value = zero
	s.key = ""
	for i, idx := range t.order {
		if idx == id.index {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.free = append(t.free, id.index)
}

// Hide makes id unfindable without affecting its reference count.
func (t *Table[T]) Hide(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.live(id)
	if s == nil {
		return fmt.Errorf("%s %s: %w", t.name, id, ErrStale)
	}
	s.hidden = true
	return nil
}

// Remove hides id and drops the inserter's reference. Disposal happens when
// the last other holder unlocks.
func (t *Table[T]) Remove(id ID) error {
	if err := t.Hide(id); err != nil {
		return err
	}
	return t.Unlock(id)
}

// Hold records an ownership edge: owner takes a reference on targetID in
// target that is released when owner is disposed.
func (t *Table[T]) Hold(owner ID, target lockable, targetID ID) error {
	if err := target.Lock(targetID); err != nil {
		return err
	}
	t.mu.Lock()
	s := t.live(owner)
	if s == nil {
		t.mu.Unlock()
		_ = target.Unlock(targetID)
		return fmt.Errorf("%s %s: %w", t.name, owner, ErrStale)
	}
	s.edges = append(s.edges, edge{target: target, id: targetID})
	t.mu.Unlock()
	return nil
}

// Unhold releases one ownership edge from owner to targetID early.
func (t *Table[T]) Unhold(owner ID, target lockable, targetID ID) error {
	t.mu.Lock()
	s := t.live(owner)
	if s == nil {
		t.mu.Unlock()
		return fmt.Errorf("%s %s: %w", t.name, owner, ErrStale)
	}
	found := false
	for i, e := range s.edges {
		if e.target == target && e.id == targetID {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			found = true
			break
		}
	}
	t.mu.Unlock()
	if !found {
		return fmt.Errorf("%s %s: edge to %s: %w", t.name, owner, targetID, ErrNotFound)
	}
	return target.Unlock(targetID)
}

// Each calls fn for every findable entry, holding a reference on the entry
// for the duration of the call. Entries may be removed, including the
// current one, while iterating. Iteration stops when fn returns false.
func (t *Table[T]) Each(fn func(id ID, v T) bool) {
	t.mu.Lock()
	ids := make([]ID, 0, len(t.order))
	for _, i := range t.order {
		s := &t.slots[i]
		if !s.hidden && !s.disposed {
			ids = append(ids, ID{index: i, gen: s.gen})
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		if t.Lock(id) != nil {
			continue
		}
		v, err := t.Get(id)
		cont := err != nil || fn(id, v)
		_ = t.Unlock(id)
		if !cont {
			return
		}
	}
}

// Len returns the number of findable entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, i := range t.order {
		if s := &t.slots[i]; !s.hidden && !s.disposed {
			n++
		}
	}
	return n
}

// refCount returns the reference count of id, or -1 if it is stale.
func (t *Table[T]) refCount(id ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.live(id); s != nil {
		return int(s.refs)
	}
	return -1
}
