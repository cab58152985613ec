// Package handle provides generation-checked handles for runtime objects.
//
// A Handle is an index into a Registry plus the generation of the slot at the
// time the value was inserted. Removing a value bumps the slot generation, so
// a stale handle never resolves to an object that later reuses the slot.
package handle

import (
	"fmt"
	"sync"
)

// Handle identifies a value stored in a Registry. The zero Handle is never
// issued and never resolves.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.generation == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index, h.generation)
}

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Registry stores values of type T behind handles. It is safe for concurrent use.
type Registry[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Insert stores v and returns its handle.
func (r *Registry[T]) Insert(v T) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot[T]{})
		idx = uint32(len(r.slots) - 1)
	}
	s := &r.slots[idx]
	// Generations start at 1 so that the zero Handle stays invalid.
	s.generation++
	s.value = v
	s.live = true
	r.live++
	return Handle{index: idx, generation: s.generation}
}

// Get returns the value for h. ok is false if h was never issued or has been removed.
func (r *Registry[T]) Get(h Handle) (v T, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.lookup(h)
	if !ok {
		return v, false
	}
	return s.value, true
}

// Remove deletes the value for h and returns it.
func (r *Registry[T]) Remove(h Handle) (v T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookup(h)
	if !ok {
		return v, false
	}
	v = s.value
	var zero T
	s.value = zero
	s.live = false
	s.generation++
	r.free = append(r.free, h.index)
	r.live--
	return v, true
}

// Len returns the number of live values.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Each calls fn for every live value. fn must not modify the registry.
func (r *Registry[T]) Each(fn func(Handle, T)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.slots {
		s := &r.slots[i]
		if s.live {
			fn(Handle{index: uint32(i), generation: s.generation}, s.value)
		}
	}
}

func (r *Registry[T]) lookup(h Handle) (*slot[T], bool) {
	if h.IsZero() || int(h.index) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[h.index]
	if !s.live || s.generation != h.generation {
		return nil, false
	}
	return s, true
}
