package observer

import (
	"slices"
	"sync"
)

// Registry holds listeners registered with Register until their unregister func runs.
type Registry[L any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]L
}

func (r *Registry[L]) Register(listener L) (unregister func()) {
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[uint64]L)
	}
	r.nextID++
	id := r.nextID
	r.entries[id] = listener
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.entries, id)
			r.mu.Unlock()
		})
	}
}

// Snapshot returns the listeners in registration order.
func (r *Registry[L]) Snapshot() []L {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]L, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	return out
}

// Each calls fn for every registered listener outside the registry lock.
func (r *Registry[L]) Each(fn func(L)) {
	for _, listener := range r.Snapshot() {
		fn(listener)
	}
}

func (r *Registry[L]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
