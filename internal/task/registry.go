package task

import "sync"

// Registry is the process-wide store of live task states.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*State)}
}

// Create registers an empty state for id. The state is fully built before it
// becomes visible to Get.
func (r *Registry) Create(id string) (*State, error) {
	st := newState(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[id]; exists {
		return nil, ErrDuplicateTask
	}
	r.states[id] = st
	return st, nil
}

func (r *Registry) Get(id string) (*State, bool) {
	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	return st, ok
}

// Remove is a no-op for unknown ids.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.states, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
