package ecs

import "sync"

// resourceMap is the default ResourceContainer.
type resourceMap struct {
	mu     sync.RWMutex
	values map[string]any
}

func newResourceContainer() *resourceMap {
	return &resourceMap{values: make(map[string]any)}
}

func (r *resourceMap) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	return v, ok
}

func (r *resourceMap) Set(name string, value any) {
	r.mu.Lock()
	r.values[name] = value
	r.mu.Unlock()
}

func (r *resourceMap) Delete(name string) {
	r.mu.Lock()
	delete(r.values, name)
	r.mu.Unlock()
}

func (r *resourceMap) Range(fn func(string, any) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.values {
		if !fn(k, v) {
			return
		}
	}
}

// Resource fetches a typed resource. A missing entry or a value of another type reports false.
func Resource[T any](c ResourceContainer, name string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	raw, ok := c.Get(name)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

var _ ResourceContainer = (*resourceMap)(nil)
