package profile

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds saved profiles in memory. Saving a profile with an existing
// ID replaces it; conversations already running keep the copy they started with.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// Save validates and stores p. It reports whether an earlier profile was replaced.
func (r *Registry) Save(p Profile) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.profiles[p.ID]
	r.profiles[p.ID] = p
	return replaced, nil
}

// Get returns the profile saved under id.
func (r *Registry) Get(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q has not been saved", id)
	}
	return p, nil
}

// List returns every saved profile ordered by ID.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
