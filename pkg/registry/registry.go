// Package registry holds the application catalog jobs may reference.
package registry

import (
	"context"
	"sort"
	"sync"
)

// Application is an executable the platform knows how to run.
type Application struct {
	ID         string `mapstructure:"id" json:"id"`
	Name       string `mapstructure:"name" json:"name"`
	Executable string `mapstructure:"executable" json:"executable"`
}

// Registry offers a threadsafe in-memory catalog populated from configuration.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Application
}

// New returns a registry seeded with apps.
func New(apps ...Application) *Registry {
	r := &Registry{entries: map[string]Application{}}
	for _, app := range apps {
		r.Set(app)
	}
	return r
}

// Set stores or updates an application.
func (r *Registry) Set(app Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[app.ID] = app
}

// Get retrieves an application by id and a boolean indicating its presence.
func (r *Registry) Get(id string) (Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.entries[id]
	return app, ok
}

// Exists satisfies controlplane.AppCatalog.
func (r *Registry) Exists(_ context.Context, id string) (bool, error) {
	_, ok := r.Get(id)
	return ok, nil
}

// List returns every application ordered by id.
func (r *Registry) List() []Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Application, 0, len(r.entries))
	for _, app := range r.entries {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of registered applications.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
