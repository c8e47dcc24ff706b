package addonregistry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/StarNumber12046/opencards/proxy/internal/types"
)

// Registry manages a collection of addons and provides thread-safe access to them.
type Registry struct {
	addons []types.Addon
	mu     sync.RWMutex
}

// New creates a new Registry instance.
func New() *Registry {
	return &Registry{
		addons: make([]types.Addon, 0),
	}
}

// Add adds a new addon to the registry.
// This method is thread-safe.
func (r *Registry) Add(addon types.Addon) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addons = append(r.addons, addon)
}

// Get returns a copy of the current addon list.
// This method is thread-safe.
func (r *Registry) Get() []types.Addon {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Return a copy to prevent external modification
	result := make([]types.Addon, len(r.addons))
	copy(result, r.addons)
	return result
}

// Len returns the number of registered addons.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.addons)
}

// Each calls fn for every addon in registration order. A panicking addon is
// logged and skipped; the remaining addons still run. The first recovered panic
// is returned as an error.
func (r *Registry) Each(hook string, fn func(types.Addon)) (err error) {
	for _, addon := range r.Get() {
		if perr := call(hook, addon, fn); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func call(hook string, addon types.Addon, fn func(types.Addon)) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("addon %T panicked in %s: %v", addon, hook, rec)
			slog.Error("addon panic", "in", "addonregistry.Each", "hook", hook, "addon", fmt.Sprintf("%T", addon), "panic", rec)
		}
	}()
	fn(addon)
	return nil
}
