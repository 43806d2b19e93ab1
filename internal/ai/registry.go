package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type ResponderFactory func(ctx context.Context, model string) (Responder, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ResponderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ResponderFactory)}
}

func (r *Registry) Register(name string, f ResponderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Memoize wraps a factory so every model gets one shared responder instance.
// Responders carry per-conversation transcript state, so call sites that
// resolve through the registry on every request must not get fresh instances.
func Memoize(f ResponderFactory) ResponderFactory {
	var mu sync.Mutex
	cache := make(map[string]Responder)
	return func(ctx context.Context, model string) (Responder, error) {
		mu.Lock()
		defer mu.Unlock()
		if r, ok := cache[model]; ok {
			return r, nil
		}
		r, err := f(ctx, model)
		if err != nil {
			return nil, err
		}
		cache[model] = r
		return r, nil
	}
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Responder, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai responder: %s", name)
	}
	return f(ctx, model)
}
