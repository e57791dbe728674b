package channel

import (
	"fmt"
	"sync"
)

// Registry owns the named channels of a pipeline.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// GetOrCreate returns the channel registered under name, creating it from
// cfg on first use. A later request with a different type is an error.
func (r *Registry) GetOrCreate(name string, cfg Config) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[name]; ok {
		if cfg.Type != "" && ch.Kind() != cfg.Type {
			return nil, fmt.Errorf("channel %q already exists as %s, requested %s", name, ch.Kind(), cfg.Type)
		}
		return ch, nil
	}

	ch, err := New(name, cfg)
	if err != nil {
		return nil, err
	}
	r.channels[name] = ch
	r.order = append(r.order, name)
	return ch, nil
}

func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// List returns channels in creation order.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.channels[name])
	}
	return out
}

func (r *Registry) CloseAll() {
	for _, ch := range r.List() {
		_ = ch.Close()
	}
}
