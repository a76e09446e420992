package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// ErrNotRegistered is returned when operating on an unknown endpoint.
var ErrNotRegistered = errors.New("webhook: endpoint not registered")

// Registry holds registered endpoints keyed by URL and persists them
// to a JSON file so registrations survive restarts.
type Registry struct {
	mu      sync.RWMutex
	path    string
	configs map[string]Config
}

// NewRegistry loads the registry from path, creating an empty one when
// the file does not exist yet. An empty path keeps the registry
// in-memory only.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, configs: make(map[string]Config)}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("load webhook registry: %w", err)
	}
	var configs []Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse webhook registry: %w", err)
	}
	for _, c := range configs {
		r.configs[c.URL] = c
	}
	return r, nil
}

// Register adds or replaces the endpoint for cfg.URL.
func (r *Registry) Register(cfg Config) error {
	if cfg.URL == "" {
		return fmt.Errorf("register webhook: URL required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.URL] = cfg
	return r.persistLocked()
}

// Unregister removes the endpoint for the given URL.
func (r *Registry) Unregister(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[url]; !ok {
		return ErrNotRegistered
	}
	delete(r.configs, url)
	return r.persistLocked()
}

// Get returns the config registered for the URL.
func (r *Registry) Get(url string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[url]
	if !ok {
		return Config{}, ErrNotRegistered
	}
	return cfg, nil
}

// List returns all registered endpoints ordered by URL.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Matching returns the endpoints subscribed to the event.
func (r *Registry) Matching(event string) []Config {
	var out []Config
	for _, c := range r.List() {
		if c.ShouldFire(event) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) persistLocked() error {
	if r.path == "" {
		return nil
	}
	configs := make([]Config, 0, len(r.configs))
	for _, c := range r.configs {
		configs = append(configs, c)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].URL < configs[j].URL })

	data, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode webhook registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write webhook registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("commit webhook registry: %w", err)
	}
	return nil
}
