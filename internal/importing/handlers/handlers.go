// Package handlers provides the built-in item handlers runnable by name.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vietddude/importer/internal/core/domain"
)

// Func processes a single item.
type Func func(ctx context.Context, item domain.Item) error

// Registry maps handler names to implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register adds a handler. Registering a name twice is an error.
func (r *Registry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Log is a dry-run handler that only logs each item.
func Log(logger *slog.Logger) Func {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, item domain.Item) error {
		logger.InfoContext(ctx, "Item received", "item_id", item.ID, "payload_bytes", len(item.Payload))
		return nil
	}
}
