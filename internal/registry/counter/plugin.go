package counter

import (
	"context"
	"fmt"
	"time"
)

// CounterStore holds the short-lived per-sender state used by spam detection.
type CounterStore interface {
	// Available reports whether the backend is shared across processes.
	Available() bool
	// IncrWindow atomically increments key and returns the new count. The
	// window expiry is set on the first increment only.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// SeenRecently records member under key and reports whether it was
	// already recorded within window.
	SeenRecently(ctx context.Context, key, member string, window time.Duration) (bool, error)
}

// RateKey is the per-sender message counter key.
func RateKey(senderID string) string {
	return "rate:" + senderID
}

// DuplicateKey is the per-sender recent content hash key.
func DuplicateKey(senderID string) string {
	return "dup:" + senderID
}

// Loader creates a counter store from config.
type Loader func(ctx context.Context) (CounterStore, error)

// Plugin represents a counter store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a counter store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered counter store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named counter store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown counter store %q; valid: %v", name, Names())
}
