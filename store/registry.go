// Package store provides a registry of named driver factories, so
// callers (the CLI, tests) can construct a replica's back-ends from
// configuration.
package store

import (
	"context"
	"fmt"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/replica"
)

// Factory builds a driver pair for one share from configuration.
type Factory func(ctx context.Context, share earthstar.ShareAddress, conf map[string]interface{}) (replica.Driver, error)

var registry = make(map[string]Factory)

// Register adds a factory under a key. Drivers call this from init.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create builds the driver pair registered under key.
func Create(ctx context.Context, key string, share earthstar.ShareAddress, conf map[string]interface{}) (replica.Driver, error) {
	f, ok := registry[key]
	if !ok {
		return replica.Driver{}, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, share, conf)
}
