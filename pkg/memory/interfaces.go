// Package memory implements the namespaced key-value Memory Store (§4.7):
// get/set/append/increment/delete/clear/list/getAll/has, backed by an
// in-process map, a JSON/CSV file, or Redis. Every backend honours the same
// contract so a `memory` provider can be pointed at any of the three
// without the rest of the engine noticing which one is in play.
package memory

import "context"

// Store is the Memory Store contract every backend implements.
type Store interface {
	Get(ctx context.Context, ns, key string) (interface{}, bool, error)
	Set(ctx context.Context, ns, key string, value interface{}) error
	// Append array-ifies the existing value (wrapping a scalar in a
	// single-element slice the first time) and appends value to it.
	Append(ctx context.Context, ns, key string, value interface{}) error
	// Increment adds amount to the numeric value at key (treating an
	// absent key as 0) and returns the new total.
	Increment(ctx context.Context, ns, key string, amount float64) (float64, error)
	Delete(ctx context.Context, ns, key string) error
	Clear(ctx context.Context, ns string) error
	List(ctx context.Context, ns string) ([]string, error)
	GetAll(ctx context.Context, ns string) (map[string]interface{}, error)
	Has(ctx context.Context, ns, key string) (bool, error)
	// Close releases any held resources (file handles, Redis connections).
	Close() error
}

// DefaultNamespace is used whenever a caller passes an empty namespace.
const DefaultNamespace = "default"

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}
