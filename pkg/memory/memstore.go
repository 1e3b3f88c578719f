package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is the in-process Store backend: a map of namespaces to
// key/value maps guarded by a single mutex, matching the "memory" mode
// of §4.7. Values are kept as whatever Go value the caller passed in
// (no serialisation round-trip), so Increment and Append can operate on
// them directly.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[string]interface{}
}

// NewMemStore creates an empty in-process Store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string]interface{})}
}

func (m *MemStore) bucket(ns string) map[string]interface{} {
	ns = namespaceOrDefault(ns)
	b, ok := m.data[ns]
	if !ok {
		b = make(map[string]interface{})
		m.data[ns] = b
	}
	return b
}

func (m *MemStore) Get(ctx context.Context, ns, key string) (interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[namespaceOrDefault(ns)]
	if !ok {
		return nil, false, nil
	}
	v, ok := b[key]
	return v, ok, nil
}

func (m *MemStore) Set(ctx context.Context, ns, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(ns)[key] = value
	return nil
}

func (m *MemStore) Append(ctx context.Context, ns, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(ns)
	existing, ok := b[key]
	if !ok {
		b[key] = []interface{}{value}
		return nil
	}
	list, ok := existing.([]interface{})
	if !ok {
		list = []interface{}{existing}
	}
	b[key] = append(list, value)
	return nil
}

func (m *MemStore) Increment(ctx context.Context, ns, key string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(ns)
	total, err := numericValue(b[key])
	if err != nil {
		return 0, fmt.Errorf("memory: increment %s/%s: %w", ns, key, err)
	}
	total += amount
	b[key] = total
	return total, nil
}

func (m *MemStore) Delete(ctx context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(ns), key)
	return nil
}

func (m *MemStore) Clear(ctx context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespaceOrDefault(ns))
	return nil
}

func (m *MemStore) List(ctx context.Context, ns string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[namespaceOrDefault(ns)]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) GetAll(ctx context.Context, ns string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[namespaceOrDefault(ns)]
	if !ok {
		return map[string]interface{}{}, nil
	}
	out := make(map[string]interface{}, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) Has(ctx context.Context, ns, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[namespaceOrDefault(ns)]
	if !ok {
		return false, nil
	}
	_, ok = b[key]
	return ok, nil
}

func (m *MemStore) Close() error { return nil }

// numericValue coerces v into a float64, treating a missing key (nil) as
// zero per the Increment contract (§4.7).
func numericValue(v interface{}) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("value is not numeric: %#v", v)
	}
}
