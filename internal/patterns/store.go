package patterns

import (
	"context"
	"sync"
	"time"
)

// Store is a pattern persistence backend. Implementations must make Upsert
// an atomic read-modify-write per (scope, type, value) key.
type Store interface {
	// Upsert reinforces an existing pattern or creates it.
	Upsert(ctx context.Context, req *UpsertRequest, now time.Time) (*Pattern, error)

	// Get returns all patterns in a scope, optionally filtered by type.
	Get(ctx context.Context, scope, patternType string) ([]Pattern, error)

	// Sweep deletes patterns whose last update is older than the TTL and
	// returns how many were removed.
	Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// RecordFrequency bumps the observation count for a rule.
	RecordFrequency(ctx context.Context, ruleID string) (int, error)

	// Frequencies returns all rule observation counts.
	Frequencies(ctx context.Context) (map[string]int, error)

	// Close releases the backend.
	Close() error
}

// memoryStore is the in-memory Store used for tests and single-run scans.
type memoryStore struct {
	halfLife time.Duration

	mu          sync.Mutex
	patterns    map[string]*Pattern // key: scope|type|value
	frequencies map[string]int
	closed      bool
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(halfLife time.Duration) Store {
	return &memoryStore{
		halfLife:    halfLife,
		patterns:    make(map[string]*Pattern),
		frequencies: make(map[string]int),
	}
}

func patternKey(scope, patternType, value string) string {
	return scope + "\x00" + patternType + "\x00" + value
}

func (m *memoryStore) Upsert(ctx context.Context, req *UpsertRequest, now time.Time) (*Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	key := patternKey(req.Scope, req.Type, req.Value)
	if existing, ok := m.patterns[key]; ok {
		decayed := DecayConfidence(existing.Confidence, now.Sub(existing.UpdatedAt), m.halfLife)
		existing.Confidence = Reinforce(decayed, req.Weight)
		existing.Frequency++
		existing.UpdatedAt = now
		if req.Source == SourceUntrusted {
			existing.Source = SourceUntrusted
		}
		cp := *existing
		return &cp, nil
	}

	p := &Pattern{
		Scope:      req.Scope,
		Type:       req.Type,
		Value:      req.Value,
		Confidence: Reinforce(0, req.Weight),
		Frequency:  1,
		Source:     req.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.patterns[key] = p
	cp := *p
	return &cp, nil
}

func (m *memoryStore) Get(ctx context.Context, scope, patternType string) ([]Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Pattern
	for _, p := range m.patterns {
		if p.Scope != scope {
			continue
		}
		if patternType != "" && p.Type != patternType {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (m *memoryStore) Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	removed := 0
	for key, p := range m.patterns {
		if now.Sub(p.UpdatedAt) > ttl {
			delete(m.patterns, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryStore) RecordFrequency(ctx context.Context, ruleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.frequencies[ruleID]++
	return m.frequencies[ruleID], nil
}

func (m *memoryStore) Frequencies(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]int, len(m.frequencies))
	for k, v := range m.frequencies {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*memoryStore)(nil)
