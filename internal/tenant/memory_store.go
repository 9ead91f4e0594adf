package tenant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	tenants   map[string]*Tenant // by ID
	secrets   map[string]string  // secret → ID
	rotations map[string][]*Rotation
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[string]*Tenant),
		secrets:   make(map[string]string),
		rotations: make(map[string][]*Rotation),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.secrets[t.Secret]; exists {
		return ErrSecretTaken
	}

	cp := *t
	m.tenants[t.ID] = &cp
	m.secrets[t.Secret] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetBySecret(_ context.Context, secret string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.secrets[secret]
	if !ok {
		return nil, ErrTenantNotFound
	}
	t := m.tenants[id]
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	if prev.Secret != t.Secret {
		if _, taken := m.secrets[t.Secret]; taken {
			return ErrSecretTaken
		}
		delete(m.secrets, prev.Secret)
		m.secrets[t.Secret] = t.ID
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordRotation(_ context.Context, r *Rotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.rotations[r.TenantID] = append(m.rotations[r.TenantID], &cp)
	return nil
}

func (m *MemoryStore) Rotations(_ context.Context, tenantID string) ([]*Rotation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.rotations[tenantID]
	out := make([]*Rotation, 0, len(src))
	for _, r := range src {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
