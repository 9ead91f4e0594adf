package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	plans     map[string]*Plan
	resources map[string]*Resource
	users     map[string]*EndUser
	userIdx   map[string]string // tenantID/externalID -> user ID
}

// NewMemoryStore creates an empty in-memory catalog store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:     make(map[string]*Plan),
		resources: make(map[string]*Resource),
		users:     make(map[string]*EndUser),
		userIdx:   make(map[string]string),
	}
}

func userKey(tenantID string, externalID int64) string {
	return fmt.Sprintf("%s/%d", tenantID, externalID)
}

func (m *MemoryStore) CreatePlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdatePlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; !ok {
		return ErrPlanNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPlans(_ context.Context, tenantID string) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Plan
	for _, p := range m.plans {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateResource(_ context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.resources[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetResource(_ context.Context, id string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListResources(_ context.Context, tenantID string) ([]*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Resource
	for _, r := range m.resources {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertEndUser inserts the user on first contact and refreshes the mutable
// profile fields on later contacts. The stored row is returned either way.
func (m *MemoryStore) UpsertEndUser(_ context.Context, u *EndUser) (*EndUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userKey(u.TenantID, u.ExternalID)
	if id, ok := m.userIdx[key]; ok {
		existing := m.users[id]
		existing.FirstName = u.FirstName
		existing.Username = u.Username
		existing.UpdatedAt = time.Now().UTC()
		cp := *existing
		return &cp, nil
	}
	cp := *u
	m.users[u.ID] = &cp
	m.userIdx[key] = u.ID
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetEndUser(_ context.Context, id string) (*EndUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrEndUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetEndUserByExternalID(_ context.Context, tenantID string, externalID int64) (*EndUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.userIdx[userKey(tenantID, externalID)]
	if !ok {
		return nil, ErrEndUserNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStore) ListEndUsers(_ context.Context, tenantID string) ([]*EndUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*EndUser
	for _, u := range m.users {
		if u.TenantID == tenantID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
