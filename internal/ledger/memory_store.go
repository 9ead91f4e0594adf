package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. A single
// mutex plus tuple indexes give the same atomicity the postgres store gets
// from its partial unique indexes.
type MemoryStore struct {
	mu       sync.Mutex
	pendings map[string]*PendingRequest
	tokens   map[string]string // token -> pending ID
	openIdx  map[string]string // tenant/user/plan -> open pending ID
	subs     map[string]*Subscription
	txIdx    map[string]string // method/txref -> subscription ID
	actIdx   map[string]string // tenant/user/plan -> active subscription ID
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pendings: make(map[string]*PendingRequest),
		tokens:   make(map[string]string),
		openIdx:  make(map[string]string),
		subs:     make(map[string]*Subscription),
		txIdx:    make(map[string]string),
		actIdx:   make(map[string]string),
	}
}

func tupleKey(tenantID, endUserID, planID string) string {
	return tenantID + "/" + endUserID + "/" + planID
}

func txKey(method, txRef string) string {
	return method + "/" + txRef
}

func (m *MemoryStore) CreatePending(_ context.Context, pr *PendingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tupleKey(pr.TenantID, pr.EndUserID, pr.PlanID)
	if _, ok := m.openIdx[key]; ok {
		return ErrPendingOpen
	}
	cp := *pr
	m.pendings[pr.ID] = &cp
	m.tokens[pr.Token] = pr.ID
	m.openIdx[key] = pr.ID
	return nil
}

func (m *MemoryStore) GetPending(_ context.Context, id string) (*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.pendings[id]
	if !ok {
		return nil, ErrPendingNotFound
	}
	cp := *pr
	return &cp, nil
}

func (m *MemoryStore) GetPendingByToken(_ context.Context, token string) (*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return nil, ErrPendingNotFound
	}
	cp := *m.pendings[id]
	return &cp, nil
}

func (m *MemoryStore) FindOpenPending(_ context.Context, tenantID, endUserID, planID string) (*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.openIdx[tupleKey(tenantID, endUserID, planID)]
	if !ok {
		return nil, ErrPendingNotFound
	}
	cp := *m.pendings[id]
	return &cp, nil
}

func (m *MemoryStore) UpdatePending(_ context.Context, pr *PendingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendings[pr.ID]; !ok {
		return ErrPendingNotFound
	}
	pr.UpdatedAt = time.Now().UTC()
	cp := *pr
	m.pendings[pr.ID] = &cp
	key := tupleKey(pr.TenantID, pr.EndUserID, pr.PlanID)
	if pr.Open() {
		m.openIdx[key] = pr.ID
	} else if m.openIdx[key] == pr.ID {
		delete(m.openIdx, key)
	}
	return nil
}

func (m *MemoryStore) ListOpenBefore(_ context.Context, cutoff time.Time, limit int) ([]*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PendingRequest
	for _, id := range m.openIdx {
		pr := m.pendings[id]
		if pr.CreatedAt.Before(cutoff) {
			cp := *pr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.TxRef != "" {
		if _, ok := m.txIdx[txKey(s.Method, s.TxRef)]; ok {
			return ErrDuplicateTxRef
		}
	}
	key := tupleKey(s.TenantID, s.EndUserID, s.PlanID)
	if s.Status == StatusActive {
		if _, ok := m.actIdx[key]; ok {
			return ErrActiveExists
		}
	}
	cp := *s
	m.subs[s.ID] = &cp
	if s.TxRef != "" {
		m.txIdx[txKey(s.Method, s.TxRef)] = s.ID
	}
	if s.Status == StatusActive {
		m.actIdx[key] = s.ID
	}
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByTxRef(_ context.Context, method, txRef string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.txIdx[txKey(method, txRef)]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *m.subs[id]
	return &cp, nil
}

func (m *MemoryStore) FindActive(_ context.Context, tenantID, endUserID, planID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.actIdx[tupleKey(tenantID, endUserID, planID)]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *m.subs[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	m.subs[s.ID] = &cp
	key := tupleKey(s.TenantID, s.EndUserID, s.PlanID)
	if s.Status == StatusActive {
		m.actIdx[key] = s.ID
	} else if m.actIdx[key] == s.ID {
		delete(m.actIdx, key)
	}
	return nil
}

func (m *MemoryStore) ListActiveEnding(_ context.Context, before time.Time, limit int) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, id := range m.actIdx {
		s := m.subs[id]
		if s.EndAt != nil && !s.EndAt.After(before) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(*out[j].EndAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByEndUser(_ context.Context, tenantID, endUserID string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.TenantID == tenantID && s.EndUserID == endUserID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PlanReferenced(_ context.Context, planID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pendings {
		if p.PlanID == planID {
			return true, nil
		}
	}
	for _, s := range m.subs {
		if s.PlanID == planID {
			return true, nil
		}
	}
	return false, nil
}
