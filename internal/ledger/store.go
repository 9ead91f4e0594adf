package ledger

import (
	"context"
	"time"
)

// Store persists pending requests and subscriptions. Implementations enforce
// the uniqueness rules atomically: one open pending request per
// (tenant, end user, plan), one active subscription per the same tuple, and
// at most one subscription per (method, transaction reference).
type Store interface {
	CreatePending(ctx context.Context, pr *PendingRequest) error
	GetPending(ctx context.Context, id string) (*PendingRequest, error)
	GetPendingByToken(ctx context.Context, token string) (*PendingRequest, error)
	FindOpenPending(ctx context.Context, tenantID, endUserID, planID string) (*PendingRequest, error)
	UpdatePending(ctx context.Context, pr *PendingRequest) error
	ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]*PendingRequest, error)

	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetByTxRef(ctx context.Context, method, txRef string) (*Subscription, error)
	FindActive(ctx context.Context, tenantID, endUserID, planID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	ListActiveEnding(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)
	ListByEndUser(ctx context.Context, tenantID, endUserID string) ([]*Subscription, error)

	PlanReferenced(ctx context.Context, planID string) (bool, error)
}
