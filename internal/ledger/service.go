package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/logging"
	"github.com/solenko/gatewall/internal/metrics"
)

// PlanSource provides plan lookups. The ledger reads the duration at the
// moment of activation and never again.
type PlanSource interface {
	GetPlan(ctx context.Context, id string) (*catalog.Plan, error)
}

// Service implements the purchase state machine.
type Service struct {
	store Store
	plans PlanSource
}

// NewService creates a ledger service.
func NewService(store Store, plans PlanSource) *Service {
	return &Service{store: store, plans: plans}
}

// Open starts a purchase attempt. If an open request for the same
// (tenant, end user, plan) already exists it is returned as-is, whatever
// payment method it was opened with; the created flag tells the caller
// whether this call opened it.
func (s *Service) Open(ctx context.Context, tenantID, endUserID, planID, method string) (*PendingRequest, bool, error) {
	if active, err := s.store.FindActive(ctx, tenantID, endUserID, planID); err == nil && active != nil {
		return nil, false, ErrActiveExists
	}

	pr := NewPendingRequest(tenantID, endUserID, planID, method)
	err := s.store.CreatePending(ctx, pr)
	if errors.Is(err, ErrPendingOpen) {
		existing, ferr := s.store.FindOpenPending(ctx, tenantID, endUserID, planID)
		if ferr != nil {
			return nil, false, fmt.Errorf("open pending exists but could not be loaded: %w", ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return pr, true, nil
}

// Advance moves a request from awaiting_action to awaiting_confirmation,
// typically when an invoice or checkout session has been handed to the user.
// Advancing a request that is already awaiting confirmation is a no-op.
func (s *Service) Advance(ctx context.Context, pendingID string) (*PendingRequest, error) {
	pr, err := s.store.GetPending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	switch pr.Status {
	case PendingAwaitingConfirmation:
		return pr, nil
	case PendingAwaitingAction:
	default:
		return nil, ErrInvalidTransition
	}
	pr.Status = PendingAwaitingConfirmation
	if err := s.store.UpdatePending(ctx, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// Resolve turns a pending request into an active subscription. It is
// idempotent on (method, txRef): replaying a confirmation returns the
// subscription the first delivery created, with activated == false.
// Confirming while the tuple already holds an active subscription is benign
// and also returns the existing subscription.
func (s *Service) Resolve(ctx context.Context, pendingID, txRef string, paidAmount int64, paidUnit string) (*Subscription, bool, error) {
	pr, err := s.store.GetPending(ctx, pendingID)
	if err != nil {
		return nil, false, err
	}

	if !pr.Open() {
		if pr.Status == PendingResolved && txRef != "" {
			if existing, gerr := s.store.GetByTxRef(ctx, pr.Method, txRef); gerr == nil {
				return existing, false, nil
			}
		}
		return nil, false, ErrInvalidTransition
	}

	plan, err := s.plans.GetPlan(ctx, pr.PlanID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve: %w", err)
	}

	sub := NewSubscription(pr, plan.DurationDays, txRef, paidAmount, paidUnit)
	err = s.store.CreateSubscription(ctx, sub)
	switch {
	case errors.Is(err, ErrDuplicateTxRef):
		existing, gerr := s.store.GetByTxRef(ctx, pr.Method, txRef)
		if gerr != nil {
			return nil, false, fmt.Errorf("duplicate txref but subscription not found: %w", gerr)
		}
		s.closePending(ctx, pr, ResolutionGranted)
		return existing, false, nil
	case errors.Is(err, ErrActiveExists):
		existing, gerr := s.store.FindActive(ctx, pr.TenantID, pr.EndUserID, pr.PlanID)
		if gerr != nil {
			return nil, false, fmt.Errorf("active subscription exists but not found: %w", gerr)
		}
		s.closePending(ctx, pr, ResolutionGranted)
		return existing, false, nil
	case err != nil:
		return nil, false, err
	}

	s.closePending(ctx, pr, ResolutionGranted)
	metrics.SubscriptionsActivatedTotal.Inc()
	return sub, true, nil
}

// Reject closes a pending request without granting anything. Rejecting an
// already-closed request is a no-op.
func (s *Service) Reject(ctx context.Context, pendingID string) (*PendingRequest, error) {
	pr, err := s.store.GetPending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if !pr.Open() {
		return pr, nil
	}
	pr.Status = PendingResolved
	pr.Resolution = ResolutionRejected
	if err := s.store.UpdatePending(ctx, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// Expire marks an active subscription expired. Only the reconciler calls
// this, after access has actually been revoked. Expiring a subscription
// that is no longer active is a no-op.
func (s *Service) Expire(ctx context.Context, subID string) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive {
		return sub, nil
	}
	sub.Status = StatusExpired
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Cancel ends an active subscription early, by tenant admin decision.
func (s *Service) Cancel(ctx context.Context, subID string) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case StatusCancelled:
		return sub, nil
	case StatusActive:
	default:
		return nil, ErrInvalidTransition
	}
	sub.Status = StatusCancelled
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Extend pushes the end of an active, non-lifetime subscription forward.
func (s *Service) Extend(ctx context.Context, subID string, days int) (*Subscription, error) {
	if days <= 0 {
		return nil, fmt.Errorf("extend: days must be positive")
	}
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive {
		return nil, ErrInvalidTransition
	}
	if sub.EndAt == nil {
		return nil, fmt.Errorf("extend: lifetime subscription has no end time")
	}
	end := sub.EndAt.AddDate(0, 0, days)
	sub.EndAt = &end
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Pending returns a pending request by ID.
func (s *Service) Pending(ctx context.Context, id string) (*PendingRequest, error) {
	return s.store.GetPending(ctx, id)
}

// PendingByToken returns a pending request by its correlation token.
func (s *Service) PendingByToken(ctx context.Context, token string) (*PendingRequest, error) {
	return s.store.GetPendingByToken(ctx, token)
}

// Active returns the active subscription for a tuple, if any.
func (s *Service) Active(ctx context.Context, tenantID, endUserID, planID string) (*Subscription, error) {
	return s.store.FindActive(ctx, tenantID, endUserID, planID)
}

// Subscriptions returns an end user's subscription history under a tenant.
func (s *Service) Subscriptions(ctx context.Context, tenantID, endUserID string) ([]*Subscription, error) {
	return s.store.ListByEndUser(ctx, tenantID, endUserID)
}

// AbandonStale closes open pending requests older than ttl. Abandonment
// only frees the tuple for a new attempt; it never touches subscriptions.
func (s *Service) AbandonStale(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	stale, err := s.store.ListOpenBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, pr := range stale {
		pr.Status = PendingAbandoned
		pr.Resolution = ResolutionTimeout
		if err := s.store.UpdatePending(ctx, pr); err != nil {
			logging.L(ctx).Error("failed to abandon pending request", "pending_id", pr.ID, "error", err)
			continue
		}
		metrics.PendingAbandonedTotal.Inc()
		n++
	}
	return n, nil
}

func (s *Service) closePending(ctx context.Context, pr *PendingRequest, res Resolution) {
	pr.Status = PendingResolved
	pr.Resolution = res
	if err := s.store.UpdatePending(ctx, pr); err != nil {
		logging.L(ctx).Error("failed to close pending request", "pending_id", pr.ID, "error", err)
	}
}
