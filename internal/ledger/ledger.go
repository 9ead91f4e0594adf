// Package ledger is the system of record for purchase flows. A purchase
// starts as a PendingRequest, advances as the end user acts, and resolves
// into a Subscription. All state transitions for both records happen here
// and nowhere else.
package ledger

import (
	"errors"
	"time"

	"github.com/solenko/gatewall/internal/idgen"
)

var (
	ErrPendingNotFound      = errors.New("ledger: pending request not found")
	ErrSubscriptionNotFound = errors.New("ledger: subscription not found")
	ErrPendingOpen          = errors.New("ledger: an open pending request already exists for this user and plan")
	ErrActiveExists         = errors.New("ledger: an active subscription already exists for this user and plan")
	ErrDuplicateTxRef       = errors.New("ledger: a subscription already recorded this transaction reference")
	ErrInvalidTransition    = errors.New("ledger: invalid state transition")
)

// PendingStatus is the lifecycle state of a purchase attempt.
type PendingStatus string

const (
	PendingAwaitingAction       PendingStatus = "awaiting_action"
	PendingAwaitingConfirmation PendingStatus = "awaiting_confirmation"
	PendingResolved             PendingStatus = "resolved"
	PendingAbandoned            PendingStatus = "abandoned"
)

// Resolution records how a resolved or abandoned request ended.
type Resolution string

const (
	ResolutionGranted  Resolution = "granted"
	ResolutionRejected Resolution = "rejected"
	ResolutionTimeout  Resolution = "timeout"
)

// PendingRequest is one in-flight purchase attempt. At most one open
// (awaiting_*) request exists per (tenant, end user, plan).
type PendingRequest struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenantId"`
	EndUserID  string        `json:"endUserId"`
	PlanID     string        `json:"planId"`
	Method     string        `json:"method"`
	Token      string        `json:"token"`
	Status     PendingStatus `json:"status"`
	Resolution Resolution    `json:"resolution,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// NewPendingRequest opens a purchase attempt. The token is the opaque
// correlation handle carried through invoices and gateway sessions.
func NewPendingRequest(tenantID, endUserID, planID, method string) *PendingRequest {
	now := time.Now().UTC()
	return &PendingRequest{
		ID:        idgen.WithPrefix("pr_"),
		TenantID:  tenantID,
		EndUserID: endUserID,
		PlanID:    planID,
		Method:    method,
		Token:     idgen.Hex(16),
		Status:    PendingAwaitingAction,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Open reports whether the request is still in flight.
func (p *PendingRequest) Open() bool {
	return p.Status == PendingAwaitingAction || p.Status == PendingAwaitingConfirmation
}

// SubscriptionStatus is the lifecycle state of granted access.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is granted access to a plan. EndAt nil means lifetime.
// At most one active subscription exists per (tenant, end user, plan).
type Subscription struct {
	ID         string             `json:"id"`
	TenantID   string             `json:"tenantId"`
	EndUserID  string             `json:"endUserId"`
	PlanID     string             `json:"planId"`
	Status     SubscriptionStatus `json:"status"`
	StartAt    time.Time          `json:"startAt"`
	EndAt      *time.Time         `json:"endAt,omitempty"`
	Method     string             `json:"method"`
	TxRef      string             `json:"txRef,omitempty"`
	PaidAmount int64              `json:"paidAmount"`
	PaidUnit   string             `json:"paidUnit,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// NewSubscription activates access. The end time is computed exactly once,
// here, from the plan duration at activation; later plan edits never touch
// existing subscriptions.
func NewSubscription(pr *PendingRequest, durationDays int, txRef string, paidAmount int64, paidUnit string) *Subscription {
	now := time.Now().UTC()
	s := &Subscription{
		ID:         idgen.WithPrefix("sub_"),
		TenantID:   pr.TenantID,
		EndUserID:  pr.EndUserID,
		PlanID:     pr.PlanID,
		Status:     StatusActive,
		StartAt:    now,
		Method:     pr.Method,
		TxRef:      txRef,
		PaidAmount: paidAmount,
		PaidUnit:   paidUnit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if durationDays > 0 {
		end := now.AddDate(0, 0, durationDays)
		s.EndAt = &end
	}
	return s
}

// Lifetime reports whether the subscription never expires on its own.
func (s *Subscription) Lifetime() bool {
	return s.EndAt == nil
}

// ExpiredBy reports whether the subscription's paid period is over at t.
func (s *Subscription) ExpiredBy(t time.Time) bool {
	return s.EndAt != nil && !t.Before(*s.EndAt)
}
