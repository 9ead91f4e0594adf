// Package reconciler continuously converges recorded subscription state
// with actual access. A subscription only becomes expired after its access
// has really been revoked; while a resource stays unreachable the
// subscription stays active and the next sweep tries again.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/solenko/gatewall/internal/botapi"
	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/granter"
	"github.com/solenko/gatewall/internal/ledger"
	"github.com/solenko/gatewall/internal/logging"
	"github.com/solenko/gatewall/internal/metrics"
	"github.com/solenko/gatewall/internal/tenant"
)

// Events receives reconciler lifecycle events, fire-and-forget.
type Events interface {
	Emit(event string, data map[string]any)
}

// Service sweeps overdue subscriptions.
type Service struct {
	ledger  *ledger.Service
	store   ledger.Store
	granter *granter.Granter
	catalog catalog.Store
	tenants tenant.Store
	clients *botapi.Registry
	events  Events
}

// NewService creates the expiry reconciler.
func NewService(l *ledger.Service, store ledger.Store, g *granter.Granter, cat catalog.Store, tenants tenant.Store, clients *botapi.Registry) *Service {
	return &Service{
		ledger:  l,
		store:   store,
		granter: g,
		catalog: cat,
		tenants: tenants,
		clients: clients,
	}
}

// WithEvents attaches an ops event feed.
func (s *Service) WithEvents(e Events) *Service {
	s.events = e
	return s
}

// Sweep processes every active subscription whose end time has passed.
// It returns how many were expired this pass. Each subscription is handled
// independently; one failure never stalls the rest.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	metrics.ReconcilerSweepsTotal.Inc()
	overdue, err := s.store.ListActiveEnding(ctx, time.Now().UTC(), 100)
	if err != nil {
		return 0, fmt.Errorf("list overdue subscriptions: %w", err)
	}

	expired := 0
	for _, sub := range overdue {
		if s.reconcile(ctx, sub) {
			expired++
		}
	}
	return expired, nil
}

// reconcile handles one overdue subscription: revoke first, record expiry
// only after revocation fully succeeded.
func (s *Service) reconcile(ctx context.Context, sub *ledger.Subscription) bool {
	log := logging.L(ctx).With("subscription_id", sub.ID, "tenant_id", sub.TenantID)

	t, err := s.tenants.Get(ctx, sub.TenantID)
	if err != nil {
		log.Error("cannot load tenant for overdue subscription", "error", err)
		return false
	}
	user, err := s.catalog.GetEndUser(ctx, sub.EndUserID)
	if err != nil {
		log.Error("cannot load end user for overdue subscription", "error", err)
		return false
	}
	plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		log.Error("cannot load plan for overdue subscription", "error", err)
		return false
	}

	results := s.granter.Revoke(ctx, t, user, plan)
	if !granter.Succeeded(results) {
		// leave the subscription active; the next sweep retries
		log.Error("revocation incomplete, subscription left active for retry")
		return false
	}

	if _, err := s.ledger.Expire(ctx, sub.ID); err != nil {
		log.Error("revoked but failed to record expiry", "error", err)
		return false
	}
	log.Info("subscription expired", "plan_id", sub.PlanID)

	if s.events != nil {
		s.events.Emit("subscription_expired", map[string]any{
			"subscriptionId": sub.ID,
			"tenantId":       sub.TenantID,
			"planId":         sub.PlanID,
		})
	}

	s.notifyExpired(ctx, t, user, plan)
	return true
}

// notifyExpired tells the user their access ended. Best effort only; a
// failed notification never blocks or reverses the expiry.
func (s *Service) notifyExpired(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser, plan *catalog.Plan) {
	client, err := s.clients.Client(t.CredentialRef)
	if err != nil {
		logging.L(ctx).Warn("cannot notify expired user", "error", err)
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		msg := fmt.Sprintf("Your subscription %q has ended. Use /subscribe to renew.", plan.Name)
		if err := client.SendMessage(nctx, user.ExternalID, msg, nil); err != nil {
			logging.L(ctx).Warn("expiry notification failed",
				"end_user_id", user.ID, "error", err)
		}
	}()
}
