package paysocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/solenko/gatewall/internal/botapi"
	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/ledger"
	"github.com/solenko/gatewall/internal/logging"
	"github.com/solenko/gatewall/internal/tenant"
)

// MicropaySocket implements the protocol's native micropayment flow. The
// invoice payload carries the pending request token; the provider echoes it
// back on the pre-checkout query and on the completed-payment notice.
type MicropaySocket struct {
	ledger   *ledger.Service
	catalog  catalog.Store
	clients  *botapi.Registry
	deadline time.Duration
}

// NewMicropaySocket creates the native micropayment socket. deadline bounds
// the pre-checkout decision; the provider voids checkouts answered late.
func NewMicropaySocket(l *ledger.Service, cat catalog.Store, clients *botapi.Registry, deadline time.Duration) *MicropaySocket {
	return &MicropaySocket{ledger: l, catalog: cat, clients: clients, deadline: deadline}
}

func (s *MicropaySocket) Method() string { return MethodMicropayment }

// Initiate sends the invoice for the plan to the end user.
func (s *MicropaySocket) Initiate(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser, plan *catalog.Plan, pr *ledger.PendingRequest) error {
	client, err := s.clients.Client(t.CredentialRef)
	if err != nil {
		countPayment(MethodMicropayment, "initiate", "error")
		return err
	}
	inv := botapi.Invoice{
		Title:       plan.Name,
		Description: fmt.Sprintf("Access to %q", plan.Name),
		Payload:     pr.Token,
		Amount:      plan.Price.Amount,
		Unit:        plan.Price.Unit,
	}
	if err := client.SendInvoice(ctx, user.ExternalID, inv); err != nil {
		countPayment(MethodMicropayment, "initiate", "error")
		return fmt.Errorf("send invoice: %w", err)
	}
	if _, err := s.ledger.Advance(ctx, pr.ID); err != nil {
		return err
	}
	countPayment(MethodMicropayment, "initiate", "ok")
	return nil
}

// PreCheckout decides whether a checkout may proceed. The decision reads
// only local state under a hard deadline; the answer itself is sent
// fire-and-forget so a slow provider round-trip never blocks the caller.
func (s *MicropaySocket) PreCheckout(ctx context.Context, t *tenant.Tenant, queryID, token string) {
	decideCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	ok, reason := s.decide(decideCtx, t, token)

	if ok {
		countPayment(MethodMicropayment, "precheckout", "ok")
	} else {
		countPayment(MethodMicropayment, "precheckout", "denied")
	}

	client, cerr := s.clients.Client(t.CredentialRef)
	if cerr != nil {
		logging.L(ctx).Error("cannot answer pre-checkout", "error", cerr)
		return
	}
	go func() {
		answerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := client.AnswerPreCheckout(answerCtx, queryID, ok, reason); err != nil {
			logging.L(ctx).Warn("failed to answer pre-checkout", "query_id", queryID, "error", err)
		}
	}()
}

// decide revalidates the checkout against local state. The invoice was sent
// earlier; between then and now the request may have resolved, the plan may
// have been unlisted or the tenant suspended, and the checkout must not go
// through in any of those cases.
func (s *MicropaySocket) decide(ctx context.Context, t *tenant.Tenant, token string) (bool, string) {
	if !t.Active() {
		return false, "This checkout is no longer valid."
	}
	pr, err := s.ledger.PendingByToken(ctx, token)
	if err != nil {
		return false, "This checkout is no longer valid."
	}
	if pr.Status != ledger.PendingAwaitingConfirmation {
		return false, "This purchase was already completed or has expired."
	}
	plan, err := s.catalog.GetPlan(ctx, pr.PlanID)
	if err != nil || !plan.Public() {
		return false, "This plan is no longer available."
	}
	return true, ""
}

// Confirm records a completed payment. The transaction reference is the
// provider's charge ID, so redelivered notices collapse onto one
// subscription.
func (s *MicropaySocket) Confirm(ctx context.Context, t *tenant.Tenant, pr *ledger.PendingRequest, proof Proof) (*ledger.Subscription, bool, error) {
	if proof.TxRef == "" {
		countPayment(MethodMicropayment, "confirm", "error")
		return nil, false, errors.New("paysocket: completed payment carries no charge reference")
	}
	sub, activated, err := s.ledger.Resolve(ctx, pr.ID, proof.TxRef, proof.Amount, proof.Unit)
	if err != nil {
		countPayment(MethodMicropayment, "confirm", "error")
		return nil, false, err
	}
	countPayment(MethodMicropayment, "confirm", "ok")
	return sub, activated, nil
}
