package paysocket

import (
	"context"
	"fmt"

	"github.com/solenko/gatewall/internal/botapi"
	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/ledger"
	"github.com/solenko/gatewall/internal/tenant"
)

// ManualSocket implements manual approval: the tenant owner sees each
// purchase request and approves or rejects it by hand. There is no
// transaction reference, so idempotency rests on the active-tuple rule.
type ManualSocket struct {
	ledger  *ledger.Service
	clients *botapi.Registry
}

// NewManualSocket creates the manual-approval socket.
func NewManualSocket(l *ledger.Service, clients *botapi.Registry) *ManualSocket {
	return &ManualSocket{ledger: l, clients: clients}
}

func (s *ManualSocket) Method() string { return MethodManual }

// Initiate notifies the tenant owner with approve/reject buttons and tells
// the end user the request is waiting.
func (s *ManualSocket) Initiate(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser, plan *catalog.Plan, pr *ledger.PendingRequest) error {
	client, err := s.clients.Client(t.CredentialRef)
	if err != nil {
		countPayment(MethodManual, "initiate", "error")
		return err
	}

	who := user.FirstName
	if user.Username != "" {
		who = fmt.Sprintf("%s (@%s)", user.FirstName, user.Username)
	}
	prompt := fmt.Sprintf("%s requested %q for %d %s.", who, plan.Name, plan.Price.Amount, plan.Price.Unit)
	buttons := [][]botapi.Button{{
		{Text: "Approve", Data: "approve:" + pr.ID},
		{Text: "Reject", Data: "reject:" + pr.ID},
	}}
	if err := client.SendMessage(ctx, t.OwnerID, prompt, buttons); err != nil {
		countPayment(MethodManual, "initiate", "error")
		return fmt.Errorf("notify owner: %w", err)
	}

	if _, err := s.ledger.Advance(ctx, pr.ID); err != nil {
		return err
	}
	countPayment(MethodManual, "initiate", "ok")

	// best effort; the request stands either way
	_ = client.SendMessage(ctx, user.ExternalID,
		fmt.Sprintf("Your request for %q was sent for approval. You will be notified once it is reviewed.", plan.Name), nil)
	return nil
}

// Confirm resolves the request when the approving actor is the tenant owner.
func (s *ManualSocket) Confirm(ctx context.Context, t *tenant.Tenant, pr *ledger.PendingRequest, proof Proof) (*ledger.Subscription, bool, error) {
	if proof.ActorID != t.OwnerID {
		countPayment(MethodManual, "confirm", "unauthorized")
		return nil, false, ErrNotAuthorized
	}
	sub, activated, err := s.ledger.Resolve(ctx, pr.ID, proof.TxRef, proof.Amount, proof.Unit)
	if err != nil {
		countPayment(MethodManual, "confirm", "error")
		return nil, false, err
	}
	countPayment(MethodManual, "confirm", "ok")
	return sub, activated, nil
}

// Reject closes the request when the rejecting actor is the tenant owner.
func (s *ManualSocket) Reject(ctx context.Context, t *tenant.Tenant, pr *ledger.PendingRequest, actorID int64) (*ledger.PendingRequest, error) {
	if actorID != t.OwnerID {
		return nil, ErrNotAuthorized
	}
	countPayment(MethodManual, "reject", "ok")
	return s.ledger.Reject(ctx, pr.ID)
}
