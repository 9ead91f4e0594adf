package paysocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/solenko/gatewall/internal/botapi"
	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/ledger"
	"github.com/solenko/gatewall/internal/logging"
	"github.com/solenko/gatewall/internal/tenant"
)

// GatewaySocket implements checkout through an external card processor.
// Initiate hands the end user a hosted checkout link; the processor's
// signed webhook is the only confirmation trigger.
type GatewaySocket struct {
	ledger        *ledger.Service
	clients       *botapi.Registry
	webhookSecret string
	successURL    string
}

// NewGatewaySocket creates the external-gateway socket. apiKey configures
// the processor client globally; webhookSecret verifies inbound events.
func NewGatewaySocket(l *ledger.Service, clients *botapi.Registry, apiKey, webhookSecret, successURL string) *GatewaySocket {
	stripe.Key = apiKey
	if successURL == "" {
		successURL = "https://example.invalid/paid"
	}
	return &GatewaySocket{
		ledger:        l,
		clients:       clients,
		webhookSecret: webhookSecret,
		successURL:    successURL,
	}
}

func (s *GatewaySocket) Method() string { return MethodGateway }

// Initiate creates a hosted checkout session tagged with the pending
// request token and sends the link to the end user.
func (s *GatewaySocket) Initiate(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser, plan *catalog.Plan, pr *ledger.PendingRequest) error {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(pr.Token),
		SuccessURL:        stripe.String(s.successURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(plan.Price.Unit),
				UnitAmount: stripe.Int64(plan.Price.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(plan.Name),
				},
			},
		}},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		countPayment(MethodGateway, "initiate", "error")
		return fmt.Errorf("create checkout session: %w", err)
	}

	client, err := s.clients.Client(t.CredentialRef)
	if err != nil {
		countPayment(MethodGateway, "initiate", "error")
		return err
	}
	text := fmt.Sprintf("Complete your purchase of %q here:\n%s", plan.Name, sess.URL)
	if err := client.SendMessage(ctx, user.ExternalID, text, nil); err != nil {
		countPayment(MethodGateway, "initiate", "error")
		return fmt.Errorf("send checkout link: %w", err)
	}

	if _, err := s.ledger.Advance(ctx, pr.ID); err != nil {
		return err
	}
	countPayment(MethodGateway, "initiate", "ok")
	return nil
}

// Confirm records a processor-confirmed payment.
func (s *GatewaySocket) Confirm(ctx context.Context, t *tenant.Tenant, pr *ledger.PendingRequest, proof Proof) (*ledger.Subscription, bool, error) {
	if proof.TxRef == "" {
		countPayment(MethodGateway, "confirm", "error")
		return nil, false, fmt.Errorf("paysocket: gateway confirmation carries no session reference")
	}
	sub, activated, err := s.ledger.Resolve(ctx, pr.ID, proof.TxRef, proof.Amount, proof.Unit)
	if err != nil {
		countPayment(MethodGateway, "confirm", "error")
		return nil, false, err
	}
	countPayment(MethodGateway, "confirm", "ok")
	return sub, activated, nil
}

// WebhookResult reports what a verified processor event resolved to.
type WebhookResult struct {
	Pending      *ledger.PendingRequest
	Subscription *ledger.Subscription
	Activated    bool
}

// HandleWebhook verifies a processor event against the signing secret and,
// for completed checkouts, confirms the matching pending request. Events
// that do not map to a purchase are acknowledged and ignored.
func (s *GatewaySocket) HandleWebhook(ctx context.Context, payload []byte, signature string, resolveTenant func(ctx context.Context, tenantID string) (*tenant.Tenant, error)) (*WebhookResult, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		countPayment(MethodGateway, "webhook", "bad_signature")
		return nil, fmt.Errorf("verify webhook: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	if sess.ClientReferenceID == "" {
		logging.L(ctx).Warn("checkout session without reference, ignoring", "session_id", sess.ID)
		return nil, nil
	}

	pr, err := s.ledger.PendingByToken(ctx, sess.ClientReferenceID)
	if err != nil {
		logging.L(ctx).Warn("checkout session references unknown purchase", "session_id", sess.ID)
		return nil, nil
	}

	t, err := resolveTenant(ctx, pr.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant for webhook: %w", err)
	}

	sub, activated, err := s.Confirm(ctx, t, pr, Proof{
		TxRef:  sess.ID,
		Amount: sess.AmountTotal,
		Unit:   string(sess.Currency),
	})
	if err != nil {
		return nil, err
	}
	return &WebhookResult{Pending: pr, Subscription: sub, Activated: activated}, nil
}
