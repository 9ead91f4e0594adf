// Package paysocket pluggably binds payment methods to the purchase state
// machine. A socket owns one payment method end to end: it starts the
// payment interaction on Initiate and turns a proof of payment into a
// subscription on Confirm. Sockets never grant access themselves.
package paysocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/ledger"
	"github.com/solenko/gatewall/internal/metrics"
	"github.com/solenko/gatewall/internal/tenant"
)

// Supported payment methods.
const (
	MethodManual       = "manual_approval"
	MethodMicropayment = "native_micropayment"
	MethodGateway      = "external_gateway"
)

var (
	ErrUnknownMethod  = errors.New("paysocket: unknown payment method")
	ErrMethodDisabled = errors.New("paysocket: payment method not enabled for tenant")
	ErrPlanNotPublic  = errors.New("paysocket: plan not open for new purchases")
	ErrNotAuthorized  = errors.New("paysocket: actor not authorized to confirm")
)

// Proof is the evidence a socket confirms against. Which fields matter
// depends on the method: manual approval checks ActorID, the other methods
// check the provider's transaction reference.
type Proof struct {
	ActorID int64
	TxRef   string
	Amount  int64
	Unit    string
}

// Socket is one payment method implementation.
type Socket interface {
	Method() string

	// Initiate starts the payment interaction for an open pending request:
	// prompting an approver, sending an invoice, or handing out a checkout
	// link. It moves the request to awaiting_confirmation.
	Initiate(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser, plan *catalog.Plan, pr *ledger.PendingRequest) error

	// Confirm validates the proof and resolves the request into a
	// subscription. Confirm is idempotent: redelivered proofs return the
	// subscription created by the first delivery, with activated == false.
	Confirm(ctx context.Context, t *tenant.Tenant, pr *ledger.PendingRequest, proof Proof) (*ledger.Subscription, bool, error)
}

// CheckPlan refuses new purchases against unlisted plans. Unlisting is how
// a tenant retires a plan: current subscribers keep access, new initiates
// are turned away.
func CheckPlan(p *catalog.Plan) error {
	if !p.Public() {
		return ErrPlanNotPublic
	}
	return nil
}

// Dispatcher routes purchase flows to the socket for their method, after
// checking the tenant has the method enabled.
type Dispatcher struct {
	sockets map[string]Socket
}

// NewDispatcher creates a dispatcher over the given sockets.
func NewDispatcher(sockets ...Socket) *Dispatcher {
	d := &Dispatcher{sockets: make(map[string]Socket)}
	for _, s := range sockets {
		d.sockets[s.Method()] = s
	}
	return d
}

// Socket returns the socket for a method, enforcing the tenant's method
// allow-list.
func (d *Dispatcher) Socket(t *tenant.Tenant, method string) (Socket, error) {
	s, ok := d.sockets[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if !t.MethodEnabled(method) {
		return nil, fmt.Errorf("%w: %s", ErrMethodDisabled, method)
	}
	return s, nil
}

// Methods lists the methods a tenant can actually offer, in the tenant's
// configured order.
func (d *Dispatcher) Methods(t *tenant.Tenant) []string {
	var out []string
	for _, m := range t.PaymentMethods {
		if _, ok := d.sockets[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func countPayment(method, op, outcome string) {
	metrics.PaymentsTotal.WithLabelValues(method, op, outcome).Inc()
}
