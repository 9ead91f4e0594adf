package router

import (
	"context"
	"errors"

	"github.com/solenko/gatewall/internal/tenant"
)

var (
	ErrUnknownTenant   = errors.New("router: no tenant for secret")
	ErrTenantSuspended = errors.New("router: tenant suspended")
)

// Role is who an event is acting as, within one tenant's scope.
type Role string

const (
	RoleTenantAdmin     Role = "tenant_admin"
	RoleEndUser         Role = "end_user"
	RolePaymentCallback Role = "payment_callback"
)

// Resolver maps inbound routing secrets to tenants. Resolution is a single
// keyed lookup; it never scans and never touches purchase state.
type Resolver struct {
	tenants tenant.Store
}

// NewResolver creates a resolver over the tenant store.
func NewResolver(tenants tenant.Store) *Resolver {
	return &Resolver{tenants: tenants}
}

// Resolve returns the tenant owning a routing secret. Unknown and suspended
// tenants are distinct errors because they get different HTTP treatment:
// unknown is indistinguishable from an unrouted path, suspended is
// acknowledged and dropped.
func (r *Resolver) Resolve(ctx context.Context, secret string) (*tenant.Tenant, error) {
	t, err := r.tenants.GetBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, ErrUnknownTenant
		}
		return nil, err
	}
	if !t.Active() {
		return nil, ErrTenantSuspended
	}
	return t, nil
}

// Classify determines the role an update acts as. Payment callbacks win
// regardless of sender, then the tenant owner, then everyone else.
func Classify(t *tenant.Tenant, u *Update) Role {
	if u.PreCheckoutQuery != nil {
		return RolePaymentCallback
	}
	if u.Message != nil && u.Message.CompletedPayment != nil {
		return RolePaymentCallback
	}
	if s := u.Sender(); s != nil && s.ID == t.OwnerID {
		return RoleTenantAdmin
	}
	return RoleEndUser
}
