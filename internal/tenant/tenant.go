// Package tenant provides the multi-tenant registry for the Gatewall platform.
//
// A tenant is one managed paywall bot. Inbound events are routed to a tenant
// by its routing secret; outbound protocol calls are keyed by its credential
// reference. The two are generated independently so the secret can never
// leak anything about the credential.
package tenant

import (
	"errors"
	"strings"
	"time"

	"github.com/solenko/gatewall/internal/idgen"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSecretTaken    = errors.New("tenant: routing secret already taken")
	ErrSuspended      = errors.New("tenant: suspended")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// secretBytes is the entropy of a routing secret (48 hex chars).
const secretBytes = 24

// Tenant represents one managed paywall bot.
type Tenant struct {
	ID             string    `json:"id"`
	OwnerID        int64     `json:"ownerId"` // external identity of the bot creator
	CredentialRef  string    `json:"-"`       // opaque, never serialized or logged
	Secret         string    `json:"-"`       // routing secret, never serialized
	PaymentMethods []string  `json:"paymentMethods"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// New creates an active tenant with a fresh routing secret.
func New(ownerID int64, credentialRef string, methods []string) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		ID:             idgen.WithPrefix("ten_"),
		OwnerID:        ownerID,
		CredentialRef:  credentialRef,
		Secret:         NewSecret(credentialRef),
		PaymentMethods: methods,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewSecret generates a routing secret guaranteed not to be a substring of
// the credential reference. Collision is vanishingly unlikely with 24 random
// bytes, but the invariant is cheap to hold.
func NewSecret(credentialRef string) string {
	for {
		s := idgen.Hex(secretBytes)
		if credentialRef == "" || !strings.Contains(credentialRef, s) {
			return s
		}
	}
}

// Active reports whether the tenant accepts traffic.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// MethodEnabled reports whether a payment method tag is enabled for this tenant.
func (t *Tenant) MethodEnabled(method string) bool {
	for _, m := range t.PaymentMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Rotate replaces the credential reference in place on the struct.
// Persistence of the rotation (including the audit row) is the store's job;
// the old reference is never mutated, only superseded.
func (t *Tenant) Rotate(newRef string) (oldRef string) {
	oldRef = t.CredentialRef
	t.CredentialRef = newRef
	t.UpdatedAt = time.Now().UTC()
	return oldRef
}

// Rotation is one audit record of a credential rotation.
type Rotation struct {
	TenantID  string    `json:"tenantId"`
	OldRef    string    `json:"-"`
	NewRef    string    `json:"-"`
	RotatedAt time.Time `json:"rotatedAt"`
}
