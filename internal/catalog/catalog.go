// Package catalog holds the sellable inventory of each tenant: plans,
// the resources they unlock, and the end users seen so far.
package catalog

import (
	"errors"
	"time"

	"github.com/solenko/gatewall/internal/idgen"
)

var (
	ErrPlanNotFound     = errors.New("catalog: plan not found")
	ErrResourceNotFound = errors.New("catalog: resource not found")
	ErrEndUserNotFound  = errors.New("catalog: end user not found")
	ErrDurationLocked   = errors.New("catalog: plan duration is referenced and cannot change")
)

// Visibility controls whether a plan appears in the selection keyboard.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
)

// AccessMode is how membership to a resource is granted.
type AccessMode string

const (
	AccessInviteLink   AccessMode = "invite_link"
	AccessJoinApproval AccessMode = "join_approval"
	AccessStaticLink   AccessMode = "static_link"
)

// Price is an amount in a tenant-chosen unit ("usd", "stars", ...).
type Price struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

// Plan is a purchasable subscription offer.
// DurationDays == 0 means lifetime access.
type Plan struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	Name         string     `json:"name"`
	DurationDays int        `json:"durationDays"`
	Price        Price      `json:"price"`
	Visibility   Visibility `json:"visibility"`
	ResourceIDs  []string   `json:"resourceIds"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// NewPlan creates a public plan for a tenant.
func NewPlan(tenantID, name string, durationDays int, price Price, resourceIDs []string) *Plan {
	now := time.Now().UTC()
	return &Plan{
		ID:           idgen.WithPrefix("pl_"),
		TenantID:     tenantID,
		Name:         name,
		DurationDays: durationDays,
		Price:        price,
		Visibility:   VisibilityPublic,
		ResourceIDs:  resourceIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Lifetime reports whether the plan never expires.
func (p *Plan) Lifetime() bool {
	return p.DurationDays == 0
}

// Public reports whether the plan is offered in selection keyboards.
func (p *Plan) Public() bool {
	return p.Visibility == VisibilityPublic
}

// Resource is a gated destination (a chat, channel or similar) that a
// subscription unlocks.
type Resource struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	ChatID     int64      `json:"chatId"`
	Title      string     `json:"title"`
	Access     AccessMode `json:"access"`
	StaticLink string     `json:"staticLink,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// NewResource creates a resource record for a tenant.
func NewResource(tenantID string, chatID int64, title string, access AccessMode, staticLink string) *Resource {
	return &Resource{
		ID:         idgen.WithPrefix("res_"),
		TenantID:   tenantID,
		ChatID:     chatID,
		Title:      title,
		Access:     access,
		StaticLink: staticLink,
		CreatedAt:  time.Now().UTC(),
	}
}

// EndUser is one external identity as seen by one tenant. The same person
// talking to two tenants' bots is two distinct EndUser rows.
type EndUser struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	ExternalID int64     `json:"externalId"`
	FirstName  string    `json:"firstName"`
	Username   string    `json:"username,omitempty"`
	Blocked    bool      `json:"blocked"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewEndUser records a first contact from an external identity.
func NewEndUser(tenantID string, externalID int64, firstName, username string) *EndUser {
	now := time.Now().UTC()
	return &EndUser{
		ID:         idgen.WithPrefix("usr_"),
		TenantID:   tenantID,
		ExternalID: externalID,
		FirstName:  firstName,
		Username:   username,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
