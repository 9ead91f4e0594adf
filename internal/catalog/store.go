package catalog

import "context"

// Store persists the catalog. Plans and resources are written only from the
// admin surface; end users are upserted on first contact from the router.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error
	ListPlans(ctx context.Context, tenantID string) ([]*Plan, error)

	CreateResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, id string) (*Resource, error)
	ListResources(ctx context.Context, tenantID string) ([]*Resource, error)

	UpsertEndUser(ctx context.Context, u *EndUser) (*EndUser, error)
	GetEndUser(ctx context.Context, id string) (*EndUser, error)
	GetEndUserByExternalID(ctx context.Context, tenantID string, externalID int64) (*EndUser, error)
	ListEndUsers(ctx context.Context, tenantID string) ([]*EndUser, error)
}
