package tenant

import "context"

// Store persists tenant data. GetBySecret must be a keyed lookup, not a scan.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySecret(ctx context.Context, secret string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	List(ctx context.Context) ([]*Tenant, error)
	RecordRotation(ctx context.Context, r *Rotation) error
	Rotations(ctx context.Context, tenantID string) ([]*Rotation, error)
}
