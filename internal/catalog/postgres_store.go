package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the catalog in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreatePlan(ctx context.Context, pl *Plan) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (id, tenant_id, name, duration_days, price_amount, price_unit, visibility, resource_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pl.ID, pl.TenantID, pl.Name, pl.DurationDays, pl.Price.Amount, pl.Price.Unit,
		string(pl.Visibility), pq.Array(pl.ResourceIDs), pl.CreatedAt, pl.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return p.scanPlan(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, duration_days, price_amount, price_unit, visibility, resource_ids, created_at, updated_at
		FROM plans WHERE id = $1`, id))
}

func (p *PostgresStore) UpdatePlan(ctx context.Context, pl *Plan) error {
	pl.UpdatedAt = time.Now().UTC()
	result, err := p.db.ExecContext(ctx, `
		UPDATE plans SET name = $1, price_amount = $2, price_unit = $3,
			visibility = $4, resource_ids = $5, updated_at = $6
		WHERE id = $7`,
		pl.Name, pl.Price.Amount, pl.Price.Unit, string(pl.Visibility),
		pq.Array(pl.ResourceIDs), pl.UpdatedAt, pl.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (p *PostgresStore) ListPlans(ctx context.Context, tenantID string) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, duration_days, price_amount, price_unit, visibility, resource_ids, created_at, updated_at
		FROM plans WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		pl, err := p.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateResource(ctx context.Context, r *Resource) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO resources (id, tenant_id, chat_id, title, access, static_link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TenantID, r.ChatID, r.Title, string(r.Access), r.StaticLink, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	return p.scanResource(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, chat_id, title, access, static_link, created_at
		FROM resources WHERE id = $1`, id))
}

func (p *PostgresStore) ListResources(ctx context.Context, tenantID string) ([]*Resource, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, chat_id, title, access, static_link, created_at
		FROM resources WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		r, err := p.scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertEndUser relies on the (tenant_id, external_id) unique constraint so
// that two concurrent first contacts resolve to one row.
func (p *PostgresStore) UpsertEndUser(ctx context.Context, u *EndUser) (*EndUser, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO end_users (id, tenant_id, external_id, first_name, username, blocked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, external_id) DO UPDATE
			SET first_name = EXCLUDED.first_name,
			    username = EXCLUDED.username,
			    updated_at = EXCLUDED.updated_at
		RETURNING id, tenant_id, external_id, first_name, username, blocked, created_at, updated_at`,
		u.ID, u.TenantID, u.ExternalID, u.FirstName, u.Username, u.Blocked,
		u.CreatedAt, u.UpdatedAt,
	)
	return p.scanEndUser(row)
}

func (p *PostgresStore) GetEndUser(ctx context.Context, id string) (*EndUser, error) {
	return p.scanEndUser(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, external_id, first_name, username, blocked, created_at, updated_at
		FROM end_users WHERE id = $1`, id))
}

func (p *PostgresStore) GetEndUserByExternalID(ctx context.Context, tenantID string, externalID int64) (*EndUser, error) {
	return p.scanEndUser(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, external_id, first_name, username, blocked, created_at, updated_at
		FROM end_users WHERE tenant_id = $1 AND external_id = $2`, tenantID, externalID))
}

func (p *PostgresStore) ListEndUsers(ctx context.Context, tenantID string) ([]*EndUser, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, external_id, first_name, username, blocked, created_at, updated_at
		FROM end_users WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EndUser
	for rows.Next() {
		u, err := p.scanEndUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanPlan(row rowScanner) (*Plan, error) {
	var pl Plan
	var visibility string
	err := row.Scan(&pl.ID, &pl.TenantID, &pl.Name, &pl.DurationDays,
		&pl.Price.Amount, &pl.Price.Unit, &visibility,
		pq.Array(&pl.ResourceIDs), &pl.CreatedAt, &pl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	pl.Visibility = Visibility(visibility)
	return &pl, nil
}

func (p *PostgresStore) scanResource(row rowScanner) (*Resource, error) {
	var r Resource
	var access string
	err := row.Scan(&r.ID, &r.TenantID, &r.ChatID, &r.Title, &access, &r.StaticLink, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Access = AccessMode(access)
	return &r, nil
}

func (p *PostgresStore) scanEndUser(row rowScanner) (*EndUser, error) {
	var u EndUser
	err := row.Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.FirstName, &u.Username,
		&u.Blocked, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEndUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Migrate creates the catalog tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS plans (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			name          TEXT NOT NULL,
			duration_days INTEGER NOT NULL DEFAULT 0,
			price_amount  BIGINT NOT NULL,
			price_unit    TEXT NOT NULL,
			visibility    TEXT NOT NULL DEFAULT 'public',
			resource_ids  TEXT[] NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_plans_tenant ON plans(tenant_id);

		CREATE TABLE IF NOT EXISTS resources (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			chat_id     BIGINT NOT NULL,
			title       TEXT NOT NULL,
			access      TEXT NOT NULL,
			static_link TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_resources_tenant ON resources(tenant_id);

		CREATE TABLE IF NOT EXISTS end_users (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			external_id BIGINT NOT NULL,
			first_name  TEXT NOT NULL DEFAULT '',
			username    TEXT NOT NULL DEFAULT '',
			blocked     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, external_id)
		);
	`)
	return err
}
