package tenant

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	methodsJSON, err := json.Marshal(t.PaymentMethods)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, owner_id, credential_ref, secret, payment_methods, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.OwnerID, t.CredentialRef, t.Secret, methodsJSON, string(t.Status),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSecretTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, credential_ref, secret, payment_methods, status, created_at, updated_at
		FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySecret(ctx context.Context, secret string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, credential_ref, secret, payment_methods, status, created_at, updated_at
		FROM tenants WHERE secret = $1`, secret))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	methodsJSON, err := json.Marshal(t.PaymentMethods)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET credential_ref = $1, secret = $2, payment_methods = $3,
			status = $4, updated_at = $5
		WHERE id = $6`,
		t.CredentialRef, t.Secret, methodsJSON, string(t.Status), t.UpdatedAt, t.ID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSecretTaken
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, credential_ref, secret, payment_methods, status, created_at, updated_at
		FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := p.scanTenantRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordRotation(ctx context.Context, r *Rotation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_rotations (tenant_id, old_ref, new_ref, rotated_at)
		VALUES ($1, $2, $3, $4)`,
		r.TenantID, r.OldRef, r.NewRef, r.RotatedAt,
	)
	return err
}

func (p *PostgresStore) Rotations(ctx context.Context, tenantID string) ([]*Rotation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tenant_id, old_ref, new_ref, rotated_at
		FROM tenant_rotations WHERE tenant_id = $1 ORDER BY rotated_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Rotation
	for rows.Next() {
		r := &Rotation{}
		if err := rows.Scan(&r.TenantID, &r.OldRef, &r.NewRef, &r.RotatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanTenant(row *sql.Row) (*Tenant, error) {
	t, err := scanOne(row)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	return t, err
}

func (p *PostgresStore) scanTenantRows(rows *sql.Rows) (*Tenant, error) {
	return scanOne(rows)
}

func scanOne(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		status      string
		methodsJSON []byte
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.CredentialRef, &t.Secret, &methodsJSON,
		&status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if len(methodsJSON) > 0 {
		_ = json.Unmarshal(methodsJSON, &t.PaymentMethods)
	}
	return t, nil
}

// Migrate creates the tenant tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id              TEXT PRIMARY KEY,
			owner_id        BIGINT NOT NULL,
			credential_ref  TEXT NOT NULL,
			secret          TEXT NOT NULL UNIQUE,
			payment_methods JSONB NOT NULL DEFAULT '[]',
			status          TEXT NOT NULL DEFAULT 'active',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tenants_secret ON tenants(secret);
		CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);

		CREATE TABLE IF NOT EXISTS tenant_rotations (
			id          BIGSERIAL PRIMARY KEY,
			tenant_id   TEXT NOT NULL REFERENCES tenants(id),
			old_ref     TEXT NOT NULL,
			new_ref     TEXT NOT NULL,
			rotated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tenant_rotations_tenant ON tenant_rotations(tenant_id);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
