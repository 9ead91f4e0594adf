package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the ledger in PostgreSQL. The uniqueness rules are
// partial unique indexes, so concurrent writers race at the database and
// exactly one wins; the loser gets the matching sentinel error.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	openPendingIdx = "pending_requests_open_tuple_idx"
	activeSubIdx   = "subscriptions_active_tuple_idx"
	txRefIdx       = "subscriptions_method_txref_idx"
)

func mapUniqueViolation(err error) error {
	pqErr, ok := err.(*pq.Error)
	if !ok || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case openPendingIdx:
		return ErrPendingOpen
	case activeSubIdx:
		return ErrActiveExists
	case txRefIdx:
		return ErrDuplicateTxRef
	}
	return err
}

func (p *PostgresStore) CreatePending(ctx context.Context, pr *PendingRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_requests (id, tenant_id, end_user_id, plan_id, method, token, status, resolution, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pr.ID, pr.TenantID, pr.EndUserID, pr.PlanID, pr.Method, pr.Token,
		string(pr.Status), string(pr.Resolution), pr.CreatedAt, pr.UpdatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func (p *PostgresStore) GetPending(ctx context.Context, id string) (*PendingRequest, error) {
	return p.scanPending(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, method, token, status, resolution, created_at, updated_at
		FROM pending_requests WHERE id = $1`, id))
}

func (p *PostgresStore) GetPendingByToken(ctx context.Context, token string) (*PendingRequest, error) {
	return p.scanPending(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, method, token, status, resolution, created_at, updated_at
		FROM pending_requests WHERE token = $1`, token))
}

func (p *PostgresStore) FindOpenPending(ctx context.Context, tenantID, endUserID, planID string) (*PendingRequest, error) {
	return p.scanPending(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, method, token, status, resolution, created_at, updated_at
		FROM pending_requests
		WHERE tenant_id = $1 AND end_user_id = $2 AND plan_id = $3
		  AND status IN ('awaiting_action', 'awaiting_confirmation')`,
		tenantID, endUserID, planID))
}

func (p *PostgresStore) UpdatePending(ctx context.Context, pr *PendingRequest) error {
	pr.UpdatedAt = time.Now().UTC()
	result, err := p.db.ExecContext(ctx, `
		UPDATE pending_requests SET status = $1, resolution = $2, updated_at = $3
		WHERE id = $4`,
		string(pr.Status), string(pr.Resolution), pr.UpdatedAt, pr.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPendingNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]*PendingRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, method, token, status, resolution, created_at, updated_at
		FROM pending_requests
		WHERE status IN ('awaiting_action', 'awaiting_confirmation') AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingRequest
	for rows.Next() {
		pr, err := p.scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateSubscription(ctx context.Context, s *Subscription) error {
	var txRef sql.NullString
	if s.TxRef != "" {
		txRef = sql.NullString{String: s.TxRef, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tenant_id, end_user_id, plan_id, status, start_at, end_at, method, tx_ref, paid_amount, paid_unit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.TenantID, s.EndUserID, s.PlanID, string(s.Status), s.StartAt, s.EndAt,
		s.Method, txRef, s.PaidAmount, s.PaidUnit, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, status, start_at, end_at, method, tx_ref, paid_amount, paid_unit, created_at, updated_at
		FROM subscriptions WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTxRef(ctx context.Context, method, txRef string) (*Subscription, error) {
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, status, start_at, end_at, method, tx_ref, paid_amount, paid_unit, created_at, updated_at
		FROM subscriptions WHERE method = $1 AND tx_ref = $2`, method, txRef))
}

func (p *PostgresStore) FindActive(ctx context.Context, tenantID, endUserID, planID string) (*Subscription, error) {
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, status, start_at, end_at, method, tx_ref, paid_amount, paid_unit, created_at, updated_at
		FROM subscriptions
		WHERE tenant_id = $1 AND end_user_id = $2 AND plan_id = $3 AND status = 'active'`,
		tenantID, endUserID, planID))
}

func (p *PostgresStore) UpdateSubscription(ctx context.Context, s *Subscription) error {
	s.UpdatedAt = time.Now().UTC()
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, end_at = $2, updated_at = $3
		WHERE id = $4`,
		string(s.Status), s.EndAt, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) ListActiveEnding(ctx context.Context, before time.Time, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, status, start_at, end_at, method, tx_ref, paid_amount, paid_unit, created_at, updated_at
		FROM subscriptions
		WHERE status = 'active' AND end_at IS NOT NULL AND end_at <= $1
		ORDER BY end_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		s, err := p.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByEndUser(ctx context.Context, tenantID, endUserID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, end_user_id, plan_id, status, start_at, end_at, method, tx_ref, paid_amount, paid_unit, created_at, updated_at
		FROM subscriptions
		WHERE tenant_id = $1 AND end_user_id = $2
		ORDER BY created_at`, tenantID, endUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		s, err := p.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PlanReferenced(ctx context.Context, planID string) (bool, error) {
	var referenced bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pending_requests WHERE plan_id = $1)
		    OR EXISTS (SELECT 1 FROM subscriptions WHERE plan_id = $1)`,
		planID).Scan(&referenced)
	return referenced, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanPending(row rowScanner) (*PendingRequest, error) {
	var pr PendingRequest
	var status, resolution string
	err := row.Scan(&pr.ID, &pr.TenantID, &pr.EndUserID, &pr.PlanID, &pr.Method,
		&pr.Token, &status, &resolution, &pr.CreatedAt, &pr.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Status = PendingStatus(status)
	pr.Resolution = Resolution(resolution)
	return &pr, nil
}

func (p *PostgresStore) scanSubscription(row rowScanner) (*Subscription, error) {
	var s Subscription
	var status string
	var endAt sql.NullTime
	var txRef sql.NullString
	err := row.Scan(&s.ID, &s.TenantID, &s.EndUserID, &s.PlanID, &status,
		&s.StartAt, &endAt, &s.Method, &txRef, &s.PaidAmount, &s.PaidUnit,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = SubscriptionStatus(status)
	if endAt.Valid {
		t := endAt.Time
		s.EndAt = &t
	}
	if txRef.Valid {
		s.TxRef = txRef.String
	}
	return &s, nil
}

// Migrate creates the ledger tables and the uniqueness indexes the service
// relies on (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_requests (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			end_user_id TEXT NOT NULL,
			plan_id     TEXT NOT NULL,
			method      TEXT NOT NULL,
			token       TEXT NOT NULL UNIQUE,
			status      TEXT NOT NULL,
			resolution  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS pending_requests_open_tuple_idx
			ON pending_requests(tenant_id, end_user_id, plan_id)
			WHERE status IN ('awaiting_action', 'awaiting_confirmation');
		CREATE INDEX IF NOT EXISTS idx_pending_requests_tenant ON pending_requests(tenant_id);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			end_user_id TEXT NOT NULL,
			plan_id     TEXT NOT NULL,
			status      TEXT NOT NULL,
			start_at    TIMESTAMPTZ NOT NULL,
			end_at      TIMESTAMPTZ,
			method      TEXT NOT NULL,
			tx_ref      TEXT,
			paid_amount BIGINT NOT NULL DEFAULT 0,
			paid_unit   TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_active_tuple_idx
			ON subscriptions(tenant_id, end_user_id, plan_id)
			WHERE status = 'active';
		CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_method_txref_idx
			ON subscriptions(method, tx_ref)
			WHERE tx_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_subscriptions_end_user ON subscriptions(tenant_id, end_user_id);
	`)
	return err
}
