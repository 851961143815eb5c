package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/copysentry/backend/internal/core"
)

// TenantRepo persists tenants. Abuse fields are written only through
// UpdateAbuse, which the abuse engine owns.
type TenantRepo struct {
	db *sql.DB
}

func (r *TenantRepo) Get(ctx context.Context, tenantID string) (*core.Tenant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, plan, abuse_score, abuse_state, abuse_updated_at,
		       last_activity, created_at
		FROM tenants WHERE tenant_id = $1`, tenantID)

	var t core.Tenant
	var abuseUpdated, lastActivity sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &t.Plan, &t.AbuseScore, &t.AbuseState,
		&abuseUpdated, &lastActivity, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewCodedError(core.CodeNotFound, "tenant %s not found", tenantID)
	}
	if err != nil {
		return nil, err
	}
	if abuseUpdated.Valid {
		t.AbuseUpdatedAt = abuseUpdated.Time
	}
	if lastActivity.Valid {
		t.LastActivity = lastActivity.Time
	}
	return &t, nil
}

func (r *TenantRepo) Upsert(ctx context.Context, t *core.Tenant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name, plan, abuse_score, abuse_state, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name,
			plan = EXCLUDED.plan,
			last_activity = EXCLUDED.last_activity`,
		t.ID, t.Name, t.Plan, t.AbuseScore, t.AbuseState, nullTime(t.LastActivity))
	return err
}

// UpdateAbuse persists the abuse engine's standing for a tenant.
func (r *TenantRepo) UpdateAbuse(ctx context.Context, tenantID string, score float64, state core.AbuseState) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET abuse_score = $2, abuse_state = $3, abuse_updated_at = now()
		WHERE tenant_id = $1`,
		tenantID, score, state)
	return err
}

// ListFlagged returns tenants whose persisted standing is not clean, for
// seeding the abuse engine at startup.
func (r *TenantRepo) ListFlagged(ctx context.Context) ([]*core.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, abuse_score, abuse_state, abuse_updated_at
		FROM tenants WHERE abuse_state <> 'clean' OR abuse_score > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Tenant
	for rows.Next() {
		var t core.Tenant
		var abuseUpdated sql.NullTime
		if err := rows.Scan(&t.ID, &t.AbuseScore, &t.AbuseState, &abuseUpdated); err != nil {
			return nil, err
		}
		if abuseUpdated.Valid {
			t.AbuseUpdatedAt = abuseUpdated.Time
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// TouchActivity bumps the last-activity timestamp.
func (r *TenantRepo) TouchActivity(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET last_activity = now() WHERE tenant_id = $1`, tenantID)
	return err
}

// BrandRepo persists brand profiles with their keyword sets.
type BrandRepo struct {
	db *sql.DB
}

func (r *BrandRepo) Get(ctx context.Context, brandID string) (*core.BrandProfile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT brand_profile_id, tenant_id, name, description,
		       official_urls, safe_keywords, moderate_keywords, dangerous_keywords
		FROM brand_profiles WHERE brand_profile_id = $1`, brandID)

	var b core.BrandProfile
	err := row.Scan(&b.ID, &b.TenantID, &b.Name, &b.Description,
		pq.Array(&b.OfficialURLs), pq.Array(&b.SafeKeywords),
		pq.Array(&b.ModerateKeywords), pq.Array(&b.DangerousKeywords))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewCodedError(core.CodeNotFound, "brand profile %s not found", brandID)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Save validates keyword-set disjointness before writing.
func (r *BrandRepo) Save(ctx context.Context, b *core.BrandProfile) error {
	if err := b.ValidateKeywordSets(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO brand_profiles
			(brand_profile_id, tenant_id, name, description,
			 official_urls, safe_keywords, moderate_keywords, dangerous_keywords)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (brand_profile_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			official_urls = EXCLUDED.official_urls,
			safe_keywords = EXCLUDED.safe_keywords,
			moderate_keywords = EXCLUDED.moderate_keywords,
			dangerous_keywords = EXCLUDED.dangerous_keywords`,
		b.ID, b.TenantID, b.Name, b.Description,
		pq.Array(b.OfficialURLs), pq.Array(b.SafeKeywords),
		pq.Array(b.ModerateKeywords), pq.Array(b.DangerousKeywords))
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
