package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/copysentry/backend/internal/classify"
	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/scancache"
)

// OwnershipRepo implements ownership.Records over Postgres.
type OwnershipRepo struct {
	db *sql.DB
}

func (r *OwnershipRepo) Get(ctx context.Context, brandID string, method core.OwnershipMethod) (*core.OwnershipValidation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT brand_profile_id, method, status, verification_token, score, verified_at, expires_at
		FROM ownership_validations WHERE brand_profile_id = $1 AND method = $2`,
		brandID, method)

	rec, err := scanOwnership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *OwnershipRepo) Put(ctx context.Context, rec *core.OwnershipValidation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ownership_validations
			(brand_profile_id, method, status, verification_token, score, verified_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (brand_profile_id, method) DO UPDATE SET
			status = EXCLUDED.status,
			verification_token = EXCLUDED.verification_token,
			score = EXCLUDED.score,
			verified_at = EXCLUDED.verified_at,
			expires_at = EXCLUDED.expires_at`,
		rec.BrandProfileID, rec.Method, rec.Status, rec.VerificationToken,
		rec.Score, nullTime(rec.VerifiedAt), nullTime(rec.ExpiresAt))
	return err
}

func (r *OwnershipRepo) All(ctx context.Context, brandID string) ([]core.OwnershipValidation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT brand_profile_id, method, status, verification_token, score, verified_at, expires_at
		FROM ownership_validations WHERE brand_profile_id = $1`, brandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.OwnershipValidation
	for rows.Next() {
		rec, err := scanOwnership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanOwnership(row rowScanner) (*core.OwnershipValidation, error) {
	var rec core.OwnershipValidation
	var verifiedAt, expiresAt sql.NullTime
	err := row.Scan(&rec.BrandProfileID, &rec.Method, &rec.Status,
		&rec.VerificationToken, &rec.Score, &verifiedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		rec.VerifiedAt = verifiedAt.Time
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	return &rec, nil
}

// CacheSink implements scancache.DurableStore: write-through copies of
// cache entries for durability.
type CacheSink struct {
	db *sql.DB
}

func (s *CacheSink) SaveCachedContent(ctx context.Context, key string, entry *scancache.ContentEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cached_content (cache_key, body, metadata, fetched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cache_key) DO NOTHING`,
		key, entry.Body, metadata, entry.FetchedAt)
	return err
}

func (s *CacheSink) SaveCachedClassification(ctx context.Context, key string, result *classify.Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cached_classifications (cache_key, result)
		VALUES ($1, $2)
		ON CONFLICT (cache_key) DO UPDATE SET result = EXCLUDED.result, saved_at = now()`,
		key, encoded)
	return err
}
