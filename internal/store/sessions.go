package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/copysentry/backend/internal/core"
)

// SessionRepo persists scan session snapshots. The session owner task is
// the only writer; other components read.
type SessionRepo struct {
	db *sql.DB
}

func (r *SessionRepo) Create(ctx context.Context, snap core.SessionSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_sessions
			(session_id, tenant_id, brand_profile_id, state, total_sites,
			 sites_scanned, violations_found, error_count, current_site,
			 last_error, started_at, completed_at, estimated_completion)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		snap.ID, snap.TenantID, snap.BrandProfileID, snap.State, snap.TotalSites,
		snap.SitesScanned, snap.ViolationsFound, snap.ErrorCount, snap.CurrentSite,
		snap.LastError, nullTime(snap.StartedAt), nullTime(snap.CompletedAt),
		nullTime(snap.EstimatedCompletion))
	return err
}

// Save overwrites the snapshot. Counters only grow because the single
// owner task serializes updates.
func (r *SessionRepo) Save(ctx context.Context, snap core.SessionSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scan_sessions SET
			state = $2, total_sites = $3, sites_scanned = $4,
			violations_found = $5, error_count = $6, current_site = $7,
			last_error = $8, started_at = $9, completed_at = $10,
			estimated_completion = $11
		WHERE session_id = $1`,
		snap.ID, snap.State, snap.TotalSites, snap.SitesScanned,
		snap.ViolationsFound, snap.ErrorCount, snap.CurrentSite, snap.LastError,
		nullTime(snap.StartedAt), nullTime(snap.CompletedAt),
		nullTime(snap.EstimatedCompletion))
	return err
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*core.SessionSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, tenant_id, brand_profile_id, state, total_sites,
		       sites_scanned, violations_found, error_count, current_site,
		       last_error, started_at, completed_at, estimated_completion
		FROM scan_sessions WHERE session_id = $1`, sessionID)

	var snap core.SessionSnapshot
	var startedAt, completedAt, eta sql.NullTime
	err := row.Scan(&snap.ID, &snap.TenantID, &snap.BrandProfileID, &snap.State,
		&snap.TotalSites, &snap.SitesScanned, &snap.ViolationsFound, &snap.ErrorCount,
		&snap.CurrentSite, &snap.LastError, &startedAt, &completedAt, &eta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewCodedError(core.CodeNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		snap.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		snap.CompletedAt = completedAt.Time
	}
	if eta.Valid {
		snap.EstimatedCompletion = eta.Time
	}
	return &snap, nil
}

// FailOrphans marks every non-terminal session as failed. Called once at
// startup: any session still open in the store was interrupted by the
// previous process and will never finish.
func (r *SessionRepo) FailOrphans(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scan_sessions
		SET state = 'failed', last_error = 'interrupted by restart', completed_at = now()
		WHERE state NOT IN ('completed', 'failed', 'cancelled')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ActiveForPair reports whether a non-terminal session exists for the
// (tenant, brand) pair. The queue uses this for duplicate rejection.
func (r *SessionRepo) ActiveForPair(ctx context.Context, tenantID, brandID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM scan_sessions
		WHERE tenant_id = $1 AND brand_profile_id = $2
		  AND state NOT IN ('completed', 'failed', 'cancelled')`,
		tenantID, brandID).Scan(&n)
	return n > 0, err
}

// ViolationRepo persists immutable violation records.
type ViolationRepo struct {
	db *sql.DB
}

func (r *ViolationRepo) Insert(ctx context.Context, v *core.ViolationRecord) error {
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO violation_records
			(violation_id, session_id, site_id, url, title, method,
			 risk_level, confidence, content_fingerprint, evidence, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.SessionID, v.SiteID, v.URL, v.Title, v.Method,
		v.RiskLevel, v.Confidence, v.ContentFingerprint, evidence, v.DetectedAt)
	return err
}

func (r *ViolationRepo) ListBySession(ctx context.Context, sessionID string) ([]*core.ViolationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT violation_id, session_id, site_id, url, title, method,
		       risk_level, confidence, content_fingerprint, evidence, detected_at
		FROM violation_records WHERE session_id = $1 ORDER BY detected_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.ViolationRecord
	for rows.Next() {
		var v core.ViolationRecord
		var evidence []byte
		if err := rows.Scan(&v.ID, &v.SessionID, &v.SiteID, &v.URL, &v.Title, &v.Method,
			&v.RiskLevel, &v.Confidence, &v.ContentFingerprint, &evidence, &v.DetectedAt); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			_ = json.Unmarshal(evidence, &v.Evidence)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
