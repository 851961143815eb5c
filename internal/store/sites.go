package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/copysentry/backend/internal/core"
)

// riskEWMAAlpha weights the newest observation in the site risk score.
const riskEWMAAlpha = 0.3

// SiteRepo persists known sites and their accumulated reputation.
type SiteRepo struct {
	db *sql.DB
}

func (r *SiteRepo) Get(ctx context.Context, siteID string) (*core.KnownSite, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT site_id, base_url, domain, category, total_violations,
		       risk_score, last_checked, crawl_delay_ms, blocked_by_robots
		FROM known_sites WHERE site_id = $1`, siteID))
}

func (r *SiteRepo) GetByIDs(ctx context.Context, siteIDs []string) ([]*core.KnownSite, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT site_id, base_url, domain, category, total_violations,
		       risk_score, last_checked, crawl_delay_ms, blocked_by_robots
		FROM known_sites WHERE site_id = ANY($1)`, pq.Array(siteIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*core.KnownSite
	for rows.Next() {
		site, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (r *SiteRepo) Upsert(ctx context.Context, s *core.KnownSite) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO known_sites
			(site_id, base_url, domain, category, total_violations,
			 risk_score, last_checked, crawl_delay_ms, blocked_by_robots)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (site_id) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			domain = EXCLUDED.domain,
			category = EXCLUDED.category,
			crawl_delay_ms = EXCLUDED.crawl_delay_ms`,
		s.ID, s.BaseURL, s.Domain, s.Category, s.TotalViolations,
		s.RiskScore, nullTime(s.LastChecked), s.CrawlDelayMs, s.BlockedByRobots)
	return err
}

// ListIDs returns every known site id. The known-sites scan endpoint uses
// it when the request names no explicit targets.
func (r *SiteRepo) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT site_id FROM known_sites ORDER BY site_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordScan folds a scan outcome into the site's reputation: violation
// counter, EWMA risk score, and last-checked timestamp.
func (r *SiteRepo) RecordScan(ctx context.Context, siteID string, violations int, observedRisk float64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE known_sites SET
			total_violations = total_violations + $2,
			risk_score = risk_score * (1 - $3) + $4 * $3,
			last_checked = $5
		WHERE site_id = $1`,
		siteID, violations, riskEWMAAlpha, observedRisk, at)
	return err
}

// MarkBlockedByRobots flags a site the robots policy refused.
func (r *SiteRepo) MarkBlockedByRobots(ctx context.Context, siteID string, blocked bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE known_sites SET blocked_by_robots = $2 WHERE site_id = $1`, siteID, blocked)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *SiteRepo) scanOne(row rowScanner) (*core.KnownSite, error) {
	var s core.KnownSite
	var lastChecked sql.NullTime
	err := row.Scan(&s.ID, &s.BaseURL, &s.Domain, &s.Category, &s.TotalViolations,
		&s.RiskScore, &lastChecked, &s.CrawlDelayMs, &s.BlockedByRobots)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewCodedError(core.CodeNotFound, "site not found")
	}
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		s.LastChecked = lastChecked.Time
	}
	return &s, nil
}
