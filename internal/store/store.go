// Package store is the thin repository layer over Postgres. Components
// query through it; no entity navigation happens inside hot loops.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Store wraps the database handle and exposes repositories.
type Store struct {
	db *sql.DB

	Tenants    *TenantRepo
	Brands     *BrandRepo
	Sites      *SiteRepo
	Sessions   *SessionRepo
	Violations *ViolationRepo
	Ownership  *OwnershipRepo
	CacheSink  *CacheSink
}

// Open connects to Postgres and pings it.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB builds a Store around an existing handle (tests).
func NewWithDB(db *sql.DB) *Store {
	s := &Store{db: db}
	s.Tenants = &TenantRepo{db: db}
	s.Brands = &BrandRepo{db: db}
	s.Sites = &SiteRepo{db: db}
	s.Sessions = &SessionRepo{db: db}
	s.Violations = &ViolationRepo{db: db}
	s.Ownership = &OwnershipRepo{db: db}
	s.CacheSink = &CacheSink{db: db}
	return s
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the tables if they do not exist. Production runs
// migrations out of band; this keeps dev and tests self-contained.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id        TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	plan             TEXT NOT NULL DEFAULT 'free',
	abuse_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	abuse_state      TEXT NOT NULL DEFAULT 'clean',
	abuse_updated_at TIMESTAMPTZ,
	last_activity    TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS brand_profiles (
	brand_profile_id   TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL REFERENCES tenants(tenant_id),
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	official_urls      TEXT[] NOT NULL DEFAULT '{}',
	safe_keywords      TEXT[] NOT NULL DEFAULT '{}',
	moderate_keywords  TEXT[] NOT NULL DEFAULT '{}',
	dangerous_keywords TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS known_sites (
	site_id           TEXT PRIMARY KEY,
	base_url          TEXT NOT NULL,
	domain            TEXT NOT NULL,
	category          TEXT NOT NULL DEFAULT '',
	total_violations  INT NOT NULL DEFAULT 0,
	risk_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_checked      TIMESTAMPTZ,
	crawl_delay_ms    INT NOT NULL DEFAULT 1000,
	blocked_by_robots BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS scan_sessions (
	session_id        TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	brand_profile_id  TEXT NOT NULL,
	state             TEXT NOT NULL,
	total_sites       INT NOT NULL DEFAULT 0,
	sites_scanned     INT NOT NULL DEFAULT 0,
	violations_found  INT NOT NULL DEFAULT 0,
	error_count       INT NOT NULL DEFAULT 0,
	current_site      TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	estimated_completion TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS violation_records (
	violation_id        TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL,
	site_id             TEXT NOT NULL,
	url                 TEXT NOT NULL,
	title               TEXT NOT NULL DEFAULT '',
	method              TEXT NOT NULL,
	risk_level          TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	content_fingerprint TEXT NOT NULL DEFAULT '',
	evidence            JSONB,
	detected_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ownership_validations (
	brand_profile_id   TEXT NOT NULL,
	method             TEXT NOT NULL,
	status             TEXT NOT NULL,
	verification_token TEXT NOT NULL DEFAULT '',
	score              DOUBLE PRECISION NOT NULL DEFAULT 0,
	verified_at        TIMESTAMPTZ,
	expires_at         TIMESTAMPTZ,
	PRIMARY KEY (brand_profile_id, method)
);

CREATE TABLE IF NOT EXISTS cached_content (
	cache_key  TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	metadata   JSONB,
	fetched_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_classifications (
	cache_key TEXT PRIMARY KEY,
	result    JSONB NOT NULL,
	saved_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
