// Package ownership scores proof-of-ownership for brand profiles across
// four methods: DNS TXT records, meta tags on the official site, social
// media presence and manual review. The composite score gates scan
// admission; repeated failure feeds the abuse engine.
package ownership

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/copysentry/backend/internal/abuse"
	"github.com/copysentry/backend/internal/core"
)

// Method weights. The composite score is the weighted max over verified
// methods, so a single strong proof is sufficient.
const (
	weightDNS    = 1.0
	weightMeta   = 0.9
	weightSocial = 0.7
	weightManual = 1.0
)

// Gate thresholds.
const (
	// MinScanScore is the composite required to submit any scan.
	MinScanScore = 0.5
	// suspicionBelow: a Failed attempt with a composite under this reports
	// a fake-ownership event to the abuse engine.
	suspicionBelow = 0.25
)

// validityPeriod is how long a verified record stays valid.
const validityPeriod = 180 * 24 * time.Hour

// Records persists per-(brand, method) validation records.
type Records interface {
	Get(ctx context.Context, brandID string, method core.OwnershipMethod) (*core.OwnershipValidation, error)
	Put(ctx context.Context, rec *core.OwnershipValidation) error
	All(ctx context.Context, brandID string) ([]core.OwnershipValidation, error)
}

// AbuseReporter is the slice of the abuse engine this package needs.
type AbuseReporter interface {
	RecordEvent(ctx context.Context, tenantID string, evType abuse.EventType) abuse.Snapshot
}

// Service runs validations and computes composite scores.
type Service struct {
	prefix  string // platform verification prefix, e.g. "copysentry"
	records Records
	dns     DNSResolver
	meta    MetaFetcher
	abuse   AbuseReporter
}

// NewService builds the ownership service. prefix names the platform in
// DNS labels and meta tag names.
func NewService(prefix string, records Records, dns DNSResolver, meta MetaFetcher, reporter AbuseReporter) *Service {
	return &Service{prefix: prefix, records: records, dns: dns, meta: meta, abuse: reporter}
}

// IssueToken creates (or refreshes) a pending validation record with a new
// verification token for the given method.
func (s *Service) IssueToken(ctx context.Context, brandID string, method core.OwnershipMethod) (*core.OwnershipValidation, error) {
	rec := &core.OwnershipValidation{
		BrandProfileID:    brandID,
		Method:            method,
		Status:            core.OwnershipPending,
		VerificationToken: uuid.NewString(),
	}
	if err := s.records.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Verify runs the method-specific check for a brand and updates the record.
// domain/officialURL come from the brand profile; socialMatches is the
// caller-counted number of matching social profiles (of expected total).
func (s *Service) Verify(ctx context.Context, brand *core.BrandProfile, method core.OwnershipMethod, domain string, socialMatches, socialExpected int) (*core.OwnershipValidation, error) {
	rec, err := s.records.Get(ctx, brand.ID, method)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, core.NewCodedError(core.CodeNotFound, "no pending validation for method %s", method)
	}

	now := time.Now()
	var ok bool
	var score float64

	switch method {
	case core.OwnershipDNSTXT:
		ok, err = s.dns.HasTXTToken(ctx, "_"+s.prefix+"."+domain, rec.VerificationToken)
		score = weightDNS
	case core.OwnershipMetaTag:
		var official string
		if len(brand.OfficialURLs) > 0 {
			official = brand.OfficialURLs[0]
		}
		ok, err = s.meta.HasVerificationTag(ctx, official, s.prefix, rec.VerificationToken)
		score = weightMeta
	case core.OwnershipSocial:
		if socialExpected > 0 {
			score = weightSocial * float64(socialMatches) / float64(socialExpected)
			ok = socialMatches > 0
		}
		err = nil
	case core.OwnershipManual:
		rec.Status = core.OwnershipManualReview
		return rec, s.records.Put(ctx, rec)
	}
	if err != nil {
		return nil, err
	}

	if ok {
		rec.Status = core.OwnershipVerified
		rec.Score = score
		rec.VerifiedAt = now
		rec.ExpiresAt = now.Add(validityPeriod)
	} else {
		rec.Status = core.OwnershipFailed
		rec.Score = 0
		s.reportFailure(ctx, brand)
	}

	if err := s.records.Put(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("ownership verification", "brand", brand.ID, "method", method, "status", rec.Status)
	return rec, nil
}

// GrantManual marks a manual review as approved with full weight.
func (s *Service) GrantManual(ctx context.Context, brandID string) error {
	rec, err := s.records.Get(ctx, brandID, core.OwnershipManual)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &core.OwnershipValidation{BrandProfileID: brandID, Method: core.OwnershipManual}
	}
	now := time.Now()
	rec.Status = core.OwnershipVerified
	rec.Score = weightManual
	rec.VerifiedAt = now
	rec.ExpiresAt = now.Add(validityPeriod)
	return s.records.Put(ctx, rec)
}

// CompositeScore is the weighted max over non-expired verified methods.
// Expired records are demoted back to Pending lazily.
func (s *Service) CompositeScore(ctx context.Context, brandID string) (float64, error) {
	recs, err := s.records.All(ctx, brandID)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	best := 0.0
	for i := range recs {
		rec := &recs[i]
		if rec.Status != core.OwnershipVerified {
			continue
		}
		if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
			rec.Status = core.OwnershipPending
			rec.Score = 0
			_ = s.records.Put(ctx, rec)
			continue
		}
		if rec.Score > best {
			best = rec.Score
		}
	}
	return best, nil
}

// RequireScanScore returns an ownership_insufficient coded error when the
// brand's composite score is below the scan gate.
func (s *Service) RequireScanScore(ctx context.Context, brandID string) error {
	score, err := s.CompositeScore(ctx, brandID)
	if err != nil {
		return err
	}
	if score < MinScanScore {
		return core.NewCodedError(core.CodeOwnershipInsufficient,
			"ownership score %.2f below required %.2f", score, MinScanScore)
	}
	return nil
}

// reportFailure feeds a fake-ownership abuse event when the brand's
// composite standing is already suspicious.
func (s *Service) reportFailure(ctx context.Context, brand *core.BrandProfile) {
	if s.abuse == nil {
		return
	}
	score, err := s.CompositeScore(ctx, brand.ID)
	if err != nil {
		return
	}
	if score < suspicionBelow {
		s.abuse.RecordEvent(ctx, brand.TenantID, abuse.EventFakeOwnership)
	}
}
