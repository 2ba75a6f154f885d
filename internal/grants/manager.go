package grants

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/audit"
	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

// Store is the persistence the grant lifecycle needs.
type Store interface {
	CreateGrant(ctx context.Context, g *models.Grant) error
	GetGrant(ctx context.Context, id uuid.UUID) (*models.Grant, error)
	ListGrantsBySubject(ctx context.Context, subjectID string, activeOnly bool) ([]models.Grant, error)
	ListGrantsBySegment(ctx context.Context, segmentID uuid.UUID, activeOnly bool) ([]models.Grant, error)
	ExpireGrantCAS(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ExpireGrants(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	RevokeGrantCAS(ctx context.Context, id uuid.UUID, revokedBy, reason string) (bool, error)
	GetSegment(ctx context.Context, id uuid.UUID) (*models.ResourceSegment, error)
}

// StatusCache caches grant status lookups with a short TTL. A nil cache
// disables caching.
type StatusCache interface {
	GetGrantStatus(ctx context.Context, grantID uuid.UUID) (*Status, bool)
	SetGrantStatus(ctx context.Context, grantID uuid.UUID, status *Status)
	InvalidateGrantStatus(ctx context.Context, grantID uuid.UUID)
}

// Status is the point-in-time view of a grant. Remaining is zero for any
// non-active grant.
type Status struct {
	GrantID   uuid.UUID          `json:"grant_id"`
	Status    models.GrantStatus `json:"status"`
	SubjectID string             `json:"subject_id"`
	SegmentID uuid.UUID          `json:"segment_id"`
	ExpiresAt time.Time          `json:"expires_at"`
	Remaining time.Duration      `json:"remaining_seconds"`
	MFA       bool               `json:"mfa_required"`
}

// Manager owns the grant lifecycle: activation on approval, lazy expiry on
// read, periodic sweeps, and revocation.
type Manager struct {
	store  Store
	cache  StatusCache
	audit  *audit.Service
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, cache StatusCache, auditSvc *audit.Service, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		cache:  cache,
		audit:  auditSvc,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Activate creates the grant for an approved request. The expiry is fixed
// at activation and never extended.
func (m *Manager) Activate(ctx context.Context, req *models.AccessRequest) (*models.Grant, error) {
	if req.ExpiresAt == nil {
		return nil, errdefs.Validationf("approved request %s has no expiry", req.ID)
	}
	seg, err := m.store.GetSegment(ctx, req.SegmentID)
	if err != nil {
		return nil, errdefs.Upstreamf("loading segment: %v", err)
	}
	if seg == nil {
		return nil, errdefs.NotFoundf("resource segment %s", req.SegmentID)
	}

	grant := &models.Grant{
		RequestID:   req.ID,
		SubjectID:   req.SubjectID,
		SegmentID:   req.SegmentID,
		GrantedAt:   m.now(),
		ExpiresAt:   *req.ExpiresAt,
		Status:      models.GrantStatusActive,
		MFARequired: seg.RequiresJIT,
	}
	if err := m.store.CreateGrant(ctx, grant); err != nil {
		return nil, errdefs.Upstreamf("creating grant: %v", err)
	}

	m.auditEvent(ctx, "activated", grant.SubjectID, "activate_grant", "active", models.SeverityInfo, models.JSONB{
		"grant_id":   grant.ID.String(),
		"request_id": req.ID.String(),
		"segment_id": req.SegmentID.String(),
		"expires_at": grant.ExpiresAt.Format(time.RFC3339),
	})
	return grant, nil
}

// GetStatus returns the current status of a grant. An overdue active grant
// is expired in place before the status is reported, so a caller can never
// observe an active grant past its expiry.
func (m *Manager) GetStatus(ctx context.Context, grantID uuid.UUID) (*Status, error) {
	if m.cache != nil {
		if st, ok := m.cache.GetGrantStatus(ctx, grantID); ok {
			if st.Status != models.GrantStatusActive || m.now().Before(st.ExpiresAt) {
				return st, nil
			}
			m.cache.InvalidateGrantStatus(ctx, grantID)
		}
	}

	grant, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, errdefs.Upstreamf("loading grant: %v", err)
	}
	if grant == nil {
		return nil, errdefs.NotFoundf("grant %s", grantID)
	}

	now := m.now()
	if grant.Status == models.GrantStatusActive && !now.Before(grant.ExpiresAt) {
		ok, err := m.store.ExpireGrantCAS(ctx, grantID, now)
		if err != nil {
			return nil, errdefs.Upstreamf("expiring grant: %v", err)
		}
		if ok {
			m.auditEvent(ctx, "expired", grant.SubjectID, "expire_grant", "expired", models.SeverityInfo, models.JSONB{
				"grant_id": grantID.String(),
			})
			grant.Status = models.GrantStatusExpired
		} else {
			// The sweep or a revocation got there first; re-read.
			grant, err = m.store.GetGrant(ctx, grantID)
			if err != nil || grant == nil {
				return nil, errdefs.Upstreamf("reloading grant %s: %v", grantID, err)
			}
		}
	}

	st := &Status{
		GrantID:   grant.ID,
		Status:    grant.Status,
		SubjectID: grant.SubjectID,
		SegmentID: grant.SegmentID,
		ExpiresAt: grant.ExpiresAt,
		MFA:       grant.MFARequired,
	}
	if grant.Status == models.GrantStatusActive {
		st.Remaining = grant.ExpiresAt.Sub(now)
	}
	if m.cache != nil {
		m.cache.SetGrantStatus(ctx, grantID, st)
	}
	return st, nil
}

// SweepExpired expires every overdue active grant. Idempotent: a second
// sweep over the same instant finds nothing.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ids, err := m.store.ExpireGrants(ctx, m.now())
	if err != nil {
		return 0, errdefs.Upstreamf("sweeping expired grants: %v", err)
	}
	for _, id := range ids {
		if m.cache != nil {
			m.cache.InvalidateGrantStatus(ctx, id)
		}
		m.auditEvent(ctx, "expired", "", "expire_grant_sweep", "expired", models.SeverityInfo, models.JSONB{
			"grant_id": id.String(),
		})
	}
	return len(ids), nil
}

// Revoke terminates an active grant before its expiry. Administrators only.
func (m *Manager) Revoke(ctx context.Context, grantID uuid.UUID, actor models.Actor, reason string) error {
	if !actor.IsAdmin() {
		return errdefs.Authorizationf("actor %s (role %s) may not revoke grants", actor.ID, actor.Role)
	}
	if reason == "" {
		return errdefs.Validationf("revocation reason is required")
	}

	grant, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return errdefs.Upstreamf("loading grant: %v", err)
	}
	if grant == nil {
		return errdefs.NotFoundf("grant %s", grantID)
	}

	ok, err := m.store.RevokeGrantCAS(ctx, grantID, actor.ID, reason)
	if err != nil {
		return errdefs.Upstreamf("revoking grant: %v", err)
	}
	if !ok {
		return errdefs.Conflictf("grant %s is %s and cannot be revoked", grantID, grant.Status)
	}
	if m.cache != nil {
		m.cache.InvalidateGrantStatus(ctx, grantID)
	}
	m.auditEvent(ctx, "revoked", grant.SubjectID, "revoke_grant", "revoked", models.SeverityMedium, models.JSONB{
		"grant_id":   grantID.String(),
		"revoked_by": actor.ID,
		"reason":     reason,
	})
	return nil
}

// HandleRoleChange revokes every active grant whose segment no longer
// allows the subject's new role. Grants on still-permitted segments are
// untouched.
func (m *Manager) HandleRoleChange(ctx context.Context, subjectID string, newRole models.Role, changedBy models.Actor) (int, error) {
	if !changedBy.IsAdmin() {
		return 0, errdefs.Authorizationf("actor %s (role %s) may not change subject roles", changedBy.ID, changedBy.Role)
	}

	active, err := m.store.ListGrantsBySubject(ctx, subjectID, true)
	if err != nil {
		return 0, errdefs.Upstreamf("listing grants for subject %s: %v", subjectID, err)
	}

	revoked := 0
	for _, g := range active {
		seg, err := m.store.GetSegment(ctx, g.SegmentID)
		if err != nil {
			return revoked, errdefs.Upstreamf("loading segment %s: %v", g.SegmentID, err)
		}
		if seg != nil && seg.IsActive && seg.RoleAllowed(newRole) {
			continue
		}

		reason := fmt.Sprintf("role changed to %s, segment access no longer permitted", newRole)
		ok, err := m.store.RevokeGrantCAS(ctx, g.ID, changedBy.ID, reason)
		if err != nil {
			return revoked, errdefs.Upstreamf("revoking grant %s: %v", g.ID, err)
		}
		if !ok {
			continue
		}
		revoked++
		if m.cache != nil {
			m.cache.InvalidateGrantStatus(ctx, g.ID)
		}
		m.auditEvent(ctx, "revoked", subjectID, "role_change_revocation", "revoked", models.SeverityMedium, models.JSONB{
			"grant_id":   g.ID.String(),
			"segment_id": g.SegmentID.String(),
			"new_role":   string(newRole),
			"changed_by": changedBy.ID,
		})
	}

	if revoked > 0 {
		m.logger.Info("revoked grants after role change",
			"subject_id", subjectID,
			"new_role", newRole,
			"revoked", revoked)
	}
	return revoked, nil
}

// ListForSubject returns a subject's grants, optionally active only.
func (m *Manager) ListForSubject(ctx context.Context, subjectID string, activeOnly bool) ([]models.Grant, error) {
	grants, err := m.store.ListGrantsBySubject(ctx, subjectID, activeOnly)
	if err != nil {
		return nil, errdefs.Upstreamf("listing grants: %v", err)
	}
	return grants, nil
}

func (m *Manager) auditEvent(ctx context.Context, subType, subjectID, action, result string, severity models.Severity, details models.JSONB) {
	rec := &models.AuditRecord{
		EventType: models.AuditEventGrant,
		SubType:   subType,
		SubjectID: subjectID,
		Action:    action,
		Result:    result,
		Severity:  severity,
		Details:   details,
	}
	if err := m.audit.Append(ctx, rec); err != nil {
		m.logger.Error("failed to append audit record",
			"sub_type", subType,
			"error", err)
	}
}
