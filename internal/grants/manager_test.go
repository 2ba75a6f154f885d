package grants

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/audit"
	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

type fakeGrantStore struct {
	grants   map[uuid.UUID]*models.Grant
	segments map[uuid.UUID]*models.ResourceSegment
	getCalls int
}

func newFakeGrantStore() *fakeGrantStore {
	return &fakeGrantStore{
		grants:   make(map[uuid.UUID]*models.Grant),
		segments: make(map[uuid.UUID]*models.ResourceSegment),
	}
}

func (s *fakeGrantStore) CreateGrant(ctx context.Context, g *models.Grant) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	cp := *g
	s.grants[g.ID] = &cp
	return nil
}

func (s *fakeGrantStore) GetGrant(ctx context.Context, id uuid.UUID) (*models.Grant, error) {
	s.getCalls++
	g, ok := s.grants[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *fakeGrantStore) ListGrantsBySubject(ctx context.Context, subjectID string, activeOnly bool) ([]models.Grant, error) {
	var out []models.Grant
	for _, g := range s.grants {
		if g.SubjectID != subjectID {
			continue
		}
		if activeOnly && g.Status != models.GrantStatusActive {
			continue
		}
		out = append(out, *g)
	}
	return out, nil
}

func (s *fakeGrantStore) ListGrantsBySegment(ctx context.Context, segmentID uuid.UUID, activeOnly bool) ([]models.Grant, error) {
	var out []models.Grant
	for _, g := range s.grants {
		if g.SegmentID != segmentID {
			continue
		}
		if activeOnly && g.Status != models.GrantStatusActive {
			continue
		}
		out = append(out, *g)
	}
	return out, nil
}

func (s *fakeGrantStore) ExpireGrantCAS(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	g, ok := s.grants[id]
	if !ok || g.Status != models.GrantStatusActive {
		return false, nil
	}
	g.Status = models.GrantStatusExpired
	return true, nil
}

func (s *fakeGrantStore) ExpireGrants(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, g := range s.grants {
		if g.Status == models.GrantStatusActive && !now.Before(g.ExpiresAt) {
			g.Status = models.GrantStatusExpired
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

func (s *fakeGrantStore) RevokeGrantCAS(ctx context.Context, id uuid.UUID, revokedBy, reason string) (bool, error) {
	g, ok := s.grants[id]
	if !ok || g.Status != models.GrantStatusActive {
		return false, nil
	}
	g.Status = models.GrantStatusRevoked
	g.RevokedBy = revokedBy
	g.RevokeReason = reason
	return true, nil
}

func (s *fakeGrantStore) GetSegment(ctx context.Context, id uuid.UUID) (*models.ResourceSegment, error) {
	return s.segments[id], nil
}

type fakeStatusCache struct {
	entries      map[uuid.UUID]*Status
	sets         int
	invalidation []uuid.UUID
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{entries: make(map[uuid.UUID]*Status)}
}

func (c *fakeStatusCache) GetGrantStatus(ctx context.Context, grantID uuid.UUID) (*Status, bool) {
	st, ok := c.entries[grantID]
	return st, ok
}

func (c *fakeStatusCache) SetGrantStatus(ctx context.Context, grantID uuid.UUID, status *Status) {
	c.entries[grantID] = status
	c.sets++
}

func (c *fakeStatusCache) InvalidateGrantStatus(ctx context.Context, grantID uuid.UUID) {
	delete(c.entries, grantID)
	c.invalidation = append(c.invalidation, grantID)
}

type auditSink struct {
	records []*models.AuditRecord
}

func (s *auditSink) AppendAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *auditSink) GetAuditRecord(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *auditSink) ListAuditRecords(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error) {
	out := make([]models.AuditRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *auditSink) hasSubType(subType string) bool {
	for _, rec := range s.records {
		if rec.SubType == subType {
			return true
		}
	}
	return false
}

type managerHarness struct {
	mgr       *Manager
	store     *fakeGrantStore
	cache     *fakeStatusCache
	audits    *auditSink
	segmentID uuid.UUID
	now       time.Time
}

var grantAdmin = models.Actor{ID: "ops-admin", Role: models.RoleAdmin}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()

	h := &managerHarness{
		store:  newFakeGrantStore(),
		cache:  newFakeStatusCache(),
		audits: &auditSink{},
		now:    time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
	segID := uuid.New()
	h.store.segments[segID] = &models.ResourceSegment{
		ID:            segID,
		Name:          "prod-db",
		ResourceType:  "database",
		SecurityLevel: 3,
		AllowedRoles:  []string{"faculty", "admin"},
		RequiresJIT:   true,
		IsActive:      true,
	}
	h.segmentID = segID

	auditSvc := audit.NewService("test-secret", 256, h.audits, nil)
	h.mgr = NewManager(h.store, h.cache, auditSvc, nil,
		WithClock(func() time.Time { return h.now }))
	return h
}

func (h *managerHarness) approvedRequest(hours float64) *models.AccessRequest {
	exp := h.now.Add(time.Duration(hours * float64(time.Hour)))
	return &models.AccessRequest{
		ID:        uuid.New(),
		SubjectID: "subject-1",
		SegmentID: h.segmentID,
		Status:    models.RequestStatusApproved,
		ExpiresAt: &exp,
	}
}

func TestActivate(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	noExpiry := h.approvedRequest(1)
	noExpiry.ExpiresAt = nil
	if _, err := h.mgr.Activate(ctx, noExpiry); !errdefs.IsValidation(err) {
		t.Errorf("missing expiry: expected validation error, got %v", err)
	}

	badSegment := h.approvedRequest(1)
	badSegment.SegmentID = uuid.New()
	if _, err := h.mgr.Activate(ctx, badSegment); !errdefs.IsNotFound(err) {
		t.Errorf("unknown segment: expected not found, got %v", err)
	}

	req := h.approvedRequest(4)
	grant, err := h.mgr.Activate(ctx, req)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if grant.Status != models.GrantStatusActive {
		t.Errorf("status = %s, want active", grant.Status)
	}
	if !grant.ExpiresAt.Equal(*req.ExpiresAt) {
		t.Errorf("expiry = %v, want %v", grant.ExpiresAt, *req.ExpiresAt)
	}
	if !grant.MFARequired {
		t.Error("grant on a just-in-time segment must require MFA")
	}
	if !h.audits.hasSubType("activated") {
		t.Error("activation not audited")
	}
}

func TestGetStatus_ActiveAndCached(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	grant, err := h.mgr.Activate(ctx, h.approvedRequest(4))
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	st, err := h.mgr.GetStatus(ctx, grant.ID)
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if st.Status != models.GrantStatusActive {
		t.Errorf("status = %s, want active", st.Status)
	}
	if st.Remaining != 4*time.Hour {
		t.Errorf("remaining = %v, want 4h", st.Remaining)
	}
	if h.cache.sets != 1 {
		t.Errorf("cache sets = %d, want 1", h.cache.sets)
	}

	// Second lookup is served from cache.
	reads := h.store.getCalls
	if _, err := h.mgr.GetStatus(ctx, grant.ID); err != nil {
		t.Fatalf("cached get status failed: %v", err)
	}
	if h.store.getCalls != reads {
		t.Errorf("store reads = %d, want %d (cache hit)", h.store.getCalls, reads)
	}
}

func TestGetStatus_LazyExpiry(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	grant, err := h.mgr.Activate(ctx, h.approvedRequest(1))
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if _, err := h.mgr.GetStatus(ctx, grant.ID); err != nil {
		t.Fatalf("get status failed: %v", err)
	}

	// Past expiry a cached active entry is stale; the read must expire the
	// grant rather than serve the cache.
	h.now = h.now.Add(time.Hour)

	st, err := h.mgr.GetStatus(ctx, grant.ID)
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if st.Status != models.GrantStatusExpired {
		t.Errorf("status = %s, want expired", st.Status)
	}
	if st.Remaining != 0 {
		t.Errorf("remaining = %v, want 0", st.Remaining)
	}
	if h.store.grants[grant.ID].Status != models.GrantStatusExpired {
		t.Error("stored grant not expired")
	}
	if !h.audits.hasSubType("expired") {
		t.Error("expiry not audited")
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	h := newManagerHarness(t)
	if _, err := h.mgr.GetStatus(context.Background(), uuid.New()); !errdefs.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	grant, err := h.mgr.Activate(ctx, h.approvedRequest(4))
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	if err := h.mgr.Revoke(ctx, grant.ID, models.Actor{ID: "peer", Role: models.RoleStaff}, "because"); !errdefs.IsAuthorization(err) {
		t.Errorf("non-admin revoke: expected authorization error, got %v", err)
	}
	if err := h.mgr.Revoke(ctx, grant.ID, grantAdmin, ""); !errdefs.IsValidation(err) {
		t.Errorf("empty reason: expected validation error, got %v", err)
	}
	if err := h.mgr.Revoke(ctx, uuid.New(), grantAdmin, "cleanup"); !errdefs.IsNotFound(err) {
		t.Errorf("unknown grant: expected not found, got %v", err)
	}

	if err := h.mgr.Revoke(ctx, grant.ID, grantAdmin, "credentials compromised"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	stored := h.store.grants[grant.ID]
	if stored.Status != models.GrantStatusRevoked {
		t.Errorf("status = %s, want revoked", stored.Status)
	}
	if stored.RevokedBy != grantAdmin.ID || stored.RevokeReason == "" {
		t.Error("revocation metadata not recorded")
	}
	if len(h.cache.invalidation) == 0 {
		t.Error("revocation must invalidate the status cache")
	}

	if err := h.mgr.Revoke(ctx, grant.ID, grantAdmin, "again"); !errdefs.IsConflict(err) {
		t.Errorf("double revoke: expected conflict, got %v", err)
	}
}

func TestHandleRoleChange(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	// A second segment open to every role.
	openID := uuid.New()
	h.store.segments[openID] = &models.ResourceSegment{
		ID:           openID,
		Name:         "wiki",
		ResourceType: "docs",
		AllowedRoles: []string{"faculty", "staff", "student"},
		IsActive:     true,
	}

	restricted, err := h.mgr.Activate(ctx, h.approvedRequest(4))
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	openReq := h.approvedRequest(4)
	openReq.SegmentID = openID
	open, err := h.mgr.Activate(ctx, openReq)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	if _, err := h.mgr.HandleRoleChange(ctx, "subject-1", models.RoleStaff,
		models.Actor{ID: "peer", Role: models.RoleStaff}); !errdefs.IsAuthorization(err) {
		t.Errorf("non-admin change: expected authorization error, got %v", err)
	}

	// subject-1 drops from faculty to staff: the database segment no longer
	// allows them, the wiki segment still does.
	n, err := h.mgr.HandleRoleChange(ctx, "subject-1", models.RoleStaff, grantAdmin)
	if err != nil {
		t.Fatalf("role change failed: %v", err)
	}
	if n != 1 {
		t.Errorf("revoked %d grants, want 1", n)
	}
	if h.store.grants[restricted.ID].Status != models.GrantStatusRevoked {
		t.Error("restricted-segment grant not revoked")
	}
	if h.store.grants[open.ID].Status != models.GrantStatusActive {
		t.Error("still-permitted grant must stay active")
	}
}

func TestSweepExpired(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	overdue, err := h.mgr.Activate(ctx, h.approvedRequest(1))
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	fresh, err := h.mgr.Activate(ctx, h.approvedRequest(8))
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	h.now = h.now.Add(2 * time.Hour)

	n, err := h.mgr.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d grants, want 1", n)
	}
	if h.store.grants[overdue.ID].Status != models.GrantStatusExpired {
		t.Error("overdue grant not expired")
	}
	if h.store.grants[fresh.ID].Status != models.GrantStatusActive {
		t.Error("fresh grant must stay active")
	}
	if len(h.cache.invalidation) != 1 || h.cache.invalidation[0] != overdue.ID {
		t.Errorf("cache invalidations = %v, want [%s]", h.cache.invalidation, overdue.ID)
	}

	// Second sweep over the same instant finds nothing.
	n, err = h.mgr.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep expired %d grants, want 0", n)
	}
}
