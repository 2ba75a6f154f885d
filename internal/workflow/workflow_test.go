package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/audit"
	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

type fakeRequestStore struct {
	requests map[uuid.UUID]*models.AccessRequest
	segments map[uuid.UUID]*models.ResourceSegment
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{
		requests: make(map[uuid.UUID]*models.AccessRequest),
		segments: make(map[uuid.UUID]*models.ResourceSegment),
	}
}

func (s *fakeRequestStore) addSegment(seg *models.ResourceSegment) uuid.UUID {
	if seg.ID == uuid.Nil {
		seg.ID = uuid.New()
	}
	s.segments[seg.ID] = seg
	return seg.ID
}

func copyRequest(req *models.AccessRequest) *models.AccessRequest {
	cp := *req
	cp.Approvals = append(models.ApprovalList{}, req.Approvals...)
	cp.Denials = append(models.ApprovalList{}, req.Denials...)
	return &cp
}

func (s *fakeRequestStore) CreateAccessRequest(ctx context.Context, req *models.AccessRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Version = 1
	s.requests[req.ID] = copyRequest(req)
	return nil
}

func (s *fakeRequestStore) GetAccessRequest(ctx context.Context, id uuid.UUID) (*models.AccessRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return copyRequest(req), nil
}

func (s *fakeRequestStore) UpdateAccessRequestCAS(ctx context.Context, req *models.AccessRequest) (bool, error) {
	stored, ok := s.requests[req.ID]
	if !ok || stored.Version != req.Version {
		return false, nil
	}
	req.Version++
	s.requests[req.ID] = copyRequest(req)
	return true, nil
}

func (s *fakeRequestStore) GetSegment(ctx context.Context, id uuid.UUID) (*models.ResourceSegment, error) {
	return s.segments[id], nil
}

func (s *fakeRequestStore) ExpirePendingRequests(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, req := range s.requests {
		if req.Status == models.RequestStatusPending && req.RequestedAt.Before(cutoff) {
			req.Status = models.RequestStatusExpired
			req.Version++
			ids = append(ids, req.ID)
		}
	}
	return ids, nil
}

type auditMemStore struct {
	records []*models.AuditRecord
}

func (s *auditMemStore) AppendAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *auditMemStore) GetAuditRecord(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *auditMemStore) ListAuditRecords(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error) {
	out := make([]models.AuditRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *auditMemStore) hasSubType(subType string) bool {
	for _, rec := range s.records {
		if rec.SubType == subType {
			return true
		}
	}
	return false
}

type recordingNotifier struct {
	sent []string
}

func (n *recordingNotifier) Notify(ctx context.Context, subjectID, title, message string, priority models.Severity, data map[string]interface{}) error {
	n.sent = append(n.sent, title)
	return nil
}

func (n *recordingNotifier) Broadcast(ctx context.Context, title, message string, priority models.Severity, data map[string]interface{}) error {
	n.sent = append(n.sent, title)
	return nil
}

type testHarness struct {
	wf        *Workflow
	store     *fakeRequestStore
	audits    *auditMemStore
	notifier  *recordingNotifier
	segmentID uuid.UUID
	activated []*models.AccessRequest
	now       time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		store:    newFakeRequestStore(),
		audits:   &auditMemStore{},
		notifier: &recordingNotifier{},
		now:      time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
	h.segmentID = h.store.addSegment(&models.ResourceSegment{
		Name:                 "prod-db",
		ResourceType:         "database",
		SecurityLevel:        4,
		AllowedRoles:         []string{"faculty", "admin"},
		RequiresDualApproval: true,
		MaxAccessDurationHrs: 8,
		IsActive:             true,
	})

	activate := func(ctx context.Context, req *models.AccessRequest) (*models.Grant, error) {
		h.activated = append(h.activated, req)
		return &models.Grant{
			ID:        uuid.New(),
			RequestID: req.ID,
			SubjectID: req.SubjectID,
			SegmentID: req.SegmentID,
			Status:    models.GrantStatusActive,
			ExpiresAt: *req.ExpiresAt,
		}, nil
	}

	auditSvc := audit.NewService("test-secret", 256, h.audits, nil)
	h.wf = New(Config{}, h.store, auditSvc, h.notifier, activate, nil,
		WithClock(func() time.Time { return h.now }))
	return h
}

func (h *testHarness) submit(t *testing.T) *models.AccessRequest {
	t.Helper()
	req, err := h.wf.Submit(context.Background(), models.Actor{ID: "requester", Role: models.RoleFaculty},
		h.segmentID, "Deploy ticket OPS-100 needs schema access", 4)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return req
}

var (
	approver1 = models.Actor{ID: "approver-1", Role: models.RoleAdmin}
	approver2 = models.Actor{ID: "approver-2", Role: models.RoleAdmin}
)

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	actor := models.Actor{ID: "requester", Role: models.RoleFaculty}

	if _, err := h.wf.Submit(ctx, actor, h.segmentID, "", 4); !errdefs.IsValidation(err) {
		t.Errorf("empty justification: expected validation error, got %v", err)
	}
	if _, err := h.wf.Submit(ctx, actor, h.segmentID, "reasons", 0); !errdefs.IsValidation(err) {
		t.Errorf("zero duration: expected validation error, got %v", err)
	}
	if _, err := h.wf.Submit(ctx, actor, h.segmentID, "reasons", 24); !errdefs.IsValidation(err) {
		t.Errorf("duration above segment cap: expected validation error, got %v", err)
	}
	if _, err := h.wf.Submit(ctx, actor, uuid.New(), "reasons", 4); !errdefs.IsNotFound(err) {
		t.Errorf("unknown segment: expected not found, got %v", err)
	}
}

func TestSubmit_CreatesPendingWithQuorum(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)

	if req.Status != models.RequestStatusPending {
		t.Errorf("status = %v, want pending", req.Status)
	}
	if req.RequiredApprovals != 2 {
		t.Errorf("required approvals = %d, want 2", req.RequiredApprovals)
	}
	if !h.audits.hasSubType("submitted") {
		t.Error("no audit record for submission")
	}
}

func TestRecordDecision_QuorumActivatesOnce(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)
	ctx := context.Background()

	status, err := h.wf.RecordDecision(ctx, req.ID, approver1, models.ApprovalApprove, "lgtm")
	if err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	if status.Status != models.RequestStatusPending {
		t.Errorf("after one approval status = %v, want pending", status.Status)
	}
	if status.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", status.Remaining)
	}
	if len(h.activated) != 0 {
		t.Fatal("grant activated before quorum")
	}

	status, err = h.wf.RecordDecision(ctx, req.ID, approver2, models.ApprovalApprove, "ok")
	if err != nil {
		t.Fatalf("second approval failed: %v", err)
	}
	if status.Status != models.RequestStatusApproved {
		t.Errorf("after quorum status = %v, want approved", status.Status)
	}
	if status.GrantID == nil {
		t.Fatal("quorum response missing grant id")
	}
	if len(h.activated) != 1 {
		t.Fatalf("activation count = %d, want exactly 1", len(h.activated))
	}

	stored, _ := h.store.GetAccessRequest(ctx, req.ID)
	if stored.GrantID == nil || *stored.GrantID != *status.GrantID {
		t.Error("grant id not recorded on the request")
	}
	if stored.ExpiresAt == nil {
		t.Fatal("approved request missing expiry")
	}
	wantExpiry := h.now.Add(4 * time.Hour)
	if !stored.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", stored.ExpiresAt, wantExpiry)
	}
}

func TestRecordDecision_DuplicateApproverConflict(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)
	ctx := context.Background()

	if _, err := h.wf.RecordDecision(ctx, req.ID, approver1, models.ApprovalApprove, ""); err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	if _, err := h.wf.RecordDecision(ctx, req.ID, approver1, models.ApprovalApprove, ""); !errdefs.IsConflict(err) {
		t.Errorf("duplicate approval: expected conflict, got %v", err)
	}
	if len(h.activated) != 0 {
		t.Error("duplicate approver must not reach quorum")
	}
}

func TestRecordDecision_SingleDenyTerminal(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)
	ctx := context.Background()

	status, err := h.wf.RecordDecision(ctx, req.ID, approver1, models.ApprovalDeny, "not justified")
	if err != nil {
		t.Fatalf("deny failed: %v", err)
	}
	if status.Status != models.RequestStatusDenied {
		t.Errorf("status = %v, want denied", status.Status)
	}

	// The request is terminal; a later approval is a conflict.
	if _, err := h.wf.RecordDecision(ctx, req.ID, approver2, models.ApprovalApprove, ""); !errdefs.IsConflict(err) {
		t.Errorf("decision on denied request: expected conflict, got %v", err)
	}
	if len(h.activated) != 0 {
		t.Error("denied request must never activate a grant")
	}
}

func TestRecordDecision_SelfApprovalRejected(t *testing.T) {
	h := newHarness(t)

	// Requester is an admin so the role gate passes and the self-approval
	// check is what rejects.
	requester := models.Actor{ID: "admin-requester", Role: models.RoleAdmin}
	req, err := h.wf.Submit(context.Background(), requester, h.segmentID, "maintenance window prep", 2)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := h.wf.RecordDecision(context.Background(), req.ID, requester, models.ApprovalApprove, ""); !errdefs.IsAuthorization(err) {
		t.Errorf("self approval: expected authorization error, got %v", err)
	}
}

func TestRecordDecision_NonAdminRejectedAndAudited(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)

	_, err := h.wf.RecordDecision(context.Background(), req.ID,
		models.Actor{ID: "peer", Role: models.RoleStaff}, models.ApprovalApprove, "")
	if !errdefs.IsAuthorization(err) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if !h.audits.hasSubType("unauthorized_approval") {
		t.Error("unauthorized approval attempt not audited")
	}
}

func TestRecordDecision_InvalidDecision(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)

	if _, err := h.wf.RecordDecision(context.Background(), req.ID, approver1, "maybe", ""); !errdefs.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRecordDecision_LazyTimeout(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)

	h.now = h.now.Add(31 * time.Minute)

	_, err := h.wf.RecordDecision(context.Background(), req.ID, approver1, models.ApprovalApprove, "")
	if !errdefs.IsConflict(err) {
		t.Fatalf("expected conflict on expired request, got %v", err)
	}

	stored, _ := h.store.GetAccessRequest(context.Background(), req.ID)
	if stored.Status != models.RequestStatusExpired {
		t.Errorf("status = %v, want expired", stored.Status)
	}
	if !h.audits.hasSubType("expired") {
		t.Error("expiry not audited")
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)
	ctx := context.Background()

	if err := h.wf.Cancel(ctx, req.ID, models.Actor{ID: "stranger", Role: models.RoleStaff}); !errdefs.IsAuthorization(err) {
		t.Errorf("stranger cancel: expected authorization error, got %v", err)
	}

	if err := h.wf.Cancel(ctx, req.ID, models.Actor{ID: "requester", Role: models.RoleFaculty}); err != nil {
		t.Fatalf("requester cancel failed: %v", err)
	}

	stored, _ := h.store.GetAccessRequest(ctx, req.ID)
	if stored.Status != models.RequestStatusCancelled {
		t.Errorf("status = %v, want cancelled", stored.Status)
	}

	if err := h.wf.Cancel(ctx, req.ID, models.Actor{ID: "requester", Role: models.RoleFaculty}); !errdefs.IsConflict(err) {
		t.Errorf("cancel of cancelled request: expected conflict, got %v", err)
	}
}

func TestCheckTimeout(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t)
	ctx := context.Background()

	got, err := h.wf.CheckTimeout(ctx, req.ID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if got.Status != models.RequestStatusPending {
		t.Errorf("fresh request status = %v, want pending", got.Status)
	}

	h.now = h.now.Add(time.Hour)
	got, err = h.wf.CheckTimeout(ctx, req.ID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if got.Status != models.RequestStatusExpired {
		t.Errorf("overdue request status = %v, want expired", got.Status)
	}
}

func TestSweepTimeouts(t *testing.T) {
	h := newHarness(t)
	fresh := h.submit(t)

	h.now = h.now.Add(-2 * time.Hour)
	stale, err := h.wf.Submit(context.Background(), models.Actor{ID: "requester", Role: models.RoleFaculty},
		h.segmentID, "old request that should expire", 1)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	h.now = h.now.Add(2 * time.Hour)

	n, err := h.wf.SweepTimeouts(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d requests, want 1", n)
	}

	storedStale, _ := h.store.GetAccessRequest(context.Background(), stale.ID)
	if storedStale.Status != models.RequestStatusExpired {
		t.Errorf("stale status = %v, want expired", storedStale.Status)
	}
	storedFresh, _ := h.store.GetAccessRequest(context.Background(), fresh.ID)
	if storedFresh.Status != models.RequestStatusPending {
		t.Errorf("fresh status = %v, want pending", storedFresh.Status)
	}
}
