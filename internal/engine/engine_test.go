package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/audit"
	"github.com/sentinelsec/gatewarden/internal/decision"
	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/policy"
	"github.com/sentinelsec/gatewarden/internal/scoring"
)

type fakeEngineStore struct {
	segments map[uuid.UUID]*models.ResourceSegment
	requests map[uuid.UUID]*models.AccessRequest
}

func newFakeEngineStore() *fakeEngineStore {
	return &fakeEngineStore{
		segments: make(map[uuid.UUID]*models.ResourceSegment),
		requests: make(map[uuid.UUID]*models.AccessRequest),
	}
}

func (s *fakeEngineStore) GetSegment(ctx context.Context, id uuid.UUID) (*models.ResourceSegment, error) {
	return s.segments[id], nil
}

func (s *fakeEngineStore) CreateAccessRequest(ctx context.Context, req *models.AccessRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Version = 1
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *fakeEngineStore) UpdateAccessRequestCAS(ctx context.Context, req *models.AccessRequest) (bool, error) {
	stored, ok := s.requests[req.ID]
	if !ok || stored.Version != req.Version {
		return false, nil
	}
	req.Version++
	cp := *req
	s.requests[req.ID] = &cp
	return true, nil
}

type fakePolicyStore struct {
	policies []models.Policy
}

func (s *fakePolicyStore) GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	for i := range s.policies {
		if s.policies[i].ID == id {
			return &s.policies[i], nil
		}
	}
	return nil, nil
}

func (s *fakePolicyStore) ListPolicies(ctx context.Context, activeOnly bool) ([]models.Policy, error) {
	return s.policies, nil
}

func (s *fakePolicyStore) CreatePolicy(ctx context.Context, p *models.Policy) error {
	s.policies = append(s.policies, *p)
	return nil
}

func (s *fakePolicyStore) UpdatePolicy(ctx context.Context, p *models.Policy) error { return nil }

func (s *fakePolicyStore) DeactivatePolicy(ctx context.Context, id uuid.UUID) error { return nil }

type auditLog struct {
	records []*models.AuditRecord
}

func (l *auditLog) AppendAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	cp := *rec
	l.records = append(l.records, &cp)
	return nil
}

func (l *auditLog) GetAuditRecord(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	for _, rec := range l.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (l *auditLog) ListAuditRecords(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error) {
	out := make([]models.AuditRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	return out, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeEngineStore, *auditLog) {
	t.Helper()

	st := newFakeEngineStore()
	audits := &auditLog{}
	eng := New(Deps{
		Store:    st,
		Scorer:   scoring.NewEngine(scoring.NeutralProviders(), nil),
		Decider:  decision.NewEngine(decision.Thresholds{}),
		Policies: policy.NewEngine(&fakePolicyStore{}),
		Audit:    audit.NewService("test-secret", 256, audits, nil),
	})
	return eng, st, audits
}

func TestEvaluate_Validation(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	actor := models.Actor{ID: "subject-1", Role: models.RoleFaculty}

	segID := uuid.New()
	st.segments[segID] = &models.ResourceSegment{ID: segID, ResourceType: "database", IsActive: true}

	if _, err := eng.Evaluate(ctx, actor, EvaluateRequest{SegmentID: segID, DurationHours: 1}); !errdefs.IsValidation(err) {
		t.Errorf("empty justification: expected validation error, got %v", err)
	}
	if _, err := eng.Evaluate(ctx, actor, EvaluateRequest{SegmentID: segID, Justification: "x", DurationHours: 0}); !errdefs.IsValidation(err) {
		t.Errorf("zero duration: expected validation error, got %v", err)
	}
}

func TestEvaluate_UnknownSegmentNotFound(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.Evaluate(context.Background(), models.Actor{ID: "subject-1", Role: models.RoleFaculty},
		EvaluateRequest{SegmentID: uuid.New(), Justification: "routine maintenance", DurationHours: 1})
	if !errdefs.IsNotFound(err) {
		t.Fatalf("unknown segment: expected not found, got %v", err)
	}
}

func TestEvaluate_NoPolicyDenies(t *testing.T) {
	eng, st, audits := newTestEngine(t)
	ctx := context.Background()

	segID := uuid.New()
	st.segments[segID] = &models.ResourceSegment{
		ID:           segID,
		Name:         "prod-db",
		ResourceType: "database",
		AllowedRoles: models.StringArray{"faculty"},
		IsActive:     true,
	}

	result, err := eng.Evaluate(ctx, models.Actor{ID: "subject-1", Role: models.RoleFaculty},
		EvaluateRequest{SegmentID: segID, Justification: "routine maintenance", DurationHours: 1})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if result.Decision != models.DecisionDenied {
		t.Errorf("decision = %s, want denied", result.Decision)
	}
	if result.Reason == "" {
		t.Error("denial must carry a reason")
	}
	if len(audits.records) == 0 {
		t.Error("evaluation not audited")
	}
}
