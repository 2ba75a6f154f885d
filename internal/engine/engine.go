package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/audit"
	"github.com/sentinelsec/gatewarden/internal/decision"
	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/grants"
	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/policy"
	"github.com/sentinelsec/gatewarden/internal/scoring"
	"github.com/sentinelsec/gatewarden/internal/store"
	"github.com/sentinelsec/gatewarden/internal/workflow"
)

// Store is the persistence Evaluate touches directly. The full sqlx store
// satisfies it.
type Store interface {
	GetSegment(ctx context.Context, id uuid.UUID) (*models.ResourceSegment, error)
	CreateAccessRequest(ctx context.Context, req *models.AccessRequest) error
	UpdateAccessRequestCAS(ctx context.Context, req *models.AccessRequest) (bool, error)
}

// Engine is the access decision facade. It runs policy matching, confidence
// scoring, and threshold evaluation, then routes the outcome to the right
// lifecycle: instant grant, approval workflow, or denial.
type Engine struct {
	store     Store
	scorer    *scoring.Engine
	decider   *decision.Engine
	policies  *policy.Engine
	workflow  *workflow.Workflow
	emergency *workflow.Emergency
	grants    *grants.Manager
	audit     *audit.Service
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

type Deps struct {
	Store     Store
	Scorer    *scoring.Engine
	Decider   *decision.Engine
	Policies  *policy.Engine
	Workflow  *workflow.Workflow
	Emergency *workflow.Emergency
	Grants    *grants.Manager
	Audit     *audit.Service
	Logger    *slog.Logger
}

func New(deps Deps, opts ...Option) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     deps.Store,
		scorer:    deps.Scorer,
		decider:   deps.Decider,
		policies:  deps.Policies,
		workflow:  deps.Workflow,
		emergency: deps.Emergency,
		grants:    deps.Grants,
		audit:     deps.Audit,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateRequest is one access evaluation.
type EvaluateRequest struct {
	SegmentID      uuid.UUID         `json:"segment_id"`
	Department     string            `json:"department,omitempty"`
	DeviceID       string            `json:"device_id,omitempty"`
	Justification  string            `json:"justification"`
	DurationHours  float64           `json:"duration_hours"`
	SessionContext map[string]string `json:"session_context,omitempty"`
}

// EvaluateResult is the decision plus whatever the decision produced: a
// grant for instant approvals, a pending request for the approval path.
type EvaluateResult struct {
	Decision  models.Decision       `json:"decision"`
	Reason    string                `json:"reason"`
	MFA       bool                  `json:"mfa_required"`
	Score     float64               `json:"score"`
	Breakdown map[string]float64    `json:"breakdown"`
	Grant     *models.Grant         `json:"grant,omitempty"`
	Request   *models.AccessRequest `json:"request,omitempty"`
}

// Evaluate runs the full decision pipeline for one access request.
func (e *Engine) Evaluate(ctx context.Context, actor models.Actor, req EvaluateRequest) (*EvaluateResult, error) {
	if req.Justification == "" {
		return nil, errdefs.Validationf("justification is required")
	}
	if req.DurationHours <= 0 {
		return nil, errdefs.Validationf("duration must be positive, got %v hours", req.DurationHours)
	}

	segment, err := e.store.GetSegment(ctx, req.SegmentID)
	if err != nil {
		return nil, errdefs.Upstreamf("loading segment: %v", err)
	}
	if segment == nil {
		return nil, errdefs.NotFoundf("resource segment %s", req.SegmentID)
	}

	now := e.now()

	matched, err := e.policies.Match(ctx, segment.ResourceType, actor.Role, now)
	if err != nil {
		return nil, err
	}

	input := scoring.Input{
		SubjectID:      actor.ID,
		Role:           actor.Role,
		Department:     req.Department,
		DeviceID:       req.DeviceID,
		Segment:        segment,
		Justification:  req.Justification,
		Timestamp:      now,
		SessionContext: req.SessionContext,
	}

	var score scoring.Result
	if segment.RequiresJIT {
		score = e.scorer.ScoreJIT(ctx, input)
	} else {
		score = e.scorer.ScoreStandard(ctx, input)
	}

	var rule *models.PolicyRule
	if matched != nil {
		rule = matched.Rule
	}
	outcome := e.decider.Decide(score, rule, segment)

	result := &EvaluateResult{
		Decision:  outcome.Decision,
		Reason:    outcome.Reason,
		MFA:       outcome.MFA,
		Score:     score.Score,
		Breakdown: score.Breakdown,
	}

	e.auditDecision(ctx, actor, req.SegmentID, outcome, score)

	switch outcome.Decision {
	case models.DecisionGranted, models.DecisionGrantedWithMFA:
		accessReq := &models.AccessRequest{
			SubjectID:     actor.ID,
			SegmentID:     req.SegmentID,
			Justification: req.Justification,
			DurationHours: req.DurationHours,
			RequestedAt:   now,
			Status:        models.RequestStatusApproved,
			Approvals:     models.ApprovalList{},
			Denials:       models.ApprovalList{},
		}
		expiresAt := now.Add(time.Duration(req.DurationHours * float64(time.Hour)))
		accessReq.ExpiresAt = &expiresAt

		if err := e.store.CreateAccessRequest(ctx, accessReq); err != nil {
			return nil, errdefs.Upstreamf("recording auto-approved request: %v", err)
		}
		grant, err := e.grants.Activate(ctx, accessReq)
		if err != nil {
			return nil, fmt.Errorf("activating auto-approved grant: %w", err)
		}
		accessReq.GrantID = &grant.ID
		if _, err := e.store.UpdateAccessRequestCAS(ctx, accessReq); err != nil {
			e.logger.Warn("failed to record grant id on auto-approved request",
				"request_id", accessReq.ID, "error", err)
		}
		result.Grant = grant
		result.Request = accessReq

	case models.DecisionPendingApproval:
		pending, err := e.workflow.Submit(ctx, actor, req.SegmentID, req.Justification, req.DurationHours)
		if err != nil {
			return nil, err
		}
		result.Request = pending
	}

	return result, nil
}

func (e *Engine) auditDecision(ctx context.Context, actor models.Actor, segmentID uuid.UUID, outcome decision.Outcome, score scoring.Result) {
	breakdown := make(models.JSONB, len(score.Breakdown))
	for k, v := range score.Breakdown {
		breakdown[k] = v
	}
	severity := models.SeverityInfo
	if outcome.Decision == models.DecisionDenied {
		severity = models.SeverityMedium
	}
	rec := &models.AuditRecord{
		EventType: models.AuditEventDecision,
		SubType:   string(outcome.Decision),
		SubjectID: actor.ID,
		Action:    "evaluate",
		Result:    string(outcome.Decision),
		Severity:  severity,
		Details: models.JSONB{
			"segment_id": segmentID.String(),
			"role":       string(actor.Role),
			"score":      score.Score,
			"breakdown":  breakdown,
			"reason":     outcome.Reason,
		},
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		e.logger.Error("failed to append decision audit record", "error", err)
	}
}

// SubmitApprovalRequest creates a pending dual-approval request directly,
// bypassing evaluation. Used when a caller knows approval is required.
func (e *Engine) SubmitApprovalRequest(ctx context.Context, actor models.Actor, segmentID uuid.UUID, justification string, durationHours float64) (*models.AccessRequest, error) {
	return e.workflow.Submit(ctx, actor, segmentID, justification, durationHours)
}

// RecordApprovalDecision applies one approver's decision to a pending
// request.
func (e *Engine) RecordApprovalDecision(ctx context.Context, requestID uuid.UUID, approver models.Actor, dec models.ApprovalDecision, comments string) (*workflow.DecisionStatus, error) {
	return e.workflow.RecordDecision(ctx, requestID, approver, dec, comments)
}

// CancelRequest withdraws a pending request.
func (e *Engine) CancelRequest(ctx context.Context, requestID uuid.UUID, actor models.Actor) error {
	return e.workflow.Cancel(ctx, requestID, actor)
}

// GetRequest returns one access request with a lazy timeout check applied.
func (e *Engine) GetRequest(ctx context.Context, requestID uuid.UUID) (*models.AccessRequest, error) {
	return e.workflow.CheckTimeout(ctx, requestID)
}

// SubmitEmergencyRequest opens a break-glass request.
func (e *Engine) SubmitEmergencyRequest(ctx context.Context, actor models.Actor, req workflow.SubmitRequest) (*models.EmergencyRequest, error) {
	return e.emergency.Submit(ctx, actor, req)
}

// ProcessEmergencyApproval applies one approver's decision to a break-glass
// request.
func (e *Engine) ProcessEmergencyApproval(ctx context.Context, requestID uuid.UUID, approver models.Actor, dec models.ApprovalDecision, comments string) (*workflow.EmergencyDecisionStatus, error) {
	return e.emergency.ProcessApproval(ctx, requestID, approver, dec, comments)
}

// GetGrantStatus returns the point-in-time status of a grant.
func (e *Engine) GetGrantStatus(ctx context.Context, grantID uuid.UUID) (*grants.Status, error) {
	return e.grants.GetStatus(ctx, grantID)
}

// RevokeGrant terminates a grant early.
func (e *Engine) RevokeGrant(ctx context.Context, grantID uuid.UUID, actor models.Actor, reason string) error {
	return e.grants.Revoke(ctx, grantID, actor, reason)
}

// VerifyAuditRecord checks one audit record's integrity hash.
func (e *Engine) VerifyAuditRecord(ctx context.Context, id uuid.UUID) error {
	return e.audit.Verify(ctx, id)
}

// VerifyAuditTrail checks every audit record in a window and reports which
// failed.
func (e *Engine) VerifyAuditTrail(ctx context.Context, start, end time.Time) (*audit.BatchResult, error) {
	return e.audit.BatchVerify(ctx, start, end)
}

// StoreHistoryProvider adapts the request store to the scoring engine's
// history interface.
type StoreHistoryProvider struct {
	Store  *store.Store
	Window time.Duration
}

func (p *StoreHistoryProvider) GetHistory(ctx context.Context, subjectID string) (*scoring.HistorySummary, error) {
	window := p.Window
	if window == 0 {
		window = 30 * 24 * time.Hour
	}
	counts, err := p.Store.GetRequestHistory(ctx, subjectID, window)
	if err != nil {
		return nil, err
	}
	return &scoring.HistorySummary{
		TotalRequests:    counts.Total,
		ApprovedRequests: counts.Approved,
		DeniedRequests:   counts.Denied,
		RecentDenials:    counts.RecentDenials,
		RequestsLastHour: counts.LastHour,
	}, nil
}
