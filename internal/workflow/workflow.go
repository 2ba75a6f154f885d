package workflow

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

// RequestStore is the persistence the dual-approval workflow needs. The CAS
// update must apply the whole approval snapshot atomically against the
// version the workflow read; see internal/store.
type RequestStore interface {
	CreateAccessRequest(ctx context.Context, req *models.AccessRequest) error
	GetAccessRequest(ctx context.Context, id uuid.UUID) (*models.AccessRequest, error)
	UpdateAccessRequestCAS(ctx context.Context, req *models.AccessRequest) (bool, error)
	GetSegment(ctx context.Context, id uuid.UUID) (*models.ResourceSegment, error)
	ExpirePendingRequests(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// ActivateFunc creates the grant when a request reaches quorum. The workflow
// guarantees it is invoked at most once per request.
type ActivateFunc func(ctx context.Context, req *models.AccessRequest) (*models.Grant, error)

// Notifier delivers fire-and-forget notifications. Failures are logged and
// never block a decision.
type Notifier interface {
	Notify(ctx context.Context, subjectID, title, message string, priority models.Severity, data map[string]interface{}) error
}

// Config tunes the workflow.
type Config struct {
	ApprovalTimeout   time.Duration
	RequiredApprovals int
	MaxRetries        int
	RetryBackoff      time.Duration
}

func (c *Config) applyDefaults() {
	if c.ApprovalTimeout == 0 {
		c.ApprovalTimeout = 30 * time.Minute
	}
	if c.RequiredApprovals == 0 {
		c.RequiredApprovals = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

// Workflow is the generic dual-approval state machine:
// pending -> {approved, denied, expired}; approved activates a grant.
type Workflow struct {
	cfg      Config
	store    RequestStore
	audit    *audit.Service
	notifier Notifier
	activate ActivateFunc
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Workflow)

// WithClock injects a clock for deterministic timeout tests.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

func New(cfg Config, store RequestStore, auditSvc *audit.Service, notifier Notifier, activate ActivateFunc, logger *slog.Logger, opts ...Option) *Workflow {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workflow{
		cfg:      cfg,
		store:    store,
		audit:    auditSvc,
		notifier: notifier,
		activate: activate,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit validates and creates a pending request. The approval timeout runs
// from RequestedAt; there is no per-request timer, timeouts are evaluated
// lazily and by the sweep.
func (w *Workflow) Submit(ctx context.Context, actor models.Actor, segmentID uuid.UUID, justification string, durationHours float64) (*models.AccessRequest, error) {
	if justification == "" {
		return nil, errdefs.Validationf("justification is required")
	}
	if durationHours <= 0 {
		return nil, errdefs.Validationf("duration must be positive, got %v hours", durationHours)
	}

	segment, err := w.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, errdefs.Upstreamf("loading segment: %v", err)
	}
	if segment == nil || !segment.IsActive {
		return nil, errdefs.NotFoundf("resource segment %s", segmentID)
	}
	if segment.MaxAccessDurationHrs > 0 && durationHours > segment.MaxAccessDurationHrs {
		return nil, errdefs.Validationf("duration %v exceeds segment maximum %v hours",
			durationHours, segment.MaxAccessDurationHrs)
	}

	req := &models.AccessRequest{
		SubjectID:         actor.ID,
		SegmentID:         segmentID,
		Justification:     justification,
		DurationHours:     durationHours,
		RequestedAt:       w.now(),
		Status:            models.RequestStatusPending,
		Approvals:         models.ApprovalList{},
		Denials:           models.ApprovalList{},
		RequiredApprovals: w.cfg.RequiredApprovals,
	}
	if err := w.store.CreateAccessRequest(ctx, req); err != nil {
		return nil, errdefs.Upstreamf("creating access request: %v", err)
	}

	w.auditEvent(ctx, models.AuditEventApproval, "submitted", actor.ID, "submit_request", "pending", models.SeverityInfo, models.JSONB{
		"request_id": req.ID.String(),
		"segment_id": segmentID.String(),
		"duration_hours": durationHours,
	})

	w.notify(ctx, actor.ID, "Access request submitted",
		fmt.Sprintf("Request for segment %q awaits %d approvals", segment.Name, req.RequiredApprovals),
		models.SeverityInfo, map[string]interface{}{"request_id": req.ID.String()})

	return req, nil
}

// DecisionStatus reports the state after a recorded decision. Pending
// responses always include the remaining-approvals count.
type DecisionStatus struct {
	Status            models.RequestStatus `json:"status"`
	ApprovalsReceived int                  `json:"approvals_received"`
	ApprovalsRequired int                  `json:"approvals_required"`
	Remaining         int                  `json:"remaining"`
	GrantID           *uuid.UUID           `json:"grant_id,omitempty"`
}

// RecordDecision applies one approver's decision. Duplicate decisions are
// rejected with a conflict; a single deny is terminal; quorum of distinct
// approvers activates the grant exactly once. Version conflicts retry
// against a fresh snapshot, so the duplicate and quorum checks always see
// the state being written.
func (w *Workflow) RecordDecision(ctx context.Context, requestID uuid.UUID, approver models.Actor, decision models.ApprovalDecision, comments string) (*DecisionStatus, error) {
	if decision != models.ApprovalApprove && decision != models.ApprovalDeny {
		return nil, errdefs.Validationf("decision must be approve or deny, got %q", decision)
	}
	if !approver.IsAdmin() {
		w.auditEvent(ctx, models.AuditEventSecurity, "unauthorized_approval", approver.ID,
			"record_decision", "rejected", models.SeverityHigh, models.JSONB{
				"request_id": requestID.String(),
				"role":       string(approver.Role),
			})
		return nil, errdefs.Authorizationf("actor %s (role %s) may not approve requests", approver.ID, approver.Role)
	}

	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.cfg.RetryBackoff * time.Duration(attempt))
		}

		status, err := w.tryRecordDecision(ctx, requestID, approver, decision, comments)
		if err == errRetry {
			lastErr = errdefs.Conflictf("concurrent update on request %s", requestID)
			continue
		}
		return status, err
	}
	return nil, lastErr
}

// errRetry signals a CAS conflict inside tryRecordDecision.
var errRetry = fmt.Errorf("cas conflict")

func (w *Workflow) tryRecordDecision(ctx context.Context, requestID uuid.UUID, approver models.Actor, decision models.ApprovalDecision, comments string) (*DecisionStatus, error) {
	req, err := w.store.GetAccessRequest(ctx, requestID)
	if err != nil {
		return nil, errdefs.Upstreamf("loading request: %v", err)
	}
	if req == nil {
		return nil, errdefs.NotFoundf("access request %s", requestID)
	}

	// Lazy timeout: an overdue pending request expires before any decision
	// can be recorded on it.
	if req.Status == models.RequestStatusPending && w.isTimedOut(req) {
		req.Status = models.RequestStatusExpired
		if ok, err := w.store.UpdateAccessRequestCAS(ctx, req); err != nil {
			return nil, errdefs.Upstreamf("expiring request: %v", err)
		} else if !ok {
			return nil, errRetry
		}
		w.auditEvent(ctx, models.AuditEventApproval, "expired", req.SubjectID,
			"approval_timeout", "expired", models.SeverityMedium, models.JSONB{
				"request_id": req.ID.String(),
			})
		return nil, errdefs.Conflictf("request %s expired before a decision was recorded", requestID)
	}

	if req.Status != models.RequestStatusPending {
		return nil, errdefs.Conflictf("request %s is %s, no further decisions accepted", requestID, req.Status)
	}

	if approver.ID == req.SubjectID {
		return nil, errdefs.Authorizationf("requester %s may not approve their own request", approver.ID)
	}
	if req.Approvals.Contains(approver.ID) || req.Denials.Contains(approver.ID) {
		return nil, errdefs.Conflictf("approver %s already recorded a decision on request %s", approver.ID, requestID)
	}

	entry := models.ApprovalEntry{
		ApproverID:   approver.ID,
		ApproverRole: approver.Role,
		Decision:     decision,
		Timestamp:    w.now(),
		Comments:     comments,
	}

	if decision == models.ApprovalDeny {
		// A single denial is terminal; it does not require quorum.
		req.Denials = append(req.Denials, entry)
		req.Status = models.RequestStatusDenied
		if ok, err := w.store.UpdateAccessRequestCAS(ctx, req); err != nil {
			return nil, errdefs.Upstreamf("recording denial: %v", err)
		} else if !ok {
			return nil, errRetry
		}

		w.auditEvent(ctx, models.AuditEventApproval, "denied", req.SubjectID,
			"record_decision", "denied", models.SeverityMedium, models.JSONB{
				"request_id":  req.ID.String(),
				"approver_id": approver.ID,
				"comments":    comments,
			})
		w.notify(ctx, req.SubjectID, "Access request denied",
			fmt.Sprintf("Request %s was denied by an approver", req.ID),
			models.SeverityMedium, map[string]interface{}{"request_id": req.ID.String()})

		return &DecisionStatus{
			Status:            req.Status,
			ApprovalsReceived: req.Approvals.DistinctApprovals(),
			ApprovalsRequired: req.RequiredApprovals,
		}, nil
	}

	req.Approvals = append(req.Approvals, entry)
	received := req.Approvals.DistinctApprovals()

	if received < req.RequiredApprovals {
		if ok, err := w.store.UpdateAccessRequestCAS(ctx, req); err != nil {
			return nil, errdefs.Upstreamf("recording approval: %v", err)
		} else if !ok {
			return nil, errRetry
		}

		w.auditEvent(ctx, models.AuditEventApproval, "approval_recorded", req.SubjectID,
			"record_decision", "pending", models.SeverityInfo, models.JSONB{
				"request_id":         req.ID.String(),
				"approver_id":        approver.ID,
				"approvals_received": received,
				"approvals_required": req.RequiredApprovals,
			})

		return &DecisionStatus{
			Status:            req.Status,
			ApprovalsReceived: received,
			ApprovalsRequired: req.RequiredApprovals,
			Remaining:         req.RequiredApprovals - received,
		}, nil
	}

	// Quorum reached. Winning the pending->approved CAS is the exactly-once
	// guard on activation: a racing approver loses the version check and
	// retries against the approved snapshot, which is then a conflict.
	approvedAt := w.now()
	expiresAt := approvedAt.Add(time.Duration(req.DurationHours * float64(time.Hour)))
	req.Status = models.RequestStatusApproved
	req.ExpiresAt = &expiresAt

	if ok, err := w.store.UpdateAccessRequestCAS(ctx, req); err != nil {
		return nil, errdefs.Upstreamf("approving request: %v", err)
	} else if !ok {
		return nil, errRetry
	}

	w.auditEvent(ctx, models.AuditEventApproval, "approved", req.SubjectID,
		"record_decision", "approved", models.SeverityInfo, models.JSONB{
			"request_id":         req.ID.String(),
			"approver_id":        approver.ID,
			"approvals_received": received,
		})

	grant, err := w.activate(ctx, req)
	if err != nil {
		w.auditEvent(ctx, models.AuditEventGrant, "activation_failed", req.SubjectID,
			"activate_grant", "error", models.SeverityHigh, models.JSONB{
				"request_id": req.ID.String(),
				"error":      err.Error(),
			})
		return nil, fmt.Errorf("activating grant for request %s: %w", req.ID, err)
	}

	req.GrantID = &grant.ID
	if ok, err := w.store.UpdateAccessRequestCAS(ctx, req); err != nil || !ok {
		// The grant exists; losing this CAS only loses the back-reference.
		w.logger.Warn("failed to record grant id on approved request",
			"request_id", req.ID,
			"grant_id", grant.ID,
			"error", err)
	}

	w.notify(ctx, req.SubjectID, "Access request approved",
		fmt.Sprintf("Access granted until %s", expiresAt.Format(time.RFC3339)),
		models.SeverityInfo, map[string]interface{}{
			"request_id": req.ID.String(),
			"grant_id":   grant.ID.String(),
		})

	return &DecisionStatus{
		Status:            req.Status,
		ApprovalsReceived: received,
		ApprovalsRequired: req.RequiredApprovals,
		GrantID:           &grant.ID,
	}, nil
}

// Cancel withdraws a pending request. Only the original requester or an
// administrator may cancel, and only before quorum.
func (w *Workflow) Cancel(ctx context.Context, requestID uuid.UUID, actor models.Actor) error {
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		req, err := w.store.GetAccessRequest(ctx, requestID)
		if err != nil {
			return errdefs.Upstreamf("loading request: %v", err)
		}
		if req == nil {
			return errdefs.NotFoundf("access request %s", requestID)
		}
		if req.Status != models.RequestStatusPending {
			return errdefs.Conflictf("request %s is %s and cannot be cancelled", requestID, req.Status)
		}
		if actor.ID != req.SubjectID && !actor.IsAdmin() {
			return errdefs.Authorizationf("actor %s may not cancel request %s", actor.ID, requestID)
		}

		req.Status = models.RequestStatusCancelled
		ok, err := w.store.UpdateAccessRequestCAS(ctx, req)
		if err != nil {
			return errdefs.Upstreamf("cancelling request: %v", err)
		}
		if ok {
			w.auditEvent(ctx, models.AuditEventApproval, "cancelled", req.SubjectID,
				"cancel_request", "cancelled", models.SeverityInfo, models.JSONB{
					"request_id":   req.ID.String(),
					"cancelled_by": actor.ID,
				})
			return nil
		}
	}
	return errdefs.Conflictf("concurrent update on request %s", requestID)
}

// CheckTimeout lazily expires one overdue pending request.
func (w *Workflow) CheckTimeout(ctx context.Context, requestID uuid.UUID) (*models.AccessRequest, error) {
	req, err := w.store.GetAccessRequest(ctx, requestID)
	if err != nil {
		return nil, errdefs.Upstreamf("loading request: %v", err)
	}
	if req == nil {
		return nil, errdefs.NotFoundf("access request %s", requestID)
	}
	if req.Status == models.RequestStatusPending && w.isTimedOut(req) {
		req.Status = models.RequestStatusExpired
		if ok, err := w.store.UpdateAccessRequestCAS(ctx, req); err != nil {
			return nil, errdefs.Upstreamf("expiring request: %v", err)
		} else if ok {
			w.auditEvent(ctx, models.AuditEventApproval, "expired", req.SubjectID,
				"approval_timeout", "expired", models.SeverityMedium, models.JSONB{
					"request_id": req.ID.String(),
				})
		} else {
			// Lost the race; re-read for the caller.
			return w.store.GetAccessRequest(ctx, requestID)
		}
	}
	return req, nil
}

// SweepTimeouts expires every overdue pending request in one conditional
// update. Safe to run concurrently with lazy checks.
func (w *Workflow) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.cfg.ApprovalTimeout)
	ids, err := w.store.ExpirePendingRequests(ctx, cutoff)
	if err != nil {
		return 0, errdefs.Upstreamf("sweeping request timeouts: %v", err)
	}
	for _, id := range ids {
		w.auditEvent(ctx, models.AuditEventApproval, "expired", "",
			"approval_timeout_sweep", "expired", models.SeverityMedium, models.JSONB{
				"request_id": id.String(),
			})
	}
	return len(ids), nil
}

func (w *Workflow) isTimedOut(req *models.AccessRequest) bool {
	return w.now().After(req.RequestedAt.Add(w.cfg.ApprovalTimeout))
}

func (w *Workflow) auditEvent(ctx context.Context, eventType models.AuditEventType, subType, subjectID, action, result string, severity models.Severity, details models.JSONB) {
	rec := &models.AuditRecord{
		EventType: eventType,
		SubType:   subType,
		SubjectID: subjectID,
		Action:    action,
		Result:    result,
		Severity:  severity,
		Details:   details,
	}
	if err := w.audit.Append(ctx, rec); err != nil {
		w.logger.Error("failed to append audit record",
			"event_type", eventType,
			"sub_type", subType,
			"error", err)
	}
}

func (w *Workflow) notify(ctx context.Context, subjectID, title, message string, priority models.Severity, data map[string]interface{}) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, subjectID, title, message, priority, data); err != nil {
		w.logger.Warn("notification failed",
			"subject_id", subjectID,
			"title", title,
			"error", err)
	}
}
