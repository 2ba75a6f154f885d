package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/audit"
	"github.com/sentinelsec/gatewarden/internal/config"
	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

const (
	minEmergencyJustification = 100
	minEmergencyDurationHrs   = 0.5
	maxEmergencyDurationHrs   = 2.0
)

// EmergencyStore is the persistence the break-glass workflow needs.
type EmergencyStore interface {
	CreateEmergencyRequest(ctx context.Context, req *models.EmergencyRequest) error
	GetEmergencyRequest(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error)
	UpdateEmergencyRequestCAS(ctx context.Context, req *models.EmergencyRequest) (bool, error)
	ExpirePendingEmergencyRequests(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	CreateEmergencySession(ctx context.Context, sess *models.EmergencySession) error
	GetEmergencySession(ctx context.Context, id uuid.UUID) (*models.EmergencySession, error)
	AppendSessionActivity(ctx context.Context, id uuid.UUID, entry models.ActivityEntry) error
	RevokeSessionCAS(ctx context.Context, id uuid.UUID) (bool, error)
	ExpireSessions(ctx context.Context, now time.Time) ([]models.EmergencySession, error)
}

// Broadcaster notifies the approver pool about an emergency request. Used
// at submission for immediate escalation and for ordinary approver pings.
type Broadcaster interface {
	Broadcast(ctx context.Context, title, message string, priority models.Severity, data map[string]interface{}) error
}

// Emergency is the break-glass approval workflow. Escalation is computed
// once at submission from emergency type, urgency, and time of day; the
// resulting requirements are frozen on the request.
type Emergency struct {
	cfg         config.WorkflowConfig
	store       EmergencyStore
	audit       *audit.Service
	notifier    Notifier
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
	location    *time.Location
}

type EmergencyOption func(*Emergency)

func WithEmergencyClock(now func() time.Time) EmergencyOption {
	return func(e *Emergency) {
		e.now = now
	}
}

func NewEmergency(cfg config.WorkflowConfig, store EmergencyStore, auditSvc *audit.Service, notifier Notifier, broadcaster Broadcaster, logger *slog.Logger, opts ...EmergencyOption) (*Emergency, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}
	e := &Emergency{
		cfg:         cfg,
		store:       store,
		audit:       auditSvc,
		notifier:    notifier,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
		location:    loc,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SecurityLevel classifies an emergency by type and urgency.
// security_incident at critical urgency is MAXIMUM; critical urgency or a
// data_recovery/system_outage emergency is ENHANCED; otherwise STANDARD.
func SecurityLevel(emergencyType models.EmergencyType, urgency models.UrgencyLevel) models.EmergencySecurityLevel {
	if emergencyType == models.EmergencySecurityIncident && urgency == models.UrgencyCritical {
		return models.EmergencyLevelMaximum
	}
	if urgency == models.UrgencyCritical ||
		emergencyType == models.EmergencyDataRecovery ||
		emergencyType == models.EmergencySystemOutage {
		return models.EmergencyLevelEnhanced
	}
	return models.EmergencyLevelStandard
}

// IsOffHours reports whether t falls outside configured business hours in
// the configured timezone.
func (e *Emergency) IsOffHours(t time.Time) bool {
	local := t.In(e.location)
	day := int(local.Weekday())
	businessDay := false
	for _, d := range e.cfg.BusinessDays {
		if d == day {
			businessDay = true
			break
		}
	}
	if !businessDay {
		return true
	}
	hour := local.Hour()
	return hour < e.cfg.BusinessStartHour || hour >= e.cfg.BusinessEndHour
}

func validEmergencyType(t models.EmergencyType) bool {
	switch t {
	case models.EmergencyDataRecovery, models.EmergencySystemOutage,
		models.EmergencySecurityIncident, models.EmergencyComplianceAudit,
		models.EmergencyOperational:
		return true
	}
	return false
}

func validUrgency(u models.UrgencyLevel) bool {
	switch u {
	case models.UrgencyLow, models.UrgencyMedium, models.UrgencyHigh, models.UrgencyCritical:
		return true
	}
	return false
}

// SubmitRequest validates and creates a break-glass request. All validation
// runs before any notification is sent; a rejected request reaches no
// approver.
type SubmitRequest struct {
	EmergencyType     models.EmergencyType
	UrgencyLevel      models.UrgencyLevel
	Justification     string
	RequiredResources []string
	DurationHours     float64
}

func (e *Emergency) Submit(ctx context.Context, actor models.Actor, in SubmitRequest) (*models.EmergencyRequest, error) {
	if !validEmergencyType(in.EmergencyType) {
		return nil, errdefs.Validationf("unknown emergency type %q", in.EmergencyType)
	}
	if !validUrgency(in.UrgencyLevel) {
		return nil, errdefs.Validationf("unknown urgency level %q", in.UrgencyLevel)
	}
	if len(in.Justification) < minEmergencyJustification {
		return nil, errdefs.Validationf("emergency justification must be at least %d characters, got %d",
			minEmergencyJustification, len(in.Justification))
	}
	if len(in.RequiredResources) == 0 {
		return nil, errdefs.Validationf("at least one required resource must be named")
	}
	if in.DurationHours < minEmergencyDurationHrs || in.DurationHours > maxEmergencyDurationHrs {
		return nil, errdefs.Validationf("emergency duration must be between %v and %v hours, got %v",
			minEmergencyDurationHrs, maxEmergencyDurationHrs, in.DurationHours)
	}

	now := e.now()
	level := SecurityLevel(in.EmergencyType, in.UrgencyLevel)
	offHours := e.IsOffHours(now)

	req := &models.EmergencyRequest{
		SubjectID:            actor.ID,
		EmergencyType:        in.EmergencyType,
		UrgencyLevel:         in.UrgencyLevel,
		Justification:        in.Justification,
		RequiredResources:    models.StringArray(in.RequiredResources),
		EstimatedDurationHrs: in.DurationHours,
		SecurityLevel:        level,
		OffHours:             offHours,
		RequiredApprovals:    e.cfg.RequiredApprovals,
		RequestedAt:          now,
		Status:               models.EmergencyStatusPending,
		Approvals:            models.ApprovalList{},
		Denials:              models.ApprovalList{},
		ReviewRequired:       true,
	}

	// Off-hours escalation hardens the approval requirements.
	if offHours && level != models.EmergencyLevelStandard {
		req.RequiredApprovals = e.cfg.EscalatedApprovals
		req.MFAReverifyRequired = true
		if level == models.EmergencyLevelMaximum {
			req.SeniorApproverRequired = true
			req.RecordingRequired = true
		}
	}

	if err := e.store.CreateEmergencyRequest(ctx, req); err != nil {
		return nil, errdefs.Upstreamf("creating emergency request: %v", err)
	}

	e.auditEvent(ctx, "submitted", actor.ID, "submit_emergency", "pending", models.SeverityHigh, models.JSONB{
		"request_id":         req.ID.String(),
		"emergency_type":     string(in.EmergencyType),
		"urgency_level":      string(in.UrgencyLevel),
		"security_level":     string(level),
		"off_hours":          offHours,
		"required_approvals": req.RequiredApprovals,
	})

	e.broadcast(ctx, req)
	return req, nil
}

func (e *Emergency) broadcast(ctx context.Context, req *models.EmergencyRequest) {
	if e.broadcaster == nil {
		return
	}
	priority := models.SeverityHigh
	title := "Emergency access request"
	if req.SecurityLevel == models.EmergencyLevelMaximum {
		priority = models.SeverityCritical
		title = "MAXIMUM emergency access request"
	}
	err := e.broadcaster.Broadcast(ctx, title,
		fmt.Sprintf("%s emergency from %s, %d approvals required", req.EmergencyType, req.SubjectID, req.RequiredApprovals),
		priority, map[string]interface{}{
			"request_id":               req.ID.String(),
			"security_level":           string(req.SecurityLevel),
			"off_hours":                req.OffHours,
			"senior_approver_required": req.SeniorApproverRequired,
		})
	if err != nil {
		e.logger.Warn("emergency broadcast failed",
			"request_id", req.ID,
			"error", err)
	}
}

// EmergencyDecisionStatus reports the state after a recorded decision.
type EmergencyDecisionStatus struct {
	Status              models.EmergencyStatus `json:"status"`
	ApprovalsReceived   int                    `json:"approvals_received"`
	ApprovalsRequired   int                    `json:"approvals_required"`
	Remaining           int                    `json:"remaining"`
	MFAReverifyRequired bool                   `json:"mfa_reverify_required"`
	SessionID           *uuid.UUID             `json:"session_id,omitempty"`
}

// ProcessApproval records one approver's decision on an emergency request.
// The quorum check counts distinct approvers, and when the request demands
// a senior approver the quorum only completes once a senior_admin has
// approved, regardless of count.
func (e *Emergency) ProcessApproval(ctx context.Context, requestID uuid.UUID, approver models.Actor, decision models.ApprovalDecision, comments string) (*EmergencyDecisionStatus, error) {
	if decision != models.ApprovalApprove && decision != models.ApprovalDeny {
		return nil, errdefs.Validationf("decision must be approve or deny, got %q", decision)
	}
	if !approver.IsAdmin() {
		e.auditEvent(ctx, "unauthorized_approval", approver.ID, "process_approval", "rejected",
			models.SeverityHigh, models.JSONB{
				"request_id": requestID.String(),
				"role":       string(approver.Role),
			})
		return nil, errdefs.Authorizationf("actor %s (role %s) may not approve emergency requests", approver.ID, approver.Role)
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.cfg.RetryBackoff * time.Duration(attempt))
		}
		status, err := e.tryProcessApproval(ctx, requestID, approver, decision, comments)
		if err == errRetry {
			lastErr = errdefs.Conflictf("concurrent update on emergency request %s", requestID)
			continue
		}
		return status, err
	}
	return nil, lastErr
}

func (e *Emergency) tryProcessApproval(ctx context.Context, requestID uuid.UUID, approver models.Actor, decision models.ApprovalDecision, comments string) (*EmergencyDecisionStatus, error) {
	req, err := e.store.GetEmergencyRequest(ctx, requestID)
	if err != nil {
		return nil, errdefs.Upstreamf("loading emergency request: %v", err)
	}
	if req == nil {
		return nil, errdefs.NotFoundf("emergency request %s", requestID)
	}
	if req.Status != models.EmergencyStatusPending {
		return nil, errdefs.Conflictf("emergency request %s is %s, no further decisions accepted", requestID, req.Status)
	}
	if approver.ID == req.SubjectID {
		return nil, errdefs.Authorizationf("requester %s may not approve their own emergency request", approver.ID)
	}
	if req.Approvals.Contains(approver.ID) || req.Denials.Contains(approver.ID) {
		return nil, errdefs.Conflictf("approver %s already recorded a decision on emergency request %s", approver.ID, requestID)
	}

	entry := models.ApprovalEntry{
		ApproverID:   approver.ID,
		ApproverRole: approver.Role,
		Decision:     decision,
		Timestamp:    e.now(),
		Comments:     comments,
	}

	if decision == models.ApprovalDeny {
		req.Denials = append(req.Denials, entry)
		req.Status = models.EmergencyStatusDenied
		if ok, err := e.store.UpdateEmergencyRequestCAS(ctx, req); err != nil {
			return nil, errdefs.Upstreamf("recording denial: %v", err)
		} else if !ok {
			return nil, errRetry
		}

		e.auditEvent(ctx, "denied", req.SubjectID, "process_approval", "denied",
			models.SeverityHigh, models.JSONB{
				"request_id":  req.ID.String(),
				"approver_id": approver.ID,
				"comments":    comments,
			})
		e.notifySubject(ctx, req, "Emergency request denied",
			fmt.Sprintf("Emergency request %s was denied", req.ID), models.SeverityHigh)

		return &EmergencyDecisionStatus{
			Status:              req.Status,
			ApprovalsReceived:   req.Approvals.DistinctApprovals(),
			ApprovalsRequired:   req.RequiredApprovals,
			MFAReverifyRequired: req.MFAReverifyRequired,
		}, nil
	}

	req.Approvals = append(req.Approvals, entry)
	received := req.Approvals.DistinctApprovals()
	quorum := received >= req.RequiredApprovals
	if quorum && req.SeniorApproverRequired && !req.Approvals.HasRole(models.RoleSeniorAdmin) {
		quorum = false
	}

	if !quorum {
		if ok, err := e.store.UpdateEmergencyRequestCAS(ctx, req); err != nil {
			return nil, errdefs.Upstreamf("recording approval: %v", err)
		} else if !ok {
			return nil, errRetry
		}

		e.auditEvent(ctx, "approval_recorded", req.SubjectID, "process_approval", "pending",
			models.SeverityMedium, models.JSONB{
				"request_id":         req.ID.String(),
				"approver_id":        approver.ID,
				"approvals_received": received,
				"approvals_required": req.RequiredApprovals,
				"senior_pending":     req.SeniorApproverRequired && !req.Approvals.HasRole(models.RoleSeniorAdmin),
			})

		remaining := req.RequiredApprovals - received
		if remaining < 0 {
			remaining = 0
		}
		return &EmergencyDecisionStatus{
			Status:              req.Status,
			ApprovalsReceived:   received,
			ApprovalsRequired:   req.RequiredApprovals,
			Remaining:           remaining,
			MFAReverifyRequired: req.MFAReverifyRequired,
		}, nil
	}

	approvedAt := e.now()
	expiresAt := approvedAt.Add(time.Duration(req.EstimatedDurationHrs * float64(time.Hour)))
	req.Status = models.EmergencyStatusApproved

	if ok, err := e.store.UpdateEmergencyRequestCAS(ctx, req); err != nil {
		return nil, errdefs.Upstreamf("approving emergency request: %v", err)
	} else if !ok {
		return nil, errRetry
	}

	sess := &models.EmergencySession{
		RequestID:         req.ID,
		SubjectID:         req.SubjectID,
		Resources:         req.RequiredResources,
		StartedAt:         approvedAt,
		ExpiresAt:         expiresAt,
		Status:            models.GrantStatusActive,
		ActivityLog:       models.ActivityLog{},
		RecordingRequired: req.RecordingRequired,
	}
	if err := e.store.CreateEmergencySession(ctx, sess); err != nil {
		e.auditEvent(ctx, "session_failed", req.SubjectID, "create_session", "error",
			models.SeverityCritical, models.JSONB{
				"request_id": req.ID.String(),
				"error":      err.Error(),
			})
		return nil, fmt.Errorf("creating emergency session for request %s: %w", req.ID, err)
	}

	req.SessionID = &sess.ID
	req.Status = models.EmergencyStatusActive
	if ok, err := e.store.UpdateEmergencyRequestCAS(ctx, req); err != nil || !ok {
		e.logger.Warn("failed to record session on approved emergency request",
			"request_id", req.ID,
			"session_id", sess.ID,
			"error", err)
	}

	e.auditEvent(ctx, "approved", req.SubjectID, "process_approval", "active",
		models.SeverityHigh, models.JSONB{
			"request_id":         req.ID.String(),
			"session_id":         sess.ID.String(),
			"approvals_received": received,
			"expires_at":         expiresAt.Format(time.RFC3339),
			"recording_required": req.RecordingRequired,
		})
	e.notifySubject(ctx, req, "Emergency access active",
		fmt.Sprintf("Emergency session active until %s", expiresAt.Format(time.RFC3339)), models.SeverityHigh)

	return &EmergencyDecisionStatus{
		Status:              req.Status,
		ApprovalsReceived:   received,
		ApprovalsRequired:   req.RequiredApprovals,
		MFAReverifyRequired: req.MFAReverifyRequired,
		SessionID:           &sess.ID,
	}, nil
}

// LogActivity appends one action to an active session's activity log.
// Only the session subject may log activity.
func (e *Emergency) LogActivity(ctx context.Context, sessionID uuid.UUID, actor models.Actor, action, resource, details string) error {
	if action == "" {
		return errdefs.Validationf("action is required")
	}
	sess, err := e.store.GetEmergencySession(ctx, sessionID)
	if err != nil {
		return errdefs.Upstreamf("loading session: %v", err)
	}
	if sess == nil {
		return errdefs.NotFoundf("emergency session %s", sessionID)
	}
	if actor.ID != sess.SubjectID {
		return errdefs.Authorizationf("actor %s is not the subject of session %s", actor.ID, sessionID)
	}
	entry := models.ActivityEntry{
		Timestamp: e.now(),
		Action:    action,
		Resource:  resource,
		Details:   details,
	}
	if err := e.store.AppendSessionActivity(ctx, sessionID, entry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errdefs.Conflictf("session %s is not active", sessionID)
		}
		return errdefs.Upstreamf("appending session activity: %v", err)
	}
	return nil
}

// Terminate ends an active session early. The subject or an administrator
// may terminate.
func (e *Emergency) Terminate(ctx context.Context, sessionID uuid.UUID, actor models.Actor, reason string) error {
	sess, err := e.store.GetEmergencySession(ctx, sessionID)
	if err != nil {
		return errdefs.Upstreamf("loading session: %v", err)
	}
	if sess == nil {
		return errdefs.NotFoundf("emergency session %s", sessionID)
	}
	if actor.ID != sess.SubjectID && !actor.IsAdmin() {
		return errdefs.Authorizationf("actor %s may not terminate session %s", actor.ID, sessionID)
	}
	ok, err := e.store.RevokeSessionCAS(ctx, sessionID)
	if err != nil {
		return errdefs.Upstreamf("terminating session: %v", err)
	}
	if !ok {
		return errdefs.Conflictf("session %s is not active", sessionID)
	}
	e.auditEvent(ctx, "session_terminated", sess.SubjectID, "terminate_session", "revoked",
		models.SeverityHigh, models.JSONB{
			"session_id":    sessionID.String(),
			"terminated_by": actor.ID,
			"reason":        reason,
		})
	e.closeRequest(ctx, sess.RequestID)
	return nil
}

// SweepSessions expires overdue active sessions and closes their owning
// requests so the mandatory post-incident review can be filed.
func (e *Emergency) SweepSessions(ctx context.Context) (int, error) {
	sessions, err := e.store.ExpireSessions(ctx, e.now())
	if err != nil {
		return 0, errdefs.Upstreamf("sweeping emergency sessions: %v", err)
	}
	for _, sess := range sessions {
		e.auditEvent(ctx, "session_expired", sess.SubjectID, "expire_session_sweep", "expired",
			models.SeverityMedium, models.JSONB{
				"session_id": sess.ID.String(),
				"request_id": sess.RequestID.String(),
			})
		e.closeRequest(ctx, sess.RequestID)
	}
	return len(sessions), nil
}

// closeRequest moves an active request to expired once its session has
// ended. The request is holding no access at this point, so a persistent
// conflict is logged rather than surfaced.
func (e *Emergency) closeRequest(ctx context.Context, requestID uuid.UUID) {
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		req, err := e.store.GetEmergencyRequest(ctx, requestID)
		if err != nil {
			e.logger.Error("failed to load emergency request for close",
				"request_id", requestID,
				"error", err)
			return
		}
		if req == nil || req.Status != models.EmergencyStatusActive {
			return
		}
		req.Status = models.EmergencyStatusExpired
		ok, err := e.store.UpdateEmergencyRequestCAS(ctx, req)
		if err != nil {
			e.logger.Error("failed to close emergency request",
				"request_id", requestID,
				"error", err)
			return
		}
		if ok {
			e.auditEvent(ctx, "expired", req.SubjectID, "close_request", "expired",
				models.SeverityMedium, models.JSONB{
					"request_id": req.ID.String(),
				})
			return
		}
	}
	e.logger.Warn("gave up closing emergency request after repeated conflicts",
		"request_id", requestID)
}

// FileReview records the mandatory post-incident review. Only an
// administrator may file it, and only once.
func (e *Emergency) FileReview(ctx context.Context, requestID uuid.UUID, reviewer models.Actor, findings string) error {
	if !reviewer.IsAdmin() {
		return errdefs.Authorizationf("actor %s (role %s) may not file reviews", reviewer.ID, reviewer.Role)
	}
	if findings == "" {
		return errdefs.Validationf("review findings are required")
	}

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		req, err := e.store.GetEmergencyRequest(ctx, requestID)
		if err != nil {
			return errdefs.Upstreamf("loading emergency request: %v", err)
		}
		if req == nil {
			return errdefs.NotFoundf("emergency request %s", requestID)
		}
		if !req.ReviewRequired {
			return errdefs.Conflictf("emergency request %s does not require review", requestID)
		}
		if req.ReviewedBy != "" {
			return errdefs.Conflictf("emergency request %s already reviewed by %s", requestID, req.ReviewedBy)
		}
		if req.Status == models.EmergencyStatusPending || req.Status == models.EmergencyStatusActive {
			return errdefs.Conflictf("emergency request %s is still %s, review it after completion", requestID, req.Status)
		}

		now := e.now()
		req.ReviewFindings = findings
		req.ReviewedBy = reviewer.ID
		req.ReviewedAt = &now
		if req.Status == models.EmergencyStatusApproved || req.Status == models.EmergencyStatusExpired {
			req.Status = models.EmergencyStatusCompleted
		}

		ok, err := e.store.UpdateEmergencyRequestCAS(ctx, req)
		if err != nil {
			return errdefs.Upstreamf("recording review: %v", err)
		}
		if ok {
			e.auditEvent(ctx, "review_filed", req.SubjectID, "file_review", "completed",
				models.SeverityMedium, models.JSONB{
					"request_id":  req.ID.String(),
					"reviewed_by": reviewer.ID,
				})
			return nil
		}
	}
	return errdefs.Conflictf("concurrent update on emergency request %s", requestID)
}

// SweepTimeouts expires overdue pending emergency requests.
func (e *Emergency) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.cfg.ApprovalTimeout)
	ids, err := e.store.ExpirePendingEmergencyRequests(ctx, cutoff)
	if err != nil {
		return 0, errdefs.Upstreamf("sweeping emergency timeouts: %v", err)
	}
	for _, id := range ids {
		e.auditEvent(ctx, "expired", "", "approval_timeout_sweep", "expired",
			models.SeverityMedium, models.JSONB{
				"request_id": id.String(),
			})
	}
	return len(ids), nil
}

func (e *Emergency) auditEvent(ctx context.Context, subType, subjectID, action, result string, severity models.Severity, details models.JSONB) {
	rec := &models.AuditRecord{
		EventType: models.AuditEventEmergency,
		SubType:   subType,
		SubjectID: subjectID,
		Action:    action,
		Result:    result,
		Severity:  severity,
		Details:   details,
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		e.logger.Error("failed to append audit record",
			"sub_type", subType,
			"error", err)
	}
}

func (e *Emergency) notifySubject(ctx context.Context, req *models.EmergencyRequest, title, message string, priority models.Severity) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, req.SubjectID, title, message, priority, map[string]interface{}{
		"request_id": req.ID.String(),
	}); err != nil {
		e.logger.Warn("notification failed",
			"subject_id", req.SubjectID,
			"error", err)
	}
}
