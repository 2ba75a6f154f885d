package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/models"
)

func (s *Store) CreateAccessRequest(ctx context.Context, req *models.AccessRequest) error {
	query := `
		INSERT INTO access_requests (
			id, subject_id, segment_id, justification, duration_hours,
			requested_at, status, approvals, denials, required_approvals,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := time.Now()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.SubjectID, req.SegmentID, req.Justification, req.DurationHours,
		req.RequestedAt, req.Status, req.Approvals, req.Denials, req.RequiredApprovals,
		req.Version, req.CreatedAt, req.UpdatedAt,
	)
	return err
}

func (s *Store) GetAccessRequest(ctx context.Context, id uuid.UUID) (*models.AccessRequest, error) {
	var req models.AccessRequest
	query := `SELECT * FROM access_requests WHERE id = $1`
	err := s.db.GetContext(ctx, &req, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &req, err
}

type ListRequestFilters struct {
	SubjectID *string
	SegmentID *uuid.UUID
	Status    *models.RequestStatus
	Limit     int
	Offset    int
}

func (s *Store) ListAccessRequests(ctx context.Context, filters ListRequestFilters) ([]models.AccessRequest, int, error) {
	baseQuery := `FROM access_requests WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.SubjectID != nil {
		baseQuery += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, *filters.SubjectID)
		argIdx++
	}
	if filters.SegmentID != nil {
		baseQuery += fmt.Sprintf(" AND segment_id = $%d", argIdx)
		args = append(args, *filters.SegmentID)
		argIdx++
	}
	if filters.Status != nil {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filters.Status)
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY requested_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var requests []models.AccessRequest
	if err := s.db.SelectContext(ctx, &requests, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return requests, total, nil
}

// UpdateAccessRequestCAS applies a read-modify-write of the approval state
// guarded by the version the caller read. Returns false when another writer
// got there first; the caller re-reads and retries. This is the one place
// concurrent approvers race, so the quorum check and the duplicate-approver
// check are always evaluated against the snapshot being written.
func (s *Store) UpdateAccessRequestCAS(ctx context.Context, req *models.AccessRequest) (bool, error) {
	query := `
		UPDATE access_requests
		SET status = $1, approvals = $2, denials = $3, expires_at = $4,
			grant_id = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8
	`
	req.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, query,
		req.Status, req.Approvals, req.Denials, req.ExpiresAt,
		req.GrantID, req.UpdatedAt, req.ID, req.Version,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 1 {
		req.Version++
		return true, nil
	}
	return false, nil
}

// ExpirePendingRequests transitions pending requests whose approval window
// lapsed before cutoff. Conditional on status so concurrent sweeps and lazy
// checks never double-expire. Returns the ids that transitioned.
func (s *Store) ExpirePendingRequests(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE access_requests
		SET status = $1, version = version + 1, updated_at = $2
		WHERE status = $3 AND requested_at < $4
		RETURNING id
	`
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, query,
		models.RequestStatusExpired, time.Now(), models.RequestStatusPending, cutoff)
	return ids, err
}

func (s *Store) CreateEmergencyRequest(ctx context.Context, req *models.EmergencyRequest) error {
	query := `
		INSERT INTO emergency_requests (
			id, subject_id, emergency_type, urgency_level, justification,
			required_resources, estimated_duration_hours, security_level,
			off_hours, required_approvals, senior_approver_required,
			mfa_reverify_required, recording_required, requested_at, status,
			approvals, denials, review_required, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21
		)
	`
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := time.Now()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.SubjectID, req.EmergencyType, req.UrgencyLevel, req.Justification,
		req.RequiredResources, req.EstimatedDurationHrs, req.SecurityLevel,
		req.OffHours, req.RequiredApprovals, req.SeniorApproverRequired,
		req.MFAReverifyRequired, req.RecordingRequired, req.RequestedAt, req.Status,
		req.Approvals, req.Denials, req.ReviewRequired, req.Version, req.CreatedAt, req.UpdatedAt,
	)
	return err
}

func (s *Store) GetEmergencyRequest(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error) {
	var req models.EmergencyRequest
	query := `SELECT * FROM emergency_requests WHERE id = $1`
	err := s.db.GetContext(ctx, &req, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &req, err
}

func (s *Store) ListEmergencyRequests(ctx context.Context, status *models.EmergencyStatus, limit int) ([]models.EmergencyRequest, error) {
	query := `SELECT * FROM emergency_requests WHERE 1=1`
	args := make([]interface{}, 0)
	if status != nil {
		query += ` AND status = $1`
		args = append(args, *status)
	}
	query += ` ORDER BY requested_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var requests []models.EmergencyRequest
	err := s.db.SelectContext(ctx, &requests, query, args...)
	return requests, err
}

// UpdateEmergencyRequestCAS is the emergency-side counterpart of
// UpdateAccessRequestCAS.
func (s *Store) UpdateEmergencyRequestCAS(ctx context.Context, req *models.EmergencyRequest) (bool, error) {
	query := `
		UPDATE emergency_requests
		SET status = $1, approvals = $2, denials = $3, session_id = $4,
			review_required = $5, review_findings = $6, reviewed_by = $7,
			reviewed_at = $8, version = version + 1, updated_at = $9
		WHERE id = $10 AND version = $11
	`
	req.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, query,
		req.Status, req.Approvals, req.Denials, req.SessionID,
		req.ReviewRequired, req.ReviewFindings, req.ReviewedBy,
		req.ReviewedAt, req.UpdatedAt, req.ID, req.Version,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 1 {
		req.Version++
		return true, nil
	}
	return false, nil
}

// ExpirePendingEmergencyRequests mirrors ExpirePendingRequests for the
// break-glass collection.
func (s *Store) ExpirePendingEmergencyRequests(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE emergency_requests
		SET status = $1, version = version + 1, updated_at = $2
		WHERE status = $3 AND requested_at < $4
		RETURNING id
	`
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, query,
		models.EmergencyStatusExpired, time.Now(), models.EmergencyStatusPending, cutoff)
	return ids, err
}

// RequestHistoryCounts aggregates a subject's request history for scoring.
type RequestHistoryCounts struct {
	Total         int `db:"total"`
	Approved      int `db:"approved"`
	Denied        int `db:"denied"`
	RecentDenials int `db:"recent_denials"`
	LastHour      int `db:"last_hour"`
}

func (s *Store) GetRequestHistory(ctx context.Context, subjectID string, window time.Duration) (*RequestHistoryCounts, error) {
	counts := &RequestHistoryCounts{}
	since := time.Now().Add(-window)
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'approved') AS approved,
			COUNT(*) FILTER (WHERE status = 'denied') AS denied,
			COUNT(*) FILTER (WHERE status = 'denied' AND updated_at > $1) AS recent_denials,
			COUNT(*) FILTER (WHERE requested_at > $2) AS last_hour
		FROM access_requests
		WHERE subject_id = $3 AND requested_at > $4
	`
	err := s.db.GetContext(ctx, counts, query,
		time.Now().Add(-24*time.Hour), time.Now().Add(-time.Hour), subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("getting request history: %w", err)
	}
	return counts, nil
}
