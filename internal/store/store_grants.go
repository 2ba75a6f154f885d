package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/models"
)

func (s *Store) CreateGrant(ctx context.Context, g *models.Grant) error {
	query := `
		INSERT INTO access_grants (
			id, request_id, subject_id, segment_id, granted_at, expires_at,
			status, mfa_required, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		g.ID, g.RequestID, g.SubjectID, g.SegmentID, g.GrantedAt, g.ExpiresAt,
		g.Status, g.MFARequired, g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func (s *Store) GetGrant(ctx context.Context, id uuid.UUID) (*models.Grant, error) {
	var g models.Grant
	query := `SELECT * FROM access_grants WHERE id = $1`
	err := s.db.GetContext(ctx, &g, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &g, err
}

func (s *Store) ListGrantsBySubject(ctx context.Context, subjectID string, activeOnly bool) ([]models.Grant, error) {
	query := `SELECT * FROM access_grants WHERE subject_id = $1`
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY granted_at DESC`

	var grants []models.Grant
	err := s.db.SelectContext(ctx, &grants, query, subjectID)
	return grants, err
}

func (s *Store) ListGrantsBySegment(ctx context.Context, segmentID uuid.UUID, activeOnly bool) ([]models.Grant, error) {
	query := `SELECT * FROM access_grants WHERE segment_id = $1`
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY granted_at DESC`

	var grants []models.Grant
	err := s.db.SelectContext(ctx, &grants, query, segmentID)
	return grants, err
}

// ExpireGrantCAS transitions one grant active->expired only if its deadline
// has passed. Returns false if the grant was not in the expected state, so
// lazy checks and the sweep can both call it without conflicting.
func (s *Store) ExpireGrantCAS(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE access_grants
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND expires_at <= $5
	`
	res, err := s.db.ExecContext(ctx, query,
		models.GrantStatusExpired, time.Now(), id, models.GrantStatusActive, now)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

// ExpireGrants sweeps every active grant past its deadline in one atomic
// conditional update. Running it twice concurrently cannot double-expire.
func (s *Store) ExpireGrants(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE access_grants
		SET status = $1, updated_at = $2
		WHERE status = $3 AND expires_at <= $4
		RETURNING id
	`
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, query,
		models.GrantStatusExpired, time.Now(), models.GrantStatusActive, now)
	return ids, err
}

// RevokeGrantCAS transitions active->revoked. Terminal states never leave.
func (s *Store) RevokeGrantCAS(ctx context.Context, id uuid.UUID, revokedBy, reason string) (bool, error) {
	query := `
		UPDATE access_grants
		SET status = $1, revoked_by = $2, revoke_reason = $3, revoked_at = $4, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	res, err := s.db.ExecContext(ctx, query,
		models.GrantStatusRevoked, revokedBy, reason, time.Now(), id, models.GrantStatusActive)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (s *Store) CreateEmergencySession(ctx context.Context, sess *models.EmergencySession) error {
	query := `
		INSERT INTO emergency_sessions (
			id, request_id, subject_id, resources, started_at, expires_at,
			status, activity_log, recording_required, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.RequestID, sess.SubjectID, sess.Resources, sess.StartedAt,
		sess.ExpiresAt, sess.Status, sess.ActivityLog, sess.RecordingRequired,
		sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *Store) GetEmergencySession(ctx context.Context, id uuid.UUID) (*models.EmergencySession, error) {
	var sess models.EmergencySession
	query := `SELECT * FROM emergency_sessions WHERE id = $1`
	err := s.db.GetContext(ctx, &sess, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *Store) AppendSessionActivity(ctx context.Context, id uuid.UUID, entry models.ActivityEntry) error {
	// jsonb concatenation keeps the append atomic without a read-modify-write.
	query := `
		UPDATE emergency_sessions
		SET activity_log = activity_log || $1::jsonb, updated_at = $2
		WHERE id = $3 AND status = 'active'
	`
	payload, err := models.ActivityLog{entry}.Value()
	if err != nil {
		return fmt.Errorf("encoding activity entry: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, payload, time.Now(), id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ExpireSessions mirrors ExpireGrants for emergency sessions. The returned
// rows carry the ids the workflow needs to close the owning requests.
func (s *Store) ExpireSessions(ctx context.Context, now time.Time) ([]models.EmergencySession, error) {
	query := `
		UPDATE emergency_sessions
		SET status = $1, updated_at = $2
		WHERE status = $3 AND expires_at <= $4
		RETURNING id, request_id, subject_id
	`
	var sessions []models.EmergencySession
	err := s.db.SelectContext(ctx, &sessions, query,
		models.GrantStatusExpired, time.Now(), models.GrantStatusActive, now)
	return sessions, err
}

// RevokeSessionCAS transitions an active session to revoked.
func (s *Store) RevokeSessionCAS(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE emergency_sessions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query,
		models.GrantStatusRevoked, time.Now(), id, models.GrantStatusActive)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (s *Store) AppendAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	query := `
		INSERT INTO audit_logs (
			id, version, event_type, sub_type, subject_id, action, result,
			severity, details, timestamp, integrity_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Version, rec.EventType, rec.SubType, rec.SubjectID,
		rec.Action, rec.Result, rec.Severity, rec.Details, rec.Timestamp,
		rec.IntegrityHash,
	)
	return err
}

func (s *Store) GetAuditRecord(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	query := `SELECT * FROM audit_logs WHERE id = $1`
	err := s.db.GetContext(ctx, &rec, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}

func (s *Store) ListAuditRecords(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	query := `SELECT * FROM audit_logs WHERE timestamp >= $1 AND timestamp <= $2 ORDER BY timestamp ASC`
	err := s.db.SelectContext(ctx, &records, query, start, end)
	return records, err
}

func (s *Store) DeleteAuditRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE timestamp < $1`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
