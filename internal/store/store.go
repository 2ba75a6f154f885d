package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sentinelsec/gatewarden/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) CreatePolicy(ctx context.Context, p *models.Policy) error {
	query := `
		INSERT INTO policies (id, name, priority, rules, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Priority, p.Rules, p.IsActive, p.CreatedBy, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	var p models.Policy
	query := `SELECT * FROM policies WHERE id = $1`
	err := s.db.GetContext(ctx, &p, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *Store) ListPolicies(ctx context.Context, activeOnly bool) ([]models.Policy, error) {
	query := `SELECT * FROM policies`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	var policies []models.Policy
	err := s.db.SelectContext(ctx, &policies, query)
	return policies, err
}

func (s *Store) UpdatePolicy(ctx context.Context, p *models.Policy) error {
	query := `
		UPDATE policies
		SET name = $1, priority = $2, rules = $3, is_active = $4, updated_at = $5
		WHERE id = $6
	`
	p.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, query, p.Name, p.Priority, p.Rules, p.IsActive, p.UpdatedAt, p.ID)
	return err
}

func (s *Store) DeactivatePolicy(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE policies SET is_active = false, updated_at = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, time.Now(), id)
	return err
}

func (s *Store) CreateSegment(ctx context.Context, seg *models.ResourceSegment) error {
	query := `
		INSERT INTO resource_segments (
			id, name, resource_type, security_level, allowed_roles,
			requires_jit, requires_dual_approval, max_access_duration_hours,
			time_windows, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if seg.ID == uuid.Nil {
		seg.ID = uuid.New()
	}
	now := time.Now()
	seg.CreatedAt = now
	seg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		seg.ID, seg.Name, seg.ResourceType, seg.SecurityLevel, seg.AllowedRoles,
		seg.RequiresJIT, seg.RequiresDualApproval, seg.MaxAccessDurationHrs,
		seg.TimeWindows, seg.IsActive, seg.CreatedAt, seg.UpdatedAt,
	)
	return err
}

func (s *Store) GetSegment(ctx context.Context, id uuid.UUID) (*models.ResourceSegment, error) {
	var seg models.ResourceSegment
	query := `SELECT * FROM resource_segments WHERE id = $1`
	err := s.db.GetContext(ctx, &seg, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &seg, err
}

func (s *Store) ListSegments(ctx context.Context, activeOnly bool) ([]models.ResourceSegment, error) {
	query := `SELECT * FROM resource_segments`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY security_level DESC, name ASC`

	var segments []models.ResourceSegment
	err := s.db.SelectContext(ctx, &segments, query)
	return segments, err
}

func (s *Store) UpdateSegment(ctx context.Context, seg *models.ResourceSegment) error {
	query := `
		UPDATE resource_segments
		SET name = $1, resource_type = $2, security_level = $3, allowed_roles = $4,
			requires_jit = $5, requires_dual_approval = $6, max_access_duration_hours = $7,
			time_windows = $8, is_active = $9, updated_at = $10
		WHERE id = $11
	`
	seg.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, query,
		seg.Name, seg.ResourceType, seg.SecurityLevel, seg.AllowedRoles,
		seg.RequiresJIT, seg.RequiresDualApproval, seg.MaxAccessDurationHrs,
		seg.TimeWindows, seg.IsActive, seg.UpdatedAt, seg.ID,
	)
	return err
}

func (s *Store) DeactivateSegment(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE resource_segments SET is_active = false, updated_at = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, time.Now(), id)
	return err
}

type DashboardCounts struct {
	ActivePolicies   int `db:"active_policies"`
	ActiveSegments   int `db:"active_segments"`
	PendingRequests  int `db:"pending_requests"`
	ActiveGrants     int `db:"active_grants"`
	PendingEmergency int `db:"pending_emergency"`
	ActiveSessions   int `db:"active_sessions"`
}

func (s *Store) GetDashboardCounts(ctx context.Context) (*DashboardCounts, error) {
	counts := &DashboardCounts{}

	query := `
		SELECT
			(SELECT COUNT(*) FROM policies WHERE is_active = true) AS active_policies,
			(SELECT COUNT(*) FROM resource_segments WHERE is_active = true) AS active_segments,
			(SELECT COUNT(*) FROM access_requests WHERE status = 'pending') AS pending_requests,
			(SELECT COUNT(*) FROM access_grants WHERE status = 'active') AS active_grants,
			(SELECT COUNT(*) FROM emergency_requests WHERE status = 'pending') AS pending_emergency,
			(SELECT COUNT(*) FROM emergency_sessions WHERE status = 'active') AS active_sessions
	`

	err := s.db.GetContext(ctx, counts, query)
	if err != nil {
		return nil, fmt.Errorf("getting dashboard counts: %w", err)
	}

	return counts, nil
}
