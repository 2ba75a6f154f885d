package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a recurring maintenance task driven by a cron expression.
type Job struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Schedule    string            `json:"schedule" db:"schedule"`
	JobType     JobType           `json:"job_type" db:"job_type"`
	Config      map[string]string `json:"config" db:"config"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty" db:"last_run"`
	NextRun     *time.Time        `json:"next_run,omitempty" db:"next_run"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

type JobType string

const (
	JobTypeSweepGrants    JobType = "sweep_grants"
	JobTypeSweepRequests  JobType = "sweep_requests"
	JobTypeSweepEmergency JobType = "sweep_emergency"
	JobTypeSweepSessions  JobType = "sweep_sessions"
	JobTypeCleanupAudit   JobType = "cleanup_audit"
)

// JobExecution tracks one run of a scheduled job.
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

type JobHandler func(ctx context.Context, job *Job) error

// Store defines the interface for job persistence.
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

// Scheduler manages the recurring sweeps.
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start loads persisted jobs and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Enabled {
			if err := s.scheduleJob(job); err != nil {
				s.logger.Error("failed to schedule job",
					"job_id", job.ID,
					"job_name", job.Name,
					"error", err)
			}
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(jobs))

	return nil
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

func (s *Scheduler) UpdateJob(ctx context.Context, job *Job) error {
	s.unscheduleJob(job.ID)

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

// RunJobNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	go s.executeJob(job)
	return nil
}

func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.entries[job.ID] = entryID

	entry := s.cron.Entry(entryID)
	nextRun := entry.Next
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)

	return nil
}

func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) executeJob(job *Job) {
	ctx := context.Background()
	startTime := time.Now()

	exec := &JobExecution{
		ID:        fmt.Sprintf("exec-%d", startTime.UnixNano()),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: startTime,
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "error", err)
	}

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	if !ok {
		exec.Status = StatusFailed
		exec.Error = fmt.Sprintf("no handler registered for job type: %s", job.JobType)
		endTime := time.Now()
		exec.EndedAt = &endTime
		_ = s.store.UpdateExecution(ctx, exec)
		return
	}

	err := handler(ctx, job)
	endTime := time.Now()
	exec.EndedAt = &endTime

	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		s.logger.Error("job execution failed",
			"job_id", job.ID,
			"job_name", job.Name,
			"error", err,
			"duration", endTime.Sub(startTime))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("job execution completed",
			"job_id", job.ID,
			"job_name", job.Name,
			"duration", endTime.Sub(startTime))
	}

	_ = s.store.UpdateExecution(ctx, exec)
	_ = s.store.UpdateLastRun(ctx, job.ID, startTime)
}

// SweepHandlers wires the lifecycle sweeps into the scheduler. Each sweep
// is idempotent, so overlapping or repeated runs are harmless.
type SweepHandlers struct {
	SweepGrants    func(ctx context.Context) (int, error)
	SweepRequests  func(ctx context.Context) (int, error)
	SweepEmergency func(ctx context.Context) (int, error)
	SweepSessions  func(ctx context.Context) (int, error)
	CleanupAudit   func(ctx context.Context, olderThan time.Duration) (int64, error)
}

func (h *SweepHandlers) Register(s *Scheduler) {
	if h.SweepGrants != nil {
		s.RegisterHandler(JobTypeSweepGrants, func(ctx context.Context, job *Job) error {
			_, err := h.SweepGrants(ctx)
			return err
		})
	}

	if h.SweepRequests != nil {
		s.RegisterHandler(JobTypeSweepRequests, func(ctx context.Context, job *Job) error {
			_, err := h.SweepRequests(ctx)
			return err
		})
	}

	if h.SweepEmergency != nil {
		s.RegisterHandler(JobTypeSweepEmergency, func(ctx context.Context, job *Job) error {
			_, err := h.SweepEmergency(ctx)
			return err
		})
	}

	if h.SweepSessions != nil {
		s.RegisterHandler(JobTypeSweepSessions, func(ctx context.Context, job *Job) error {
			_, err := h.SweepSessions(ctx)
			return err
		})
	}

	if h.CleanupAudit != nil {
		s.RegisterHandler(JobTypeCleanupAudit, func(ctx context.Context, job *Job) error {
			days := 365
			if d, ok := job.Config["retention_days"]; ok {
				fmt.Sscanf(d, "%d", &days)
			}
			_, err := h.CleanupAudit(ctx, time.Duration(days)*24*time.Hour)
			return err
		})
	}
}

// DefaultJobs returns the standard sweep schedule: lifecycle sweeps every
// five minutes, audit retention cleanup daily.
func DefaultJobs() []*Job {
	return []*Job{
		{
			ID:          "sweep-grants",
			Name:        "Expire overdue grants",
			Description: "Marks active grants past their expiry as expired",
			Schedule:    "*/5 * * * *",
			JobType:     JobTypeSweepGrants,
			Enabled:     true,
		},
		{
			ID:          "sweep-requests",
			Name:        "Expire overdue access requests",
			Description: "Expires pending requests past the approval timeout",
			Schedule:    "*/5 * * * *",
			JobType:     JobTypeSweepRequests,
			Enabled:     true,
		},
		{
			ID:          "sweep-emergency",
			Name:        "Expire overdue emergency requests",
			Description: "Expires pending break-glass requests past the approval timeout",
			Schedule:    "*/5 * * * *",
			JobType:     JobTypeSweepEmergency,
			Enabled:     true,
		},
		{
			ID:          "sweep-sessions",
			Name:        "Expire overdue emergency sessions",
			Description: "Ends active emergency sessions past their expiry",
			Schedule:    "*/5 * * * *",
			JobType:     JobTypeSweepSessions,
			Enabled:     true,
		},
		{
			ID:          "cleanup-audit",
			Name:        "Audit retention cleanup",
			Description: "Removes audit records older than the retention window",
			Schedule:    "0 3 * * *",
			JobType:     JobTypeCleanupAudit,
			Enabled:     true,
		},
	}
}
