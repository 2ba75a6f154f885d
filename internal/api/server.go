package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sentinelsec/gatewarden/internal/audit"
	"github.com/sentinelsec/gatewarden/internal/auth"
	"github.com/sentinelsec/gatewarden/internal/config"
	"github.com/sentinelsec/gatewarden/internal/decision"
	"github.com/sentinelsec/gatewarden/internal/engine"
	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/grants"
	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/notifications"
	"github.com/sentinelsec/gatewarden/internal/policy"
	"github.com/sentinelsec/gatewarden/internal/queue"
	"github.com/sentinelsec/gatewarden/internal/reports"
	"github.com/sentinelsec/gatewarden/internal/scheduler"
	"github.com/sentinelsec/gatewarden/internal/scoring"
	"github.com/sentinelsec/gatewarden/internal/store"
	"github.com/sentinelsec/gatewarden/internal/workflow"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	userStore   auth.UserStore

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	queue  *queue.Queue
	worker *queue.Worker

	engine       *engine.Engine
	policyEngine *policy.Engine
	grants       *grants.Manager
	emergency    *workflow.Emergency
	workflow     *workflow.Workflow
	auditService *audit.Service

	reportGenerator     *reports.Generator
	notificationService *notifications.Service
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		queue:  q,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.userStore = auth.NewPostgresUserStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.userStore)

	s.auditService = audit.NewService(cfg.Audit.HMACSecret, cfg.Audit.RedactionCap, st, s.logger)

	s.notificationService = notifications.NewService(cfg.Notifications, s.logger)
	dispatcher := queue.NewDispatcher(q, s.logger)
	s.worker = queue.NewWorker(q, s.notificationService, s.logger)

	s.grants = grants.NewManager(st, engine.NewRedisGrantCache(q, s.logger), s.auditService, s.logger)

	s.workflow = workflow.New(workflow.Config{
		ApprovalTimeout:   cfg.Workflow.ApprovalTimeout,
		RequiredApprovals: cfg.Workflow.RequiredApprovals,
		MaxRetries:        cfg.Workflow.MaxRetries,
		RetryBackoff:      cfg.Workflow.RetryBackoff,
	}, st, s.auditService, dispatcher, s.grants.Activate, s.logger)

	s.emergency, err = workflow.NewEmergency(cfg.Workflow, st, s.auditService, dispatcher, dispatcher, s.logger)
	if err != nil {
		return nil, fmt.Errorf("initializing emergency workflow: %w", err)
	}

	s.policyEngine = policy.NewEngine(st)

	scorer := scoring.NewEngine(scoring.Providers{
		History: &engine.StoreHistoryProvider{Store: st},
	}, s.logger)

	decider := decision.NewEngine(decision.Thresholds{
		AutoApprove:     cfg.Scoring.AutoApproveThreshold,
		RequireApproval: cfg.Scoring.RequireApprovalThreshold,
		ContextualRisk:  cfg.Scoring.ContextualRiskThreshold,
	})

	s.engine = engine.New(engine.Deps{
		Store:     st,
		Scorer:    scorer,
		Decider:   decider,
		Policies:  s.policyEngine,
		Workflow:  s.workflow,
		Emergency: s.emergency,
		Grants:    s.grants,
		Audit:     s.auditService,
		Logger:    s.logger,
	})

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)

	handlers := &scheduler.SweepHandlers{
		SweepGrants:    s.grants.SweepExpired,
		SweepRequests:  s.workflow.SweepTimeouts,
		SweepEmergency: s.emergency.SweepTimeouts,
		SweepSessions:  s.emergency.SweepSessions,
		CleanupAudit: func(ctx context.Context, olderThan time.Duration) (int64, error) {
			return st.DeleteAuditRecordsBefore(ctx, time.Now().Add(-olderThan))
		},
	}
	handlers.Register(s.scheduler)

	s.reportGenerator = reports.NewGenerator(st)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleAdmin, models.RoleSeniorAdmin))
				r.Get("/users", s.listUsers)
				r.Post("/users", s.createUser)
				r.Put("/users/{userID}", s.updateUser)
				r.Delete("/users/{userID}", s.deleteUser)
			})

			r.Route("/access", func(r chi.Router) {
				r.Post("/evaluate", s.evaluateAccess)
			})

			r.Route("/requests", func(r chi.Router) {
				r.Get("/", s.listRequests)
				r.Post("/", s.submitRequest)
				r.Get("/{requestID}", s.getRequest)
				r.Post("/{requestID}/decision", s.recordDecision)
				r.Post("/{requestID}/cancel", s.cancelRequest)
			})

			r.Route("/emergency", func(r chi.Router) {
				r.Get("/", s.listEmergencyRequests)
				r.Post("/", s.submitEmergencyRequest)
				r.Get("/{requestID}", s.getEmergencyRequest)
				r.Post("/{requestID}/decision", s.recordEmergencyDecision)
				r.Post("/{requestID}/review", s.fileEmergencyReview)
				r.Get("/{requestID}/report", s.getPostIncidentReport)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/{sessionID}", s.getEmergencySession)
				r.Post("/{sessionID}/activity", s.logSessionActivity)
				r.Post("/{sessionID}/terminate", s.terminateSession)
			})

			r.Route("/grants", func(r chi.Router) {
				r.Get("/", s.listMyGrants)
				r.Get("/{grantID}", s.getGrantStatus)
				r.Post("/{grantID}/revoke", s.revokeGrant)
			})

			r.Route("/policies", func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleAdmin, models.RoleSeniorAdmin))
				r.Get("/", s.listPolicies)
				r.Post("/", s.createPolicy)
				r.Get("/{policyID}", s.getPolicy)
				r.Put("/{policyID}", s.updatePolicy)
				r.Delete("/{policyID}", s.deactivatePolicy)
			})

			r.Route("/segments", func(r chi.Router) {
				r.Get("/", s.listSegments)
				r.Get("/{segmentID}", s.getSegment)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(models.RoleAdmin, models.RoleSeniorAdmin))
					r.Post("/", s.createSegment)
					r.Put("/{segmentID}", s.updateSegment)
					r.Delete("/{segmentID}", s.deactivateSegment)
				})
			})

			r.Route("/audit", func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleAdmin, models.RoleSeniorAdmin))
				r.Get("/records/{recordID}/verify", s.verifyAuditRecord)
				r.Post("/verify", s.verifyAuditTrail)
				r.Get("/report", s.getAuditTrailReport)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleAdmin, models.RoleSeniorAdmin))
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})

			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/summary", s.getDashboardSummary)
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	for _, job := range scheduler.DefaultJobs() {
		if err := s.schedulerStore.CreateJob(ctx, job); err != nil {
			s.logger.Error("failed to seed scheduled job", "job_id", job.ID, "error", err)
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	if err := s.worker.Start(ctx); err != nil {
		s.logger.Error("failed to start notification worker", "error", err)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		s.worker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

// respondEngineError maps the engine's error kinds to HTTP statuses so
// handlers do not repeat the switch.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsValidation(err):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errdefs.IsNotFound(err):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errdefs.IsAuthorization(err):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errdefs.IsConflict(err):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errdefs.IsIntegrity(err):
		respondError(w, http.StatusConflict, "integrity_error", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal error")
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
