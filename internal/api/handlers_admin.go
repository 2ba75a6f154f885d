package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/auth"
	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/scheduler"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid credentials")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = s.authService.LogoutAll(r.Context(), claims.UserID)
	} else {
		_ = s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken)
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    claims.UserID,
		"email":      claims.Email,
		"role":       claims.Role,
		"department": claims.Department,
	})
}

type createUserRequest struct {
	Email      string      `json:"email"`
	Name       string      `json:"name"`
	Password   string      `json:"password"`
	Role       models.Role `json:"role"`
	Department string      `json:"department"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	if req.Role == "" {
		req.Role = models.RoleVisitor
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "Failed to process password")
		return
	}

	user := &auth.User{
		Email:      req.Email,
		Name:       req.Name,
		Password:   hashedPassword,
		Role:       req.Role,
		Department: req.Department,
	}

	if err := s.userStore.CreateUser(r.Context(), user); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	user.Password = ""
	respondJSON(w, http.StatusCreated, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.userStore.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, users)
}

type updateUserRequest struct {
	Name       *string      `json:"name,omitempty"`
	Role       *models.Role `json:"role,omitempty"`
	Department *string      `json:"department,omitempty"`
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	id := chi.URLParam(r, "userID")

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	user, err := s.userStore.GetUserByID(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}

	roleChanged := false
	if req.Name != nil {
		user.Name = *req.Name
	}
	if req.Department != nil {
		user.Department = *req.Department
	}
	if req.Role != nil && *req.Role != user.Role {
		user.Role = *req.Role
		roleChanged = true
	}

	if err := s.userStore.UpdateUser(r.Context(), user); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	// A role change revokes active grants the new role no longer permits.
	if roleChanged {
		revoked, err := s.grants.HandleRoleChange(r.Context(), user.ID, user.Role, claims.Actor())
		if err != nil {
			s.logger.Error("failed to revoke grants after role change", "user_id", user.ID, "error", err)
		} else if revoked > 0 {
			s.logger.Info("revoked grants after role change", "user_id", user.ID, "revoked", revoked)
		}
	}

	user.Password = ""
	respondJSON(w, http.StatusOK, user)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")

	if err := s.userStore.DeleteUser(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"

	policies, err := s.policyEngine.List(r.Context(), activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, policies)
}

type policyRequest struct {
	Name     string          `json:"name"`
	Priority int             `json:"priority"`
	Rules    models.RuleList `json:"rules"`
	IsActive bool            `json:"is_active"`
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	p := &models.Policy{
		Name:     req.Name,
		Priority: req.Priority,
		Rules:    req.Rules,
		IsActive: req.IsActive,
	}

	if err := s.policyEngine.Create(r.Context(), claims.Actor(), p); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "policyID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid policy ID")
		return
	}

	p, err := s.policyEngine.Get(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, p)
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	idStr := chi.URLParam(r, "policyID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid policy ID")
		return
	}

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	p := &models.Policy{
		ID:       id,
		Name:     req.Name,
		Priority: req.Priority,
		Rules:    req.Rules,
		IsActive: req.IsActive,
	}

	if err := s.policyEngine.Update(r.Context(), claims.Actor(), p); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, p)
}

func (s *Server) deactivatePolicy(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	idStr := chi.URLParam(r, "policyID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid policy ID")
		return
	}

	if err := s.policyEngine.Deactivate(r.Context(), claims.Actor(), id); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) listSegments(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"

	segments, err := s.store.ListSegments(r.Context(), activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, segments)
}

func (s *Server) getSegment(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "segmentID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid segment ID")
		return
	}

	seg, err := s.store.GetSegment(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if seg == nil {
		respondError(w, http.StatusNotFound, "not_found", "Segment not found")
		return
	}

	respondJSON(w, http.StatusOK, seg)
}

type segmentRequest struct {
	Name                 string                `json:"name"`
	ResourceType         string                `json:"resource_type"`
	SecurityLevel        int                   `json:"security_level"`
	AllowedRoles         []string              `json:"allowed_roles"`
	RequiresJIT          *bool                 `json:"requires_jit,omitempty"`
	RequiresDualApproval *bool                 `json:"requires_dual_approval,omitempty"`
	MaxAccessDurationHrs float64               `json:"max_access_duration_hours"`
	TimeWindows          models.TimeWindowList `json:"time_windows,omitempty"`
	IsActive             bool                  `json:"is_active"`
}

func (req *segmentRequest) toModel() *models.ResourceSegment {
	seg := &models.ResourceSegment{
		Name:                 req.Name,
		ResourceType:         req.ResourceType,
		SecurityLevel:        req.SecurityLevel,
		AllowedRoles:         req.AllowedRoles,
		MaxAccessDurationHrs: req.MaxAccessDurationHrs,
		TimeWindows:          req.TimeWindows,
		IsActive:             req.IsActive,
	}
	seg.ApplyLevelDefaults()
	if req.RequiresJIT != nil {
		seg.RequiresJIT = *req.RequiresJIT
	}
	if req.RequiresDualApproval != nil {
		seg.RequiresDualApproval = *req.RequiresDualApproval
	}
	return seg
}

func (s *Server) createSegment(w http.ResponseWriter, r *http.Request) {
	var req segmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.ResourceType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name and resource_type are required")
		return
	}
	if req.SecurityLevel < 1 || req.SecurityLevel > 5 {
		respondError(w, http.StatusBadRequest, "validation_error", "security_level must be between 1 and 5")
		return
	}

	seg := req.toModel()
	if err := s.store.CreateSegment(r.Context(), seg); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, seg)
}

func (s *Server) updateSegment(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "segmentID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid segment ID")
		return
	}

	var req segmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.SecurityLevel < 1 || req.SecurityLevel > 5 {
		respondError(w, http.StatusBadRequest, "validation_error", "security_level must be between 1 and 5")
		return
	}

	seg := req.toModel()
	seg.ID = id
	if err := s.store.UpdateSegment(r.Context(), seg); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, seg)
}

func (s *Server) deactivateSegment(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "segmentID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid segment ID")
		return
	}

	if err := s.store.DeactivateSegment(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.schedulerStore.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	job := &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "job_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, execs)
}
