package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/auth"
	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/reports"
	"github.com/sentinelsec/gatewarden/internal/workflow"
)

type emergencyRequestRequest struct {
	EmergencyType     models.EmergencyType `json:"emergency_type"`
	UrgencyLevel      models.UrgencyLevel  `json:"urgency_level"`
	Justification     string               `json:"justification"`
	RequiredResources []string             `json:"required_resources"`
	DurationHours     float64              `json:"duration_hours"`
}

func (s *Server) submitEmergencyRequest(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req emergencyRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	created, err := s.engine.SubmitEmergencyRequest(r.Context(), claims.Actor(), workflow.SubmitRequest{
		EmergencyType:     req.EmergencyType,
		UrgencyLevel:      req.UrgencyLevel,
		Justification:     req.Justification,
		RequiredResources: req.RequiredResources,
		DurationHours:     req.DurationHours,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) listEmergencyRequests(w http.ResponseWriter, r *http.Request) {
	var status *models.EmergencyStatus
	if st := r.URL.Query().Get("status"); st != "" {
		es := models.EmergencyStatus(st)
		status = &es
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	requests, err := s.store.ListEmergencyRequests(r.Context(), status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, requests)
}

func (s *Server) getEmergencyRequest(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "requestID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid request ID")
		return
	}

	req, err := s.store.GetEmergencyRequest(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if req == nil {
		respondError(w, http.StatusNotFound, "not_found", "Emergency request not found")
		return
	}

	respondJSON(w, http.StatusOK, req)
}

func (s *Server) recordEmergencyDecision(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	idStr := chi.URLParam(r, "requestID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid request ID")
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	status, err := s.engine.ProcessEmergencyApproval(r.Context(), id, claims.Actor(), req.Decision, req.Comments)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

type fileReviewRequest struct {
	Findings string `json:"findings"`
}

func (s *Server) fileEmergencyReview(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	idStr := chi.URLParam(r, "requestID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid request ID")
		return
	}

	var req fileReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if err := s.emergency.FileReview(r.Context(), id, claims.Actor(), req.Findings); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "reviewed"})
}

func (s *Server) getEmergencySession(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "sessionID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid session ID")
		return
	}

	sess, err := s.store.GetEmergencySession(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}

	respondJSON(w, http.StatusOK, sess)
}

type sessionActivityRequest struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Details  string `json:"details,omitempty"`
}

func (s *Server) logSessionActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	idStr := chi.URLParam(r, "sessionID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid session ID")
		return
	}

	var req sessionActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Action == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "action is required")
		return
	}

	if err := s.emergency.LogActivity(r.Context(), id, claims.Actor(), req.Action, req.Resource, req.Details); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged"})
}

type terminateSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	idStr := chi.URLParam(r, "sessionID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid session ID")
		return
	}

	var req terminateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if err := s.emergency.Terminate(r.Context(), id, claims.Actor(), req.Reason); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) getPostIncidentReport(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	idStr := chi.URLParam(r, "requestID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid request ID")
		return
	}

	report, err := s.reportGenerator.PostIncidentReport(r.Context(), id, claims.Email)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename)
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	_, _ = w.Write(report.Data)
}

func (s *Server) verifyAuditRecord(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "recordID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid record ID")
		return
	}

	if err := s.engine.VerifyAuditRecord(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"record_id": id,
		"verified":  true,
	})
}

type verifyTrailRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) verifyAuditTrail(w http.ResponseWriter, r *http.Request) {
	var req verifyTrailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.End.IsZero() {
		req.End = time.Now()
	}
	if req.Start.IsZero() {
		req.Start = req.End.AddDate(0, 0, -30)
	}

	result, err := s.engine.VerifyAuditTrail(r.Context(), req.Start, req.End)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) getAuditTrailReport(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	end := time.Now()
	start := end.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	format := reports.FormatCSV
	if f := r.URL.Query().Get("format"); f != "" {
		format = reports.ReportFormat(f)
	}

	report, err := s.reportGenerator.AuditTrailReport(r.Context(), start, end, format, claims.Email)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename)
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	_, _ = w.Write(report.Data)
}
