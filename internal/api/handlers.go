package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/auth"
	"github.com/sentinelsec/gatewarden/internal/engine"
	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/store"
)

func (s *Server) evaluateAccess(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req engine.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.SegmentID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "validation_error", "segment_id is required")
		return
	}
	if req.Department == "" {
		req.Department = claims.Department
	}

	result, err := s.engine.Evaluate(r.Context(), claims.Actor(), req)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

type submitRequestRequest struct {
	SegmentID     uuid.UUID `json:"segment_id"`
	Justification string    `json:"justification"`
	DurationHours float64   `json:"duration_hours"`
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req submitRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.SegmentID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "validation_error", "segment_id is required")
		return
	}

	created, err := s.engine.SubmitApprovalRequest(r.Context(), claims.Actor(), req.SegmentID, req.Justification, req.DurationHours)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	filters := store.ListRequestFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := models.RequestStatus(st)
		filters.Status = &status
	}
	if segmentID := r.URL.Query().Get("segment_id"); segmentID != "" {
		if id, err := uuid.Parse(segmentID); err == nil {
			filters.SegmentID = &id
		}
	}

	// Non-admins only see their own requests.
	actor := claims.Actor()
	if !actor.IsAdmin() {
		filters.SubjectID = &claims.UserID
	} else if subjectID := r.URL.Query().Get("subject_id"); subjectID != "" {
		filters.SubjectID = &subjectID
	}

	requests, total, err := s.store.ListAccessRequests(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, requests, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "requestID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid request ID")
		return
	}

	req, err := s.engine.GetRequest(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Decision models.ApprovalDecision `json:"decision"`
	Comments string                  `json:"comments,omitempty"`
}

func (s *Server) recordDecision(w http.ResponseWriter, r *http.Request) {
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

	status, err := s.engine.RecordApprovalDecision(r.Context(), id, claims.Actor(), req.Decision, req.Comments)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
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

	if err := s.engine.CancelRequest(r.Context(), id, claims.Actor()); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) listMyGrants(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	subjectID := claims.UserID
	actor := claims.Actor()
	if actor.IsAdmin() {
		if q := r.URL.Query().Get("subject_id"); q != "" {
			subjectID = q
		}
	}
	activeOnly := r.URL.Query().Get("active_only") == "true"

	grantList, err := s.grants.ListForSubject(r.Context(), subjectID, activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, grantList)
}

func (s *Server) getGrantStatus(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "grantID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid grant ID")
		return
	}

	status, err := s.engine.GetGrantStatus(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

type revokeGrantRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) revokeGrant(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	idStr := chi.URLParam(r, "grantID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid grant ID")
		return
	}

	var req revokeGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if err := s.engine.RevokeGrant(r.Context(), id, claims.Actor(), req.Reason); err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) getDashboardSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.GetDashboardCounts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	queueStats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Warn("failed to read queue stats", "error", err)
		queueStats = map[string]int64{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active_policies":   counts.ActivePolicies,
		"active_segments":   counts.ActiveSegments,
		"pending_requests":  counts.PendingRequests,
		"active_grants":     counts.ActiveGrants,
		"pending_emergency": counts.PendingEmergency,
		"active_sessions":   counts.ActiveSessions,
		"notification_queue": queueStats,
	})
}
