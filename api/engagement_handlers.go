package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"auditflow/engagement"
	"auditflow/policy"
)

type createEngagementRequest struct {
	ClientID        string `json:"client_id"`
	FiscalPeriodEnd string `json:"fiscal_period_end"`
	EngagementType  string `json:"engagement_type"`
	TotalAssets     int64  `json:"total_assets"`
	Revenue         int64  `json:"revenue"`
}

func (s *Server) handleCreateEngagement(w http.ResponseWriter, r *http.Request) {
	var req createEngagementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	periodEnd, err := time.Parse("2006-01-02", req.FiscalPeriodEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "fiscal_period_end must be YYYY-MM-DD")
		return
	}

	eng, err := s.engagements.Create(r.Context(), userIDFrom(r.Context()), engagement.CreateParams{
		ClientID:        req.ClientID,
		FiscalPeriodEnd: periodEnd,
		EngagementType:  req.EngagementType,
		TotalAssets:     req.TotalAssets,
		Revenue:         req.Revenue,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, eng)
}

func (s *Server) handleGetEngagement(w http.ResponseWriter, r *http.Request) {
	eng, err := s.engagements.Get(r.Context(), chi.URLParam(r, "engagementID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng)
}

func (s *Server) handleListEngagements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	engagements, total, err := s.engagements.List(r.Context(), engagement.ListFilters{
		ClientID: q.Get("client_id"),
		State:    q.Get("state"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"engagements": engagements,
		"total":       total,
	})
}

type assignUserRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (s *Server) handleAssignUser(w http.ResponseWriter, r *http.Request) {
	var req assignUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.engagements.AssignUser(r.Context(), chi.URLParam(r, "engagementID"), req.UserID, req.Role); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	TargetState string `json:"target_state"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TargetState == "" {
		writeError(w, http.StatusBadRequest, "target_state is required")
		return
	}

	result, err := s.status.RequestTransition(r.Context(), engagement.TransitionParams{
		EngagementID: chi.URLParam(r, "engagementID"),
		TargetState:  req.TargetState,
		ActorID:      userIDFrom(r.Context()),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type reopenRequest struct {
	TargetState string `json:"target_state"`
	Reason      string `json:"reason"`
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	var req reopenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TargetState == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "target_state and reason are required")
		return
	}

	eng, err := s.status.Reopen(r.Context(), engagement.ReopenParams{
		EngagementID: chi.URLParam(r, "engagementID"),
		TargetState:  req.TargetState,
		Reason:       req.Reason,
		ActorID:      userIDFrom(r.Context()),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng)
}

type evaluateRequest struct {
	Transition string `json:"transition"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Transition == "" {
		writeError(w, http.StatusBadRequest, "transition is required")
		return
	}

	results, err := s.status.EvaluatePolicies(r.Context(),
		chi.URLParam(r, "engagementID"),
		userIDFrom(r.Context()),
		policy.Transition(req.Transition))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": toEvaluationResponses(results)})
}

type evaluationResponse struct {
	ID          string             `json:"id"`
	PolicyID    string             `json:"policy_id"`
	Status      string             `json:"status"`
	Exceptions  []policy.Exception `json:"exceptions"`
	Fingerprint string             `json:"fingerprint"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}

func toEvaluationResponses(results []policy.EvaluationResult) []evaluationResponse {
	out := make([]evaluationResponse, 0, len(results))
	for _, res := range results {
		exceptions := res.Exceptions
		if exceptions == nil {
			exceptions = []policy.Exception{}
		}
		out = append(out, evaluationResponse{
			ID:          res.ID,
			PolicyID:    res.PolicyID,
			Status:      string(res.Status),
			Exceptions:  exceptions,
			Fingerprint: res.Fingerprint,
			EvaluatedAt: res.EvaluatedAt,
		})
	}
	return out
}
