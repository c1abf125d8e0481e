package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"auditflow/attestation"
	"auditflow/waiver"
)

type issueWaiverRequest struct {
	PolicyID      string `json:"policy_id"`
	EvaluationID  string `json:"evaluation_id"`
	Justification string `json:"justification"`
}

func (s *Server) handleIssueWaiver(w http.ResponseWriter, r *http.Request) {
	var req issueWaiverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PolicyID == "" || req.EvaluationID == "" || req.Justification == "" {
		writeError(w, http.StatusBadRequest, "policy_id, evaluation_id, and justification are required")
		return
	}

	issued, err := s.waivers.Issue(r.Context(), waiver.IssueParams{
		EngagementID:  chi.URLParam(r, "engagementID"),
		PolicyID:      req.PolicyID,
		EvaluationID:  req.EvaluationID,
		Justification: req.Justification,
		ActorID:       userIDFrom(r.Context()),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleListWaivers(w http.ResponseWriter, r *http.Request) {
	waivers, err := s.waivers.List(r.Context(), s.pool, chi.URLParam(r, "engagementID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if waivers == nil {
		waivers = []waiver.Waiver{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"waivers": waivers})
}

type revokeWaiverRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRevokeWaiver(w http.ResponseWriter, r *http.Request) {
	var req revokeWaiverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	rev, err := s.waivers.Revoke(r.Context(), waiver.RevokeParams{
		EngagementID: chi.URLParam(r, "engagementID"),
		WaiverID:     chi.URLParam(r, "waiverID"),
		Reason:       req.Reason,
		ActorID:      userIDFrom(r.Context()),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

type signRequest struct {
	TargetState string `json:"target_state"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TargetState == "" {
		writeError(w, http.StatusBadRequest, "target_state is required")
		return
	}

	rec, err := s.attestations.Sign(r.Context(), attestation.SignParams{
		EngagementID: chi.URLParam(r, "engagementID"),
		TargetState:  req.TargetState,
		ActorID:      userIDFrom(r.Context()),
		SignedContext: map[string]any{
			"source_ip":  r.RemoteAddr,
			"user_agent": r.UserAgent(),
		},
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleLatestAttestation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.attestations.Latest(r.Context(), s.pool,
		chi.URLParam(r, "engagementID"), chi.URLParam(r, "targetState"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type auditEntryResponse struct {
	Seq        int             `json:"seq"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	EventType  string          `json:"event_type"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	afterSeq, _ := strconv.Atoi(q.Get("after_seq"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	entries, err := s.trail.Trail(r.Context(), chi.URLParam(r, "engagementID"), afterSeq, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			Seq:        e.Seq,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			EventType:  e.EventType,
			ActorID:    e.ActorID,
			Payload:    json.RawMessage(e.Payload),
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
