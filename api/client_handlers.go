package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type createClientRequest struct {
	Name     string `json:"name"`
	Industry string `json:"industry"`
	EIN      string `json:"ein"`
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	profile, err := s.clients.Create(r.Context(), req.Name, req.Industry, req.EIN)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	profiles, err := s.clients.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": profiles})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	profile, err := s.clients.GetByID(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
