package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type raiseNoteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleRaiseNote(w http.ResponseWriter, r *http.Request) {
	var req raiseNoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Note == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}

	note, err := s.notes.Raise(r.Context(), chi.URLParam(r, "engagementID"), userIDFrom(r.Context()), req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.notes.List(r.Context(), chi.URLParam(r, "engagementID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) handleAddressNote(w http.ResponseWriter, r *http.Request) {
	note, err := s.notes.Address(r.Context(), chi.URLParam(r, "engagementID"), chi.URLParam(r, "noteID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleClearNote(w http.ResponseWriter, r *http.Request) {
	note, err := s.notes.Clear(r.Context(), chi.URLParam(r, "engagementID"), chi.URLParam(r, "noteID"), userIDFrom(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}
