package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"auditflow/attestation"
	"auditflow/auth"
	"auditflow/client"
	"auditflow/engagement"
	"auditflow/reviewnote"
	"auditflow/waiver"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps service errors onto HTTP statuses. Rejected transitions
// carry their full failure list so the caller can render every blocking reason.
func writeDomainError(w http.ResponseWriter, err error) {
	var blocked *engagement.BlockedError
	if errors.As(err, &blocked) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      err.Error(),
			"unresolved": blocked.Failures,
		})
		return
	}

	switch {
	case errors.Is(err, engagement.ErrNotFound),
		errors.Is(err, waiver.ErrEngagementNotFound),
		errors.Is(err, waiver.ErrWaiverNotFound),
		errors.Is(err, attestation.ErrEngagementNotFound),
		errors.Is(err, attestation.ErrNotFound),
		errors.Is(err, reviewnote.ErrEngagementNotFound),
		errors.Is(err, reviewnote.ErrNoteNotFound),
		errors.Is(err, client.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, engagement.ErrInsufficientAuthority),
		errors.Is(err, waiver.ErrInsufficientAuthority),
		errors.Is(err, waiver.ErrForbidden),
		errors.Is(err, attestation.ErrInsufficientAuthority),
		errors.Is(err, reviewnote.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())

	case errors.Is(err, engagement.ErrConcurrentModification),
		errors.Is(err, waiver.ErrConcurrentModification),
		errors.Is(err, attestation.ErrConcurrentModification),
		errors.Is(err, reviewnote.ErrConcurrentModification):
		// Lock contention: the caller retries with backoff.
		writeError(w, http.StatusConflict, err.Error())

	case errors.Is(err, engagement.ErrInvalidTransition),
		errors.Is(err, attestation.ErrNotSignable):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, waiver.ErrStaleEvaluation),
		errors.Is(err, waiver.ErrEvaluationAlreadyPassing),
		errors.Is(err, waiver.ErrNoEvaluation),
		errors.Is(err, waiver.ErrNotWaivable),
		errors.Is(err, waiver.ErrUnknownPolicy),
		errors.Is(err, waiver.ErrAlreadyRevoked),
		errors.Is(err, attestation.ErrUnevaluatedPolicy),
		errors.Is(err, reviewnote.ErrAlreadyCleared),
		errors.Is(err, engagement.ErrMissingAttestation),
		errors.Is(err, engagement.ErrStaleAttestation),
		errors.Is(err, engagement.ErrUnresolvedBlockingPolicy):
		writeError(w, http.StatusUnprocessableEntity, err.Error())

	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
