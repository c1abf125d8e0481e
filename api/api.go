// Package api exposes the engagement lifecycle over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"auditflow/attestation"
	"auditflow/audittrail"
	"auditflow/auth"
	"auditflow/client"
	"auditflow/engagement"
	"auditflow/reviewnote"
	"auditflow/waiver"
)

// Server bundles the services the HTTP layer fronts.
type Server struct {
	pool         *pgxpool.Pool
	auth         *auth.Service
	clients      *client.Service
	engagements  *engagement.CRUDService
	status       *engagement.StatusService
	waivers      *waiver.Service
	attestations *attestation.Service
	notes        *reviewnote.Service
	trail        *audittrail.Service
}

type Services struct {
	Pool         *pgxpool.Pool
	Auth         *auth.Service
	Clients      *client.Service
	Engagements  *engagement.CRUDService
	Status       *engagement.StatusService
	Waivers      *waiver.Service
	Attestations *attestation.Service
	Notes        *reviewnote.Service
	Trail        *audittrail.Service
}

func NewServer(deps Services) *Server {
	return &Server{
		pool:         deps.Pool,
		auth:         deps.Auth,
		clients:      deps.Clients,
		engagements:  deps.Engagements,
		status:       deps.Status,
		waivers:      deps.Waivers,
		attestations: deps.Attestations,
		notes:        deps.Notes,
		trail:        deps.Trail,
	}
}

// Router builds the chi route tree. Everything under /api/v1 except the auth
// endpoints requires a Bearer token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth(s.auth))

			r.Get("/me", s.handleMe)

			r.Post("/clients", s.handleCreateClient)
			r.Get("/clients", s.handleListClients)
			r.Get("/clients/{clientID}", s.handleGetClient)

			r.Post("/engagements", s.handleCreateEngagement)
			r.Get("/engagements", s.handleListEngagements)

			r.Route("/engagements/{engagementID}", func(r chi.Router) {
				r.Get("/", s.handleGetEngagement)
				r.Post("/assignments", s.handleAssignUser)
				r.Post("/transition", s.handleTransition)
				r.Post("/reopen", s.handleReopen)
				r.Post("/evaluate", s.handleEvaluate)
				r.Get("/audit-trail", s.handleAuditTrail)

				r.Post("/waivers", s.handleIssueWaiver)
				r.Get("/waivers", s.handleListWaivers)
				r.Post("/waivers/{waiverID}/revoke", s.handleRevokeWaiver)

				r.Post("/attestations", s.handleSign)
				r.Get("/attestations/{targetState}", s.handleLatestAttestation)

				r.Post("/review-notes", s.handleRaiseNote)
				r.Get("/review-notes", s.handleListNotes)
				r.Post("/review-notes/{noteID}/address", s.handleAddressNote)
				r.Post("/review-notes/{noteID}/clear", s.handleClearNote)
			})
		})
	})

	return r
}
