package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the remote compliance
// mirror.
//
// Route layout:
//
//	GET  /healthz            – liveness probe (no authentication required)
//	POST /api/v1/proofs      – ingest a batch of run reports (JWT required)
//	GET  /api/v1/proofs      – paginated proof query (JWT required)
//	GET  /api/v1/tenants     – list all tenants (JWT required)
//	GET  /api/v1/audit       – tamper-evident audit log query (JWT required)
//
// secret is the shared HS256 signing secret used to verify Bearer tokens on
// all /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, secret []byte) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if secret != nil {
			r.Use(JWTMiddleware(secret))
		}

		r.Post("/proofs", srv.handlePostProofs)
		r.Get("/proofs", srv.handleGetProofs)
		r.Get("/tenants", srv.handleGetTenants)
		r.Get("/audit", srv.handleGetAudit)
	})

	return r
}
