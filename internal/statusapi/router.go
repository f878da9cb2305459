package statusapi

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stringhub-core/stringhub/internal/metrics"
)

// NewRouter returns a configured chi.Router for the string hub's status and
// control API.
//
// Route layout:
//
//	GET  /healthz               – liveness probe (no authentication)
//	GET  /metrics               – Prometheus text exposition (no authentication)
//	GET  /api/v1/engines        – every stream kind's engine observables (JWT required)
//	GET  /api/v1/engines/{kind} – one stream kind's engine observables (JWT required)
//	POST /api/v1/runlevel       – inject a run-level transition (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on /api/v1
// routes. Pass nil to disable JWT validation (dev only).
func NewRouter(srv *Server, reg *metrics.Registry, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", reg.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/engines", srv.handleListEngines)
		r.Get("/engines/{kind}", func(w http.ResponseWriter, req *http.Request) {
			srv.handleGetEngine(w, req, chi.URLParam(req, "kind"))
		})
		r.Post("/runlevel", srv.handleSetRunLevel)
	})

	return r
}
