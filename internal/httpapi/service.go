package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kilnfleet/kiln/domain/entitlement"
	"github.com/kilnfleet/kiln/domain/materials"
	"github.com/kilnfleet/kiln/domain/pipelines"
	"github.com/kilnfleet/kiln/domain/printdna"
	"github.com/kilnfleet/kiln/domain/reputation"
	"github.com/kilnfleet/kiln/internal/billing"
	"github.com/kilnfleet/kiln/internal/credentials"
	"github.com/kilnfleet/kiln/internal/eventbus"
	"github.com/kilnfleet/kiln/internal/fulfillment"
	"github.com/kilnfleet/kiln/internal/logging"
	"github.com/kilnfleet/kiln/internal/payment"
	"github.com/kilnfleet/kiln/internal/queue"
	"github.com/kilnfleet/kiln/internal/ratelimit"
	"github.com/kilnfleet/kiln/internal/registry"
	"github.com/kilnfleet/kiln/internal/safety"
	"github.com/kilnfleet/kiln/internal/watcher"
)

// Service bundles every collaborator the RPC surface dispatches to,
// built once at process startup — the same "central Service struct,
// no hidden init order" shape the teacher's gateway main.go wires by
// hand, generalized into one explicit constructor here.
type Service struct {
	Registry      *registry.Registry
	Queue         *queue.Queue
	Safety        *safety.Coordinator
	Watchers      *watcher.Registry
	Bus           *eventbus.Bus
	Billing       *billing.Ledger
	Payments      *payment.Manager
	Fulfillment   *fulfillment.Orchestrator
	Credentials   *credentials.Store
	Reputation    *reputation.Engine
	Entitlement   *entitlement.Enforcer
	PrintDNA      *printdna.Store
	Materials     *materials.Matrix
	Pipelines     *pipelines.Runner
	Log           *logging.Logger
}

// Router builds the full chi mux: CORS, request logging, a rate
// limiter in front of every route, and the grouped route table below.
func (s *Service) Router(limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
	}))
	if limiter != nil {
		r.Use(rateLimitMiddleware(limiter, s.Log))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		s.mountPrinterRoutes(api)
		s.mountQueueRoutes(api)
		s.mountSafetyRoutes(api)
		s.mountWatcherRoutes(api)
		s.mountBillingRoutes(api)
		s.mountFulfillmentRoutes(api)
		s.mountCredentialRoutes(api)
		s.mountReputationRoutes(api)
		s.mountEntitlementRoutes(api)
		s.mountPrintDNARoutes(api)
		s.mountMaterialRoutes(api)
		s.mountPipelineRoutes(api)
	})

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"status": "ok"})
}

// requestLogger mirrors the teacher's structured-access-log middleware
// (method, path, status, latency as fields rather than printf).
func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if log != nil {
				log.Named("httpapi").WithField("method", r.Method).
					WithField("path", r.URL.Path).
					WithField("status", ww.Status()).
					WithField("duration_ms", time.Since(start).Milliseconds()).
					Info("request handled")
			}
		})
	}
}

// rateLimitMiddleware rejects with RATE_LIMITED (spec's error taxonomy)
// once the token bucket is empty, rather than queuing or blocking.
func rateLimitMiddleware(limiter *ratelimit.Limiter, log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, log, rateLimitedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
