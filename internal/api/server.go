// Package api exposes deals, transcript extraction and the reconciliation
// workflow over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/intake"
	"github.com/sells-group/dealflow-cli/internal/metrics"
	"github.com/sells-group/dealflow-cli/internal/reconcile"
	"github.com/sells-group/dealflow-cli/internal/resilience"
	"github.com/sells-group/dealflow-cli/internal/review"
	"github.com/sells-group/dealflow-cli/internal/store"
)

// maxBodyBytes bounds request bodies; transcripts of long calls run to a few
// hundred KB.
const maxBodyBytes = 5 << 20

// Deps are the services the handlers call.
type Deps struct {
	Store     store.Store
	Intake    *intake.Service
	Reconcile *reconcile.Service
	Sessions  *review.Manager
	Metrics   *metrics.Metrics
	Breakers  *resilience.ServiceBreakers

	// AllowedOrigins configures CORS. Empty allows any origin.
	AllowedOrigins []string
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
}

// NewRouter builds the chi router for the API.
func NewRouter(deps Deps) http.Handler {
	s := &Server{deps: deps}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/extract-transcript", s.extractTranscript)

		r.Route("/deals", func(r chi.Router) {
			r.Post("/", s.createDeal)
			r.Get("/", s.listDeals)
			r.Route("/{dealID}", func(r chi.Router) {
				r.Get("/", s.getDeal)
				r.Patch("/", s.patchDeal)
				r.Post("/transcripts", s.submitTranscript)
				r.Get("/transcripts", s.listTranscripts)
				r.Get("/updates/pending", s.listPending)
				r.Post("/updates/approve-all", s.approveAll)
				r.Post("/updates/reject-all", s.rejectAll)
			})
		})

		r.Route("/updates", func(r chi.Router) {
			r.Post("/resolve", s.resolveBatch)
			r.Post("/{updateID}/approve", s.approveOne)
			r.Post("/{updateID}/reject", s.rejectOne)
		})

		r.Route("/review-sessions", func(r chi.Router) {
			r.Post("/", s.openSession)
			r.Get("/{sessionID}", s.getSession)
			r.Post("/{sessionID}/refresh", s.refreshSession)
			r.Delete("/{sessionID}", s.closeSession)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]any{"status": "ok"}
	code := http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.deps.Breakers != nil {
		circuits := map[string]string{}
		for name, st := range s.deps.Breakers.States() {
			circuits[name] = st.String()
		}
		resp["circuits"] = circuits
	}
	if s.deps.Sessions != nil {
		resp["review_sessions"] = s.deps.Sessions.Len()
	}
	writeJSON(w, code, resp)
}

// requestLogger logs one line per request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
