package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/internal/auth"
	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/eventbus"
	fabricauth "github.com/wisbric/nightowl/pkg/auth"
	"github.com/wisbric/nightowl/pkg/fabric/orchestrator"
	"github.com/wisbric/nightowl/pkg/fabric/store"
	"github.com/wisbric/nightowl/pkg/ledger"
)

// Server holds the coordinator's HTTP dependencies and router.
type Server struct {
	Router    chi.Router
	APIRouter chi.Router // /api/v1 sub-router; training/p2p handlers mount here when enabled
	Logger    *slog.Logger
	Redis     *redis.Client

	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	credits      *ledger.Ledger
	hub          *eventbus.Hub
	tokens       *fabricauth.NodeTokenManager
	cfg          *config.Config

	startedAt time.Time
}

// NewServer wires the coordinator's HTTP routes: node registration and
// heartbeat, job submission and polling, network status, credits, and the
// admin views, plus the ambient /healthz and /metrics endpoints. Domain
// handlers for the training and p2p subsystems are mounted separately by
// the caller when those subsystems are enabled.
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	st *store.Store,
	orch *orchestrator.Orchestrator,
	credits *ledger.Ledger,
	hub *eventbus.Hub,
	tokens *fabricauth.NodeTokenManager,
	hashKeys *fabricauth.AssignmentHashKeys,
	limiter *auth.RateLimiter,
) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		Logger:       logger,
		Redis:        rdb,
		store:        st,
		orchestrator: orch,
		credits:      credits,
		hub:          hub,
		tokens:       tokens,
		cfg:          cfg,
		startedAt:    time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Node-Join-Token", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	nodeBearer := auth.NodeBearer(tokens)
	adminKey := auth.AdminKey(cfg.AdminAPIKey, limiter)

	s.Router.Route("/api/v1", func(api chi.Router) {
		api.Route("/nodes", func(r chi.Router) {
			r.With(auth.JoinToken(cfg.NodeJoinToken)).Post("/register", s.handleRegisterNode)
			r.With(nodeBearer).Post("/{id}/heartbeat", s.handleHeartbeat)
			r.With(nodeBearer).Get("/{id}/jobs/next", s.handleClaimNextJob)
			r.With(nodeBearer).Post("/{id}/jobs/{job_id}/result", s.handleSubmitResult)
			r.With(nodeBearer).Post("/{id}/jobs/{job_id}/fail", s.handleSubmitFailure)
		})

		api.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/retry", s.handleRetryJob)
		})

		api.Route("/network", func(r chi.Router) {
			r.Get("/stats", s.handleNetworkStats)
			r.Get("/snapshot", s.handleNetworkSnapshot)
		})

		api.Route("/credits", func(r chi.Router) {
			r.Get("/accounts/{type}/{id}", s.handleGetAccount)
			r.Get("/transactions/list", s.handleListTransactions)
			r.Post("/spend", s.handleSpendCredits)
			r.With(adminKey).Post("/mint", s.handleMintCredits)
			r.With(adminKey).Post("/reward", s.handleRewardNode)
			r.With(adminKey).Post("/transfer", s.handleTransferCredits)
		})

		api.Route("/admin", func(r chi.Router) {
			r.Use(adminKey)
			r.Get("/nodes", s.handleAdminNodes)
			r.Get("/jobs/distribution", s.handleAdminJobsDistribution)
			r.Get("/jobs/status-counts", s.handleAdminJobsStatusCounts)
			r.Get("/jobs/live", s.handleAdminJobsLive)
		})

		s.APIRouter = api
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.Redis == nil {
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if err := s.Redis.Ping(r.Context()).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
