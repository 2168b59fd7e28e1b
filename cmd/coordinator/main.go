// Command coordinator runs the fabric coordinator: the HTTP/WS API, the
// scheduler and verifier, the credit ledger, and the presence sweep that
// keeps node and job state honest.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/auth"
	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/eventbus"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/internal/wsgateway"
	fabricauth "github.com/wisbric/nightowl/pkg/auth"
	"github.com/wisbric/nightowl/pkg/fabric/orchestrator"
	"github.com/wisbric/nightowl/pkg/fabric/presence"
	"github.com/wisbric/nightowl/pkg/fabric/store"
	"github.com/wisbric/nightowl/pkg/ledger"
	"github.com/wisbric/nightowl/pkg/p2p"
	"github.com/wisbric/nightowl/pkg/scheduler"
	"github.com/wisbric/nightowl/pkg/trainingstore"
	"github.com/wisbric/nightowl/pkg/verifier"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting fabric coordinator", "listen", cfg.ListenAddr())

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(append(telemetry.All(), httpserver.MetricsCollectors()...)...)

	tokens := fabricauth.NewNodeTokenManager(cfg.NodeTokenSecret, cfg.NodeTokenTTL())
	hashKeys := fabricauth.NewAssignmentHashKeys(cfg.JobAssignmentHashSecret, cfg.JobAssignmentHashTTL())
	credits := ledger.New(cfg.BootstrapUserCredits, time.Now)

	hub := eventbus.NewHub(rdb, logger)
	hubCtx, hubCancel := context.WithCancel(ctx)
	defer hubCancel()
	go hub.Run(hubCtx)

	rank := &scheduler.WeightedRanker{Cfg: scheduler.Config{SingleNodeFallback: cfg.EnableSingleNodeTestFallback}}
	verify := &verifier.HashEmbeddingVerifier{SimilarityThreshold: cfg.VerificationSimilarityThreshold}

	st := store.New(rank, verify, credits, hashKeys, cfg.EnableSingleNodeTestFallback, hub)
	if cfg.StateSnapshotPath != "" {
		if err := st.LoadSnapshot(cfg.StateSnapshotPath); err != nil {
			logger.Error("loading state snapshot, starting empty", "path", cfg.StateSnapshotPath, "error", err)
		} else {
			logger.Info("state snapshot loaded", "path", cfg.StateSnapshotPath)
		}
	}
	st.SeedNodes()

	orch := orchestrator.New(st, credits)

	trainingStore, closeTraining, err := buildTrainingStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building training store: %w", err)
	}
	if closeTraining != nil {
		defer closeTraining()
	}

	presenceCfg := presence.Config{
		BroadcastInterval: cfg.NetworkBroadcastInterval(),
		ClaimTimeout:      cfg.JobClaimTimeout(),
		HeartbeatTimeout:  cfg.NodeHeartbeatTimeout(),
	}
	publisher := presence.New(st, hub, trainingStore, presenceCfg, logger)
	presenceCtx, presenceCancel := context.WithCancel(ctx)
	defer presenceCancel()
	go publisher.Run(presenceCtx)

	if cfg.StateSnapshotPath != "" {
		snapshotCtx, snapshotCancel := context.WithCancel(ctx)
		defer snapshotCancel()
		go runSnapshotTicker(snapshotCtx, st, cfg.StateSnapshotPath, logger)
	}

	limiter := auth.NewRateLimiter(rdb, 10, 15*time.Minute)

	srv := httpserver.NewServer(cfg, logger, rdb, metricsReg, st, orch, credits, hub, tokens, hashKeys, limiter)

	gateway := wsgateway.New(hub, st, logger)
	gateway.Mount(srv.Router)

	mountTraining(srv, trainingStore, logger)
	mountP2P(srv, cfg, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	presenceCancel()
	hubCancel()

	if cfg.StateSnapshotPath != "" {
		if err := st.SaveSnapshot(cfg.StateSnapshotPath); err != nil {
			logger.Error("saving state snapshot on shutdown", "error", err)
		} else {
			logger.Info("state snapshot saved", "path", cfg.StateSnapshotPath)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func buildTrainingStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (trainingstore.Store, func(), error) {
	if cfg.TrainingStoreDriver != "postgres" {
		return trainingstore.NewMemory(), nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting training postgres: %w", err)
	}
	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("running training migrations: %w", err)
	}
	logger.Info("training store: postgres driver ready")
	return trainingstore.NewPostgres(pool), pool.Close, nil
}

func mountTraining(srv *httpserver.Server, ts trainingstore.Store, logger *slog.Logger) {
	handler := trainingstore.NewHandler(ts, logger)
	srv.APIRouter.Mount("/training", handler.Routes())
}

// runSnapshotTicker periodically persists store state to path until ctx is
// canceled, as ambient crash-recovery hygiene on top of the in-memory
// authoritative store.
func runSnapshotTicker(ctx context.Context, st *store.Store, path string, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.SaveSnapshot(path); err != nil {
				logger.Error("periodic state snapshot failed", "error", err)
			}
		}
	}
}

func mountP2P(srv *httpserver.Server, cfg *config.Config, logger *slog.Logger) {
	if !cfg.P2PEnabled {
		logger.Info("p2p overlay disabled (P2P_ENABLED=false)")
		return
	}
	overlay := p2p.New(uuid.NewString(), 30*time.Second)
	handler := p2p.NewHandler(overlay, logger)
	srv.APIRouter.Mount("/p2p", handler.Routes())
	logger.Info("p2p overlay enabled")
}
