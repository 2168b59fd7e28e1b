package nodeagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/wisbric/nightowl/internal/config"
)

// retryTransient retries op up to two attempts total, sleeping
// min(2^attempt, 8) seconds between tries. It is used for the node agent's
// outbound calls, where a transient network error should not immediately
// surface as a claim or heartbeat failure.
func retryTransient[T any](ctx context.Context, op func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.MaxInterval = 8 * time.Second
	eb.RandomizationFactor = 0

	return backoff.Retry(ctx, func() (T, error) {
		return op()
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(2))
}

// Agent runs the three cooperative loops that make up a node's presence in
// the fabric: a coordinator health poller, a heartbeat loop, and a claim
// worker that executes jobs through a Workload.
type Agent struct {
	cfg    *config.AgentConfig
	client *coordinatorClient
	logger *slog.Logger

	sandbox  Workload
	local    Workload
	fallback bool
	useSandbox bool

	mu          sync.Mutex
	state       *State
	trustScore  float64
	connected   atomic.Bool
	registered  atomic.Bool
	jobsRunning atomic.Int32
	currentJob  atomic.String

	stop chan struct{}
	done chan struct{}
}

// New builds a node agent from its bootstrap configuration and a pluggable
// workload used to execute claimed jobs.
func New(cfg *config.AgentConfig, logger *slog.Logger, local, sandbox Workload) *Agent {
	return &Agent{
		cfg:        cfg,
		client:     newCoordinatorClient(cfg.CoordinatorURL, cfg.RequestTimeout()),
		logger:     logger,
		sandbox:    sandbox,
		local:      local,
		fallback:   cfg.FallbackToLocal,
		useSandbox: cfg.UseContainerSandbox,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start loads or creates local state, registers with the coordinator if
// needed, and launches the three background loops. It returns once
// registration succeeds or fails permanently.
func (a *Agent) Start(ctx context.Context) error {
	state, err := LoadState(a.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading node state: %w", err)
	}
	if state == nil {
		state = &State{
			NodeID:         uuid.NewString(),
			CoordinatorURL: a.cfg.CoordinatorURL,
			GPU:            a.cfg.GPU,
			VRAMTotalGB:    a.cfg.VRAMTotalGB,
			Region:         a.cfg.Region,
		}
	}

	trust, err := LoadTrustScore(a.cfg.TrustScorePath)
	if err != nil {
		return fmt.Errorf("loading trust score: %w", err)
	}

	a.mu.Lock()
	a.state = state
	a.trustScore = trust
	a.mu.Unlock()

	if err := a.register(ctx); err != nil {
		return fmt.Errorf("registering node: %w", err)
	}

	go a.run(ctx)
	return nil
}

// Stop signals all loops to exit, waits for them, and emits a best-effort
// final offline heartbeat.
func (a *Agent) Stop(ctx context.Context) {
	close(a.stop)
	<-a.done

	a.mu.Lock()
	nodeID, token := a.state.NodeID, a.state.NodeToken
	a.mu.Unlock()

	hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status := "offline"
	if err := a.client.heartbeat(hbCtx, nodeID, token, heartbeatRequest{Status: status}); err != nil {
		a.logger.Warn("nodeagent: final offline heartbeat failed", "node_id", nodeID, "error", err)
	}
}

func (a *Agent) register(ctx context.Context) error {
	a.mu.Lock()
	state := *a.state
	a.mu.Unlock()

	resp, err := retryTransient(ctx, func() (*registerResponse, error) {
		return a.client.register(ctx, a.cfg.NodeJoinToken, registerRequest{
			ID: state.NodeID, GPU: state.GPU, VRAMTotalGB: state.VRAMTotalGB,
			Region: state.Region, ModelCache: state.ModelCache,
		})
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.state.NodeID = resp.Node.ID
	a.state.NodeToken = resp.NodeToken
	a.state.TokenExpiresAt = resp.TokenExpiresAt
	persisted := *a.state
	a.mu.Unlock()

	a.registered.Store(true)

	if err := persisted.Save(a.cfg.ConfigPath); err != nil {
		a.logger.Warn("nodeagent: persisting node state failed", "error", err)
	}
	return nil
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.done)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.healthLoop(ctx) }()
	go func() { defer wg.Done(); a.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); a.claimLoop(ctx) }()
	wg.Wait()
}

func (a *Agent) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HealthPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout())
			err := a.client.healthz(reqCtx)
			cancel()
			a.connected.Store(err == nil)
			if err != nil {
				a.logger.Debug("nodeagent: coordinator health check failed", "error", err)
			}
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx, "healthy")
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context, status string) {
	a.mu.Lock()
	nodeID, token, modelCache := a.state.NodeID, a.state.NodeToken, a.state.ModelCache
	a.mu.Unlock()

	jobsRunning := int(a.jobsRunning.Load())
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout())
	defer cancel()

	_, err := retryTransient(reqCtx, func() (struct{}, error) {
		return struct{}{}, a.client.heartbeat(reqCtx, nodeID, token, heartbeatRequest{
			Status: status, JobsRunning: &jobsRunning, ModelCache: modelCache,
		})
	})
	if err != nil {
		a.logger.Warn("nodeagent: heartbeat_failed", "node_id", nodeID, "error", err)
		a.registered.Store(false)
		return
	}
	a.registered.Store(true)
}

func (a *Agent) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ClaimPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.claimAndRun(ctx)
		}
	}
}

func (a *Agent) claimAndRun(ctx context.Context) {
	a.mu.Lock()
	nodeID, token := a.state.NodeID, a.state.NodeToken
	a.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout())
	job, err := a.client.claimNext(reqCtx, nodeID, token)
	cancel()
	if err != nil {
		a.logger.Warn("nodeagent: claim_failed", "node_id", nodeID, "error", err)
		return
	}
	if job == nil {
		return
	}

	a.currentJob.Store(job.Job.ID)
	a.jobsRunning.Add(1)
	a.sendHeartbeat(ctx, "busy")

	defer func() {
		a.jobsRunning.Add(-1)
		a.currentJob.Store("")
		a.sendHeartbeat(ctx, "healthy")
	}()

	workCtx, workCancel := workloadTimeout(ctx, a.cfg.WorkloadTimeout())
	defer workCancel()

	workload := selectWorkload(a.useSandbox, a.sandbox, a.local)
	result, runErr := runWithFallback(workCtx, workload, a.local, a.fallback, WorkloadRequest{
		JobID:  job.Job.ID,
		Prompt: job.Job.Prompt,
		Model:  job.Job.Config.Model,
	})

	submitCtx, submitCancel := context.WithTimeout(ctx, a.cfg.RequestTimeout())
	defer submitCancel()

	if runErr != nil {
		if err := a.client.submitFailure(submitCtx, nodeID, token, job.Job.ID, submitFailureRequest{
			Error: runErr.Error(), AssignmentHashKey: job.AssignmentHashKey,
		}); err != nil {
			a.logger.Warn("nodeagent: result_submit_rejected", "node_id", nodeID, "job_id", job.Job.ID, "error", err)
		}
		return
	}

	if err := a.client.submitResult(submitCtx, nodeID, token, job.Job.ID, submitResultRequest{
		Output: result.Response, AssignmentHashKey: job.AssignmentHashKey,
	}); err != nil {
		a.logger.Warn("nodeagent: result_submit_rejected", "node_id", nodeID, "job_id", job.Job.ID, "error", err)
	}
}

// Connected reports whether the last coordinator health check succeeded.
func (a *Agent) Connected() bool { return a.connected.Load() }

// Registered reports whether the last heartbeat was accepted.
func (a *Agent) Registered() bool { return a.registered.Load() }
