// Command nodeagent runs on a GPU host: it registers with a fabric
// coordinator, reports liveness, and claims and executes jobs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/nodeagent"
	"github.com/wisbric/nightowl/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading agent config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger("json", "info")
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	local := &nodeagent.LocalWorkload{Invoke: localEcho}

	var sandbox nodeagent.Workload
	if cfg.UseContainerSandbox {
		sandbox = &nodeagent.ContainerSandboxWorkload{Binary: "docker", Image: "fabric-node-runtime:latest"}
	}

	agent := nodeagent.New(cfg, logger, local, sandbox)

	logger.Info("registering with coordinator", "coordinator_url", cfg.CoordinatorURL)
	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("starting node agent: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down node agent")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	agent.Stop(stopCtx)
	return nil
}

// localEcho is a placeholder inference call: it stands in for whatever
// local model runtime this host embeds. Production wiring replaces this
// with a real backend (llama.cpp, vLLM, a remote provider call).
func localEcho(_ context.Context, req nodeagent.WorkloadRequest) (string, error) {
	return fmt.Sprintf("[local:%s] %s", req.Model, req.Prompt), nil
}
