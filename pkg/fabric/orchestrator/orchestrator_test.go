package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/wisbric/nightowl/pkg/auth"
	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/fabric/store"
	"github.com/wisbric/nightowl/pkg/ledger"
	"github.com/wisbric/nightowl/pkg/scheduler"
	"github.com/wisbric/nightowl/pkg/verifier"
)

func newTestOrchestrator(bootstrapCredits float64) *Orchestrator {
	rank := &scheduler.WeightedRanker{Cfg: scheduler.Config{SingleNodeFallback: true}}
	verify := verifier.NewHashEmbeddingVerifier()
	credits := ledger.New(bootstrapCredits, nil)
	hashKeys := auth.NewAssignmentHashKeys("claim-secret", time.Minute)
	st := store.New(rank, verify, credits, hashKeys, true, nil)
	return New(st, credits)
}

func TestSubmitJobChargesAndQueues(t *testing.T) {
	o := newTestOrchestrator(100)
	job, err := o.SubmitJob("hello", fabric.JobConfig{Model: "m-7b", Replicas: 1, MaxTokens: 64}, "user-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != fabric.JobPending {
		t.Fatalf("status = %v, want pending", job.Status)
	}
	if job.CostEstimateCredits <= 0 {
		t.Fatalf("cost estimate should be positive")
	}

	acc := o.credits.Account(fabric.AccountKey{Type: fabric.AccountUser, ID: "user-1"})
	if acc.Balance != 100-job.CostEstimateCredits {
		t.Fatalf("balance = %v, want %v", acc.Balance, 100-job.CostEstimateCredits)
	}
}

func TestSubmitJobFailsOnInsufficientCredits(t *testing.T) {
	o := newTestOrchestrator(0.1)
	_, err := o.SubmitJob("hello", fabric.JobConfig{Model: "m-70b", Replicas: 4, MaxTokens: 8192}, "user-1")
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
}

func TestRetryJobLinksToOriginal(t *testing.T) {
	o := newTestOrchestrator(100)
	original, err := o.SubmitJob("hello", fabric.JobConfig{Replicas: 1}, "user-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	retry, err := o.RetryJob(original.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.RetryOf != original.ID {
		t.Fatalf("retry_of = %q, want %q", retry.RetryOf, original.ID)
	}
	if retry.ID == original.ID {
		t.Fatalf("retry should mint a fresh job id")
	}
}

func TestRetryJobUnknownIDFails(t *testing.T) {
	o := newTestOrchestrator(100)
	if _, err := o.RetryJob("nonexistent"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}
