// Package orchestrator is the thin composition root over the state store
// and credit ledger: it charges the user before a job is ever placed in the
// store, and it is the one place that knows both subsystems well enough to
// keep "charged" and "submitted" atomic from the caller's point of view.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/fabric/store"
	"github.com/wisbric/nightowl/pkg/ledger"
	"github.com/wisbric/nightowl/pkg/scheduler"
)

// ErrJobNotFound is returned by RetryJob when the original job does not exist.
var ErrJobNotFound = errors.New("job not found")

// Orchestrator composes the state store and credit ledger into the two
// user-facing job operations: submit and retry.
type Orchestrator struct {
	store   *store.Store
	credits *ledger.Ledger
}

// New builds an Orchestrator over an already-constructed store and ledger.
func New(st *store.Store, credits *ledger.Ledger) *Orchestrator {
	return &Orchestrator{store: st, credits: credits}
}

// SubmitJob charges the owner for the estimated cost, then places the job.
// Charging happens first so a job is never visible in the store without a
// matching debit already recorded in the ledger.
func (o *Orchestrator) SubmitJob(prompt string, cfg fabric.JobConfig, ownerID string) (fabric.Job, error) {
	return o.submit(prompt, cfg, ownerID, "")
}

// RetryJob re-submits a job's prompt and config under a fresh job id,
// charging the owner again and linking the new job back to the original
// via RetryOf. The original job's status is not checked.
func (o *Orchestrator) RetryJob(jobID string) (fabric.Job, error) {
	original, ok := o.store.GetJob(jobID)
	if !ok {
		return fabric.Job{}, fmt.Errorf("%w: job %q", ErrJobNotFound, jobID)
	}
	return o.submit(original.Prompt, original.Config, original.OwnerID, original.ID)
}

func (o *Orchestrator) submit(prompt string, cfg fabric.JobConfig, ownerID, retryOf string) (fabric.Job, error) {
	cfg = cfg.Clamp()
	cost := ledger.EstimateJobCost(cfg, scheduler.ParseParamHintB)

	// Mint the id up front and charge under it before the job ever exists in
	// the store, so a rejected charge leaves no trace: no job, no
	// transaction. Only a successful charge earns the job a place in s.jobs.
	jobID := uuid.NewString()
	if o.credits != nil {
		if _, err := o.credits.ChargeUserForJob(ownerID, jobID, cost); err != nil {
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				return fabric.Job{}, err
			}
			return fabric.Job{}, fmt.Errorf("charging user for job %s: %w", jobID, err)
		}
	}

	job := o.store.SubmitJob(store.JobCreateRequest{ID: jobID, Prompt: prompt, Config: cfg, OwnerID: ownerID}, cost, retryOf)

	if retryOf != "" {
		if withLog, err := o.store.AppendJobLog(job.ID, fmt.Sprintf("Retry of job %s", retryOf), "info", "", false); err == nil {
			job = withLog
		}
	} else if withLog, err := o.store.AppendJobLog(job.ID, "Job queued", "info", "", false); err == nil {
		job = withLog
	}

	return job, nil
}
