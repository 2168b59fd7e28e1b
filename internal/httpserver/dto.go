package httpserver

import (
	"time"

	"github.com/wisbric/nightowl/pkg/fabric"
)

// nodeResponse is the wire shape of a fabric.Node.
type nodeResponse struct {
	ID            string    `json:"id"`
	GPU           string    `json:"gpu"`
	VRAMTotalGB   float64   `json:"vram_total_gb"`
	VRAMUsedGB    float64   `json:"vram_used_gb"`
	FreeVRAMGB    float64   `json:"free_vram_gb"`
	Status        string    `json:"status"`
	TrustScore    float64   `json:"trust_score"`
	JobsRunning   int       `json:"jobs_running"`
	LatencyMsAvg  float64   `json:"latency_ms_avg,omitempty"`
	Region        string    `json:"region,omitempty"`
	ModelCache    []string  `json:"model_cache"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

func newNodeResponse(n fabric.Node) nodeResponse {
	return nodeResponse{
		ID:            n.ID,
		GPU:           n.GPU,
		VRAMTotalGB:   n.VRAMTotalGB,
		VRAMUsedGB:    n.VRAMUsedGB,
		FreeVRAMGB:    n.FreeVRAMGB(),
		Status:        string(n.Status),
		TrustScore:    n.TrustScore,
		JobsRunning:   n.JobsRunning,
		LatencyMsAvg:  n.LatencyMsAvg,
		Region:        n.Region,
		ModelCache:    n.ModelCache,
		LastHeartbeat: n.LastHeartbeat,
		CreatedAt:     n.CreatedAt,
	}
}

// registerNodeRequest is the body of POST /nodes/register.
type registerNodeRequest struct {
	ID          string   `json:"id"`
	GPU         string   `json:"gpu" validate:"required"`
	VRAMTotalGB float64  `json:"vram_total_gb" validate:"required,gte=1"`
	Region      string   `json:"region"`
	ModelCache  []string `json:"model_cache"`
}

type registerNodeResponse struct {
	Node           nodeResponse `json:"node"`
	NodeToken      string       `json:"node_token"`
	TokenExpiresAt time.Time    `json:"token_expires_at"`
}

// heartbeatRequest is the body of POST /nodes/{id}/heartbeat. Pointer fields
// distinguish "absent" from the zero value, since every field is optional.
type heartbeatRequest struct {
	Status      *string  `json:"status"`
	VRAMUsedGB  *float64 `json:"vram_used_gb"`
	LatencyMs   *float64 `json:"latency_ms"`
	JobsRunning *int     `json:"jobs_running"`
	ModelCache  []string `json:"model_cache"`
}

// jobResponse is the wire shape of a fabric.Job.
type jobResponse struct {
	ID                     string                  `json:"id"`
	Prompt                 string                  `json:"prompt"`
	Config                 jobConfigResponse       `json:"config"`
	OwnerID                string                  `json:"owner_id"`
	CostEstimateCredits    float64                 `json:"cost_estimate_credits"`
	Status                 string                  `json:"status"`
	VerificationStatus     string                  `json:"verification_status"`
	Progress               float64                 `json:"progress"`
	AssignedNodeIDs        []string                `json:"assigned_node_ids"`
	ScheduledNodeIDs       []string                `json:"scheduled_node_ids"`
	InflightNodeIDs        []string                `json:"inflight_node_ids"`
	FailedNodeIDs          []string                `json:"failed_node_ids"`
	Results                []replicaResultResponse `json:"results"`
	Logs                   []jobLogResponse        `json:"logs"`
	MergedOutput           string                  `json:"merged_output,omitempty"`
	VerificationConfidence float64                 `json:"verification_confidence"`
	Metrics                jobMetricsResponse      `json:"metrics"`
	CreatedAt              time.Time               `json:"created_at"`
	UpdatedAt              time.Time               `json:"updated_at"`
	Error                  string                  `json:"error,omitempty"`
	RetryOf                string                  `json:"retry_of,omitempty"`
}

type jobConfigResponse struct {
	Model           string  `json:"model"`
	Replicas        int     `json:"replicas"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	Provider        string  `json:"provider,omitempty"`
	PreferredRegion string  `json:"preferred_region,omitempty"`
}

type replicaResultResponse struct {
	NodeID    string  `json:"node_id"`
	Output    string  `json:"output,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
}

type jobLogResponse struct {
	Message string    `json:"message"`
	Level   string    `json:"level"`
	NodeID  string    `json:"node_id,omitempty"`
	At      time.Time `json:"at"`
}

type jobMetricsResponse struct {
	QueueMs        float64 `json:"queue_ms"`
	ExecutionMs    float64 `json:"execution_ms"`
	VerificationMs float64 `json:"verification_ms"`
	TotalMs        float64 `json:"total_ms"`
}

func newJobResponse(j fabric.Job) jobResponse {
	results := make([]replicaResultResponse, len(j.Results))
	for i, r := range j.Results {
		results[i] = replicaResultResponse{NodeID: r.NodeID, Output: r.Output, LatencyMs: r.LatencyMs, Success: r.Success, Error: r.Error}
	}
	logs := make([]jobLogResponse, len(j.Logs))
	for i, l := range j.Logs {
		entry := jobLogResponse{Message: l.Message, Level: l.Level, At: l.At}
		if l.HasNodeID {
			entry.NodeID = l.NodeID
		}
		logs[i] = entry
	}
	return jobResponse{
		ID:     j.ID,
		Prompt: j.Prompt,
		Config: jobConfigResponse{
			Model: j.Config.Model, Replicas: j.Config.Replicas, MaxTokens: j.Config.MaxTokens,
			Temperature: j.Config.Temperature, Provider: j.Config.Provider, PreferredRegion: j.Config.PreferredRegion,
		},
		OwnerID:                j.OwnerID,
		CostEstimateCredits:    j.CostEstimateCredits,
		Status:                 string(j.Status),
		VerificationStatus:     string(j.VerificationStatus),
		Progress:               j.Progress,
		AssignedNodeIDs:        j.AssignedNodeIDs,
		ScheduledNodeIDs:       j.ScheduledNodeIDs,
		InflightNodeIDs:        j.InflightNodeIDs,
		FailedNodeIDs:          j.FailedNodeIDs,
		Results:                results,
		Logs:                   logs,
		MergedOutput:           j.MergedOutput,
		VerificationConfidence: j.VerificationConfidence,
		Metrics: jobMetricsResponse{
			QueueMs: j.Metrics.QueueMs, ExecutionMs: j.Metrics.ExecutionMs,
			VerificationMs: j.Metrics.VerificationMs, TotalMs: j.Metrics.TotalMs,
		},
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		Error:     j.Error,
		RetryOf:   j.RetryOf,
	}
}

// submitJobRequest is the body of POST /jobs.
type submitJobRequest struct {
	Prompt  string                 `json:"prompt" validate:"required"`
	OwnerID string                 `json:"owner_id" validate:"required"`
	Config  submitJobConfigRequest `json:"config"`
}

type submitJobConfigRequest struct {
	Model           string  `json:"model" validate:"required"`
	Replicas        int     `json:"replicas"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	Provider        string  `json:"provider"`
	PreferredRegion string  `json:"preferred_region"`
}

// submitResultRequest is the body of POST /nodes/{id}/jobs/{job_id}/result.
type submitResultRequest struct {
	Output            string   `json:"output" validate:"required"`
	AssignmentHashKey string   `json:"assignment_hash_key" validate:"required"`
	LatencyMs         *float64 `json:"latency_ms"`
}

// submitFailureRequest is the body of POST /nodes/{id}/jobs/{job_id}/fail.
type submitFailureRequest struct {
	Error             string `json:"error" validate:"required"`
	AssignmentHashKey string `json:"assignment_hash_key" validate:"required"`
}

// accountResponse is the wire shape of a fabric.CreditAccount.
type accountResponse struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newAccountResponse(a fabric.CreditAccount) accountResponse {
	return accountResponse{Type: string(a.Key.Type), ID: a.Key.ID, Balance: a.Balance, UpdatedAt: a.UpdatedAt}
}

// transactionResponse is the wire shape of a fabric.CreditTransaction.
type transactionResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      float64   `json:"amount"`
	SourceType  string    `json:"source_type,omitempty"`
	SourceID    string    `json:"source_id,omitempty"`
	TargetType  string    `json:"target_type"`
	TargetID    string    `json:"target_id"`
	Reason      string    `json:"reason,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newTransactionResponse(t fabric.CreditTransaction) transactionResponse {
	out := transactionResponse{
		ID: t.ID, Type: string(t.Type), Amount: t.Amount,
		TargetType: string(t.Target.Type), TargetID: t.Target.ID,
		Reason: t.Reason, ReferenceID: t.ReferenceID, CreatedAt: t.CreatedAt,
	}
	if t.HasSource {
		out.SourceType, out.SourceID = string(t.Source.Type), t.Source.ID
	}
	return out
}

// mintCreditsRequest is the body of POST /credits/mint.
type mintCreditsRequest struct {
	AccountType string  `json:"account_type" validate:"required,oneof=user node platform"`
	AccountID   string  `json:"account_id" validate:"required"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	Reason      string  `json:"reason"`
}

// transferCreditsRequest is the body of POST /credits/transfer.
type transferCreditsRequest struct {
	FromType string  `json:"from_type" validate:"required,oneof=user node platform"`
	FromID   string  `json:"from_id" validate:"required"`
	ToType   string  `json:"to_type" validate:"required,oneof=user node platform"`
	ToID     string  `json:"to_id" validate:"required"`
	Amount   float64 `json:"amount" validate:"required,gt=0"`
	Reason   string  `json:"reason"`
}

// rewardNodeRequest is the body of POST /credits/reward.
type rewardNodeRequest struct {
	NodeID string  `json:"node_id" validate:"required"`
	JobID  string  `json:"job_id" validate:"required"`
	Amount float64 `json:"amount" validate:"required,gt=0"`
	Reason string  `json:"reason"`
}

// spendCreditsRequest is the body of POST /credits/spend.
type spendCreditsRequest struct {
	UserID string  `json:"user_id" validate:"required"`
	Amount float64 `json:"amount" validate:"required,gt=0"`
	Reason string  `json:"reason"`
}
