package fabric

import "time"

// JobStatus is the coarse lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobVerifying  JobStatus = "verifying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// VerificationStatus tracks the outcome of the Verifier's pass over replicas.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationMismatch VerificationStatus = "mismatch"
	VerificationFailed   VerificationStatus = "failed"
)

// JobConfig is the user-supplied execution configuration for a job.
type JobConfig struct {
	Model            string
	Replicas         int // [1,8]
	MaxTokens        int // [32,8192]
	Temperature      float64
	Provider         string
	PreferredRegion  string
}

// Clamp normalizes Replicas and MaxTokens into their valid ranges.
func (c JobConfig) Clamp() JobConfig {
	out := c
	if out.Replicas < 1 {
		out.Replicas = 1
	}
	if out.Replicas > 8 {
		out.Replicas = 8
	}
	if out.MaxTokens < 32 {
		out.MaxTokens = 32
	}
	if out.MaxTokens > 8192 {
		out.MaxTokens = 8192
	}
	return out
}

// ReplicaResult is the strict, boundary-validated shape of a node's report
// for one replica execution. Unknown fields on the wire are rejected before
// a value of this type is constructed.
type ReplicaResult struct {
	NodeID    string
	Output    string
	LatencyMs float64
	Success   bool
	Error     string
}

// JobMetrics tracks the timing breakdown of a job's lifecycle.
type JobMetrics struct {
	QueueMs       float64
	ExecutionMs   float64
	VerificationMs float64
	TotalMs       float64
}

// JobLogEntry is one append-only line of a job's execution log.
type JobLogEntry struct {
	Message   string
	Level     string // "info", "warning", "error"
	NodeID    string
	HasNodeID bool
	At        time.Time
}

// VerificationDetails carries the Verifier's explanation for its verdict.
type VerificationDetails struct {
	Reason           string
	ClusterSizes     []int
	WinnerClusterIdx int
	AvgInternalSim   float64
	PopulationSize   int
	MajorityRequired int
	MajorityNodeIDs  []string // node IDs whose replica landed in the winning cluster
}

// Job is a unit of replicated work submitted by a user. StateStore owns the
// authoritative copy; callers receive copies from store methods.
type Job struct {
	ID     string
	Prompt string
	Config JobConfig

	OwnerID           string
	CostEstimateCredits float64

	Status             JobStatus
	VerificationStatus VerificationStatus
	Progress           float64

	AssignedNodeIDs  []string // every node ever given a lease, in order
	ScheduledNodeIDs []string // ranked candidate set as of the last claim scan
	InflightNodeIDs  []string // nodes currently holding an active lease
	FailedNodeIDs    []string // nodes whose replica attempt failed or expired

	Results []ReplicaResult
	Logs    []JobLogEntry

	MergedOutput          string
	HasMergedOutput       bool
	VerificationConfidence float64
	VerificationDetails   VerificationDetails

	Metrics JobMetrics

	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt time.Time
	HasStarted bool

	Error    string
	RetryOf  string // id of the job this retry was spawned from, if any
}

// Clone returns a deep-enough copy safe to hand to callers outside the store lock.
func (j Job) Clone() Job {
	cp := j
	cp.AssignedNodeIDs = append([]string(nil), j.AssignedNodeIDs...)
	cp.ScheduledNodeIDs = append([]string(nil), j.ScheduledNodeIDs...)
	cp.InflightNodeIDs = append([]string(nil), j.InflightNodeIDs...)
	cp.FailedNodeIDs = append([]string(nil), j.FailedNodeIDs...)
	cp.Results = append([]ReplicaResult(nil), j.Results...)
	cp.Logs = append([]JobLogEntry(nil), j.Logs...)
	cp.VerificationDetails.ClusterSizes = append([]int(nil), j.VerificationDetails.ClusterSizes...)
	cp.VerificationDetails.MajorityNodeIDs = append([]string(nil), j.VerificationDetails.MajorityNodeIDs...)
	return cp
}

// IsTerminal reports whether the job has reached a final state.
func (j Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
