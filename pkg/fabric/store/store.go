// Package store implements the coordinator's authoritative in-memory state:
// the node registry and the job claim/execution/verification lifecycle. It
// holds two leaf-ordered locks — node lock and job lock are never held
// simultaneously by this package, always acquired, used, and released
// before the other is touched — plus the credit ledger's own lock, reached
// only after both have been released.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/pkg/auth"
	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/ledger"
	"github.com/wisbric/nightowl/pkg/scheduler"
	"github.com/wisbric/nightowl/pkg/verifier"
)

// ErrNotFound is returned when a node or job ID has no matching record.
var ErrNotFound = errors.New("not found")

// ErrAlreadyFailed is returned when submitting a result for a job that has
// already reached a failed terminal state.
var ErrAlreadyFailed = errors.New("job already failed")

// ErrNoActiveAssignment is returned when a node submits a result or failure
// for a job it does not currently hold a lease on.
var ErrNoActiveAssignment = errors.New("node has no active assignment for job")

// NodeRegisterRequest is the inbound shape for registering a node.
type NodeRegisterRequest struct {
	ID          string
	GPU         string
	VRAMTotalGB float64
	Region      string
	ModelCache  []string
}

// NodeHeartbeatRequest is the inbound shape for a node heartbeat. Has*
// fields distinguish "absent" from the zero value, since every field is
// optional on the wire.
type NodeHeartbeatRequest struct {
	Status         fabric.NodeStatus
	HasStatus      bool
	VRAMUsedGB     float64
	HasVRAMUsedGB  bool
	LatencyMs      float64
	HasLatencyMs   bool
	JobsRunning    int
	HasJobsRunning bool
	ModelCache     []string
	HasModelCache  bool
}

// JobCreateRequest is the inbound shape for submitting a job. ID is
// optional; when empty the store mints one. The orchestrator mints it
// itself so it can charge the ledger under that id before the job ever
// exists in the store.
type JobCreateRequest struct {
	ID      string
	Prompt  string
	Config  fabric.JobConfig
	OwnerID string
}

// EventSink receives best-effort notifications of state changes, emitted
// outside both locks. The coordinator wires this to its pub/sub hub; tests
// and standalone use can leave it nil.
type EventSink interface {
	JobUpdated(job fabric.Job)
	NetworkChanged()
}

type noopEventSink struct{}

func (noopEventSink) JobUpdated(fabric.Job) {}
func (noopEventSink) NetworkChanged()       {}

// Store is the coordinator's in-memory node registry and job ledger.
type Store struct {
	nodeMu sync.Mutex
	jobMu  sync.Mutex

	nodes map[string]fabric.Node
	jobs  map[string]fabric.Job

	scheduler scheduler.Ranker
	verifier  verifier.Verifier
	credits   *ledger.Ledger // nil disables reward/refund side effects
	hashKeys  *auth.AssignmentHashKeys

	assignmentStartedAt map[[2]string]time.Time
	jobStartedAt        map[string]time.Time

	enableSingleNodeFallback bool

	events EventSink
	now    func() time.Time
}

// New builds an empty Store. hashKeys must be non-nil; the other
// dependencies fall back to sensible defaults when nil (credits is simply
// disabled).
func New(rank scheduler.Ranker, verify verifier.Verifier, credits *ledger.Ledger, hashKeys *auth.AssignmentHashKeys, enableSingleNodeFallback bool, events EventSink) *Store {
	if events == nil {
		events = noopEventSink{}
	}
	return &Store{
		nodes:                    make(map[string]fabric.Node),
		jobs:                     make(map[string]fabric.Job),
		scheduler:                rank,
		verifier:                 verify,
		credits:                  credits,
		hashKeys:                 hashKeys,
		assignmentStartedAt:      make(map[[2]string]time.Time),
		jobStartedAt:             make(map[string]time.Time),
		enableSingleNodeFallback: enableSingleNodeFallback,
		events:                   events,
		now:                      time.Now,
	}
}

// SeedNodes populates the demo node pool used by local/dev deployments.
func (s *Store) SeedNodes() {
	defaults := []fabric.Node{
		{ID: "demo-a100-1", GPU: "NVIDIA A100", VRAMTotalGB: 80, Region: "us-east-1"},
		{ID: "demo-h100-1", GPU: "NVIDIA H100", VRAMTotalGB: 80, Region: "us-west-2"},
		{ID: "demo-l40s-1", GPU: "NVIDIA L40S", VRAMTotalGB: 48, Region: "eu-west-1"},
		{ID: "demo-a10-1", GPU: "NVIDIA A10", VRAMTotalGB: 24, Region: "us-east-2"},
	}
	now := s.now()
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	for _, n := range defaults {
		n.Status = fabric.NodeHealthy
		n.TrustScore = 0.9
		n.LastHeartbeat = now
		n.CreatedAt = now
		s.nodes[n.ID] = n
	}
}

// RegisterNode creates or re-registers a node. Registration always leaves
// the node offline until its first heartbeat, so a node cannot be scheduled
// against before it is actually polling for work.
func (s *Store) RegisterNode(req NodeRegisterRequest) fabric.Node {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()

	id := req.ID
	if id == "" {
		id = fmt.Sprintf("node-%s-%d", slugify(req.GPU), len(s.nodes)+1)
	}
	now := s.now()
	existing, hadExisting := s.nodes[id]

	node := fabric.Node{
		ID:            id,
		GPU:           req.GPU,
		VRAMTotalGB:   req.VRAMTotalGB,
		Region:        req.Region,
		ModelCache:    normalizeModelCache(req.ModelCache),
		Status:        fabric.NodeOffline,
		JobsRunning:   0,
		LastHeartbeat: now,
		TrustScore:    0.9,
		CreatedAt:     now,
	}
	if hadExisting {
		node.TrustScore = existing.TrustScore
		node.CreatedAt = existing.CreatedAt
		node.VRAMUsedGB = existing.VRAMUsedGB
	}
	s.nodes[id] = node
	return node.Clone()
}

// Heartbeat applies a node's liveness report.
func (s *Store) Heartbeat(nodeID string, req NodeHeartbeatRequest) (fabric.Node, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return fabric.Node{}, fmt.Errorf("%w: node %q", ErrNotFound, nodeID)
	}

	if req.HasJobsRunning {
		node.JobsRunning = req.JobsRunning
	}

	switch {
	case req.HasStatus && req.Status == fabric.NodeOffline:
		node.Status = fabric.NodeOffline
		node.JobsRunning = 0
	case req.HasJobsRunning:
		if node.JobsRunning > 0 {
			node.Status = fabric.NodeBusy
		} else {
			node.Status = fabric.NodeHealthy
		}
	case req.HasStatus:
		node.Status = req.Status
	}

	if req.HasVRAMUsedGB {
		node.VRAMUsedGB = math.Min(req.VRAMUsedGB, node.VRAMTotalGB)
	}
	if req.HasLatencyMs {
		node.LatencyMsAvg = node.LatencyMsAvg*0.7 + req.LatencyMs*0.3
		node.HasLatency = true
	}
	if req.HasModelCache {
		node.ModelCache = normalizeModelCache(req.ModelCache)
	}
	node.LastHeartbeat = s.now()
	s.nodes[nodeID] = node
	return node.Clone(), nil
}

// ListNodes returns every node, sorted by ID.
func (s *Store) ListNodes() []fabric.Node {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	out := make([]fabric.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetNode returns a single node by ID.
func (s *Store) GetNode(nodeID string) (fabric.Node, bool) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return fabric.Node{}, false
	}
	return n.Clone(), true
}

// IncrementNodeJobs adjusts a node's running-job count and derives its
// status from the result, unless the node is offline.
func (s *Store) IncrementNodeJobs(nodeID string, delta int) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	jobsRunning := n.JobsRunning + delta
	if jobsRunning < 0 {
		jobsRunning = 0
	}
	if n.Status != fabric.NodeOffline {
		if jobsRunning > 0 {
			n.Status = fabric.NodeBusy
		} else {
			n.Status = fabric.NodeHealthy
		}
	}
	n.JobsRunning = jobsRunning
	n.LastHeartbeat = s.now()
	s.nodes[nodeID] = n
}

// AdjustNodeTrust nudges a node's trust score by delta, clamped to [0,1].
func (s *Store) AdjustNodeTrust(nodeID string, delta float64) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	n.TrustScore = fabric.ClampTrust(n.TrustScore + delta)
	s.nodes[nodeID] = n
}

// AddModelToNodeCache moves model to the front of a node's cache
// (deduplicated, most-recent first).
func (s *Store) AddModelToNodeCache(nodeID, model string) {
	if model == "" {
		return
	}
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	n.ModelCache = fabric.PushModelCache(n.ModelCache, model)
	s.nodes[nodeID] = n
}

// SubmitJob creates a job, schedules an initial candidate plan, and stores
// it in the pending state. retryOf, when non-empty, records the job this
// one was retried from.
func (s *Store) SubmitJob(req JobCreateRequest, costEstimate float64, retryOf string) fabric.Job {
	nodes := s.ListNodes()
	now := s.now()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	job := fabric.Job{
		ID:                  id,
		Prompt:              req.Prompt,
		Config:              req.Config.Clamp(),
		OwnerID:             req.OwnerID,
		CostEstimateCredits: round4(math.Max(0, costEstimate)),
		Status:              fabric.JobPending,
		Progress:            5,
		CreatedAt:           now,
		UpdatedAt:           now,
		RetryOf:             retryOf,
	}
	target := s.targetReplicas(job, nodes)
	plan := s.planNodesForJob(nodes, job.Config, target)
	job.ScheduledNodeIDs = nodeIDs(plan)

	s.jobMu.Lock()
	s.jobs[job.ID] = job
	s.jobMu.Unlock()

	s.events.JobUpdated(job.Clone())
	s.events.NetworkChanged()
	return job.Clone()
}

// GetJob returns a single job by ID.
func (s *Store) GetJob(jobID string) (fabric.Job, bool) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fabric.Job{}, false
	}
	return j.Clone(), true
}

// ListJobs returns every job, most recently created first.
func (s *Store) ListJobs() []fabric.Job {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	out := make([]fabric.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// AppendJobLog appends a log line to a job.
func (s *Store) AppendJobLog(jobID, message, level, nodeID string, hasNodeID bool) (fabric.Job, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fabric.Job{}, fmt.Errorf("%w: job %q", ErrNotFound, jobID)
	}
	j.Logs = append(append([]fabric.JobLogEntry(nil), j.Logs...), fabric.JobLogEntry{
		Message: message, Level: level, NodeID: nodeID, HasNodeID: hasNodeID, At: s.now(),
	})
	j.UpdatedAt = s.now()
	s.jobs[jobID] = j
	return j.Clone(), nil
}

// ClaimNextJob lets a node pull the next job it is eligible to run a
// replica of. ok is false (with a nil error) when nothing is claimable
// right now, which is a routine outcome, not a failure.
func (s *Store) ClaimNextJob(nodeID string) (job fabric.Job, hashKey string, hashExpiresAt time.Time, ok bool, err error) {
	node, found := s.GetNode(nodeID)
	if !found {
		return fabric.Job{}, "", time.Time{}, false, fmt.Errorf("%w: node %q", ErrNotFound, nodeID)
	}
	if node.Status == fabric.NodeOffline {
		return fabric.Job{}, "", time.Time{}, false, nil
	}

	now := s.now()
	nodes := s.ListNodes()

	s.jobMu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.jobs[ids[i]].CreatedAt.Before(s.jobs[ids[j]].CreatedAt) })

	for _, id := range ids {
		j := s.jobs[id]
		if j.Status == fabric.JobCompleted || j.Status == fabric.JobFailed || j.Status == fabric.JobVerifying {
			continue
		}

		target := s.targetReplicas(j, nodes)
		successful := successfulResults(j)
		inflight := toSet(j.InflightNodeIDs)
		needed := target - (len(successful) + len(inflight))
		if needed <= 0 || inflight[nodeID] {
			continue
		}
		alreadySucceeded := false
		for _, r := range successful {
			if r.NodeID == nodeID {
				alreadySucceeded = true
				break
			}
		}
		if alreadySucceeded {
			continue
		}

		strict := s.scheduler.RankNodes(nodes, j.Config, inflight)
		ranked := make([]fabric.Node, 0, len(strict))
		for _, rn := range strict {
			ranked = append(ranked, rn.Node)
		}
		usedFallback := false
		if len(ranked) == 0 {
			for _, n := range s.singleNodeFallbackNodes(nodes) {
				if !inflight[n.ID] {
					ranked = append(ranked, n)
				}
			}
			usedFallback = true
		}
		if len(ranked) == 0 {
			continue
		}

		window := maxInt(target, needed*2)
		window = minInt(window, len(ranked))
		foundInWindow := false
		for _, n := range ranked[:window] {
			if n.ID == nodeID {
				foundInWindow = true
				break
			}
		}
		if !foundInWindow {
			continue
		}

		if _, has := s.jobStartedAt[id]; !has {
			s.jobStartedAt[id] = now
		}
		startedAt := s.jobStartedAt[id]
		queueMs := startedAt.Sub(j.CreatedAt).Seconds() * 1000
		executionMs := now.Sub(startedAt).Seconds() * 1000

		inflightIDs := appendUnique(j.InflightNodeIDs, nodeID)
		progress := jobProgress(len(successful), len(inflightIDs), target)

		logs := append(append([]fabric.JobLogEntry(nil), j.Logs...), fabric.JobLogEntry{
			Message: fmt.Sprintf("Replica claimed by %s", nodeID), Level: "info", NodeID: nodeID, HasNodeID: true, At: now,
		})
		if usedFallback {
			logs = append(logs, fabric.JobLogEntry{
				Message: "Single-node fallback assignment active (capacity filter relaxed for MVP testing).",
				Level: "warning", NodeID: nodeID, HasNodeID: true, At: now,
			})
		}

		scheduled := ranked
		if len(scheduled) > target {
			scheduled = scheduled[:target]
		}

		j.Status = fabric.JobRunning
		j.VerificationStatus = fabric.VerificationPending
		j.InflightNodeIDs = inflightIDs
		j.AssignedNodeIDs = appendUnique(j.AssignedNodeIDs, nodeID)
		j.ScheduledNodeIDs = nodeIDs(scheduled)
		j.Progress = progress
		j.Metrics = fabric.JobMetrics{
			QueueMs:        round2(queueMs),
			ExecutionMs:    round2(executionMs),
			VerificationMs: j.Metrics.VerificationMs,
			TotalMs:        round2(queueMs + executionMs + j.Metrics.VerificationMs),
		}
		j.Logs = logs
		j.UpdatedAt = now
		s.jobs[id] = j
		s.assignmentStartedAt[[2]string{id, nodeID}] = now

		key, exp, issueErr := s.hashKeys.Issue(id, nodeID)
		if issueErr != nil {
			s.jobMu.Unlock()
			return fabric.Job{}, "", time.Time{}, false, fmt.Errorf("issuing assignment hash key for %s:%s: %w", id, nodeID, issueErr)
		}

		claimed := j.Clone()
		s.jobMu.Unlock()

		s.IncrementNodeJobs(nodeID, 1)
		s.AddModelToNodeCache(nodeID, claimed.Config.Model)
		s.events.JobUpdated(claimed.Clone())
		s.events.NetworkChanged()
		return claimed, key, exp, true, nil
	}
	s.jobMu.Unlock()
	return fabric.Job{}, "", time.Time{}, false, nil
}

// SubmitJobResult records a successful replica execution.
func (s *Store) SubmitJobResult(nodeID, jobID, output string, latencyMs float64, hasLatencyMs bool, hashKey string) (fabric.Job, error) {
	return s.submitReplica(nodeID, jobID, output, true, latencyMs, hasLatencyMs, "", false, hashKey)
}

// SubmitJobFailure records a failed replica execution.
func (s *Store) SubmitJobFailure(nodeID, jobID, errMsg, hashKey string) (fabric.Job, error) {
	return s.submitReplica(nodeID, jobID, "", false, 0, false, errMsg, true, hashKey)
}

func (s *Store) submitReplica(nodeID, jobID, output string, hasOutput bool, latencyMs float64, hasLatencyMs bool, errMsg string, hasErr bool, hashKey string) (fabric.Job, error) {
	now := s.now()
	key := [2]string{jobID, nodeID}

	s.jobMu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.jobMu.Unlock()
		return fabric.Job{}, fmt.Errorf("%w: job %q", ErrNotFound, jobID)
	}
	if j.Status == fabric.JobCompleted {
		s.jobMu.Unlock()
		return j.Clone(), nil
	}
	if j.Status == fabric.JobFailed {
		s.jobMu.Unlock()
		return fabric.Job{}, fmt.Errorf("%w: job %q", ErrAlreadyFailed, jobID)
	}
	_, hasStartedAssignment := s.assignmentStartedAt[key]
	if !containsString(j.InflightNodeIDs, nodeID) && !hasStartedAssignment {
		s.jobMu.Unlock()
		return fabric.Job{}, fmt.Errorf("%w: node %q, job %q", ErrNoActiveAssignment, nodeID, jobID)
	}
	if err := s.hashKeys.Verify(jobID, nodeID, hashKey); err != nil {
		s.jobMu.Unlock()
		return fabric.Job{}, err
	}

	delete(s.assignmentStartedAt, key)
	s.hashKeys.Destroy(jobID, nodeID)

	startedAt, hasStarted := s.jobStartedAt[jobID]
	if !hasStarted {
		startedAt = j.UpdatedAt
	}
	executionMs := math.Max(0, now.Sub(startedAt).Seconds()*1000)

	result := fabric.ReplicaResult{NodeID: nodeID, Success: !hasErr}
	if hasOutput {
		result.Output = output
	}
	if hasErr {
		result.Error = errMsg
	}
	if hasLatencyMs {
		result.LatencyMs = latencyMs
	} else {
		result.LatencyMs = executionMs
	}

	var results []fabric.ReplicaResult
	for _, r := range j.Results {
		if r.NodeID != nodeID {
			results = append(results, r)
		}
	}
	results = append(results, result)

	failedNodes := j.FailedNodeIDs
	if hasErr {
		failedNodes = appendUnique(j.FailedNodeIDs, nodeID)
	}

	level, msg := "info", fmt.Sprintf("Replica result from %s", nodeID)
	if hasErr {
		level, msg = "error", fmt.Sprintf("Replica failed from %s", nodeID)
	}

	j.Status = fabric.JobRunning
	j.Results = results
	j.InflightNodeIDs = removeString(j.InflightNodeIDs, nodeID)
	j.FailedNodeIDs = failedNodes
	j.Logs = append(append([]fabric.JobLogEntry(nil), j.Logs...), fabric.JobLogEntry{
		Message: msg, Level: level, NodeID: nodeID, HasNodeID: true, At: now,
	})
	j.UpdatedAt = now
	s.jobs[jobID] = j
	s.jobMu.Unlock()

	s.IncrementNodeJobs(nodeID, -1)
	if hasErr {
		s.AdjustNodeTrust(nodeID, -0.03)
	}
	hbReq := NodeHeartbeatRequest{JobsRunning: 0, HasJobsRunning: true}
	if hasLatencyMs {
		hbReq.LatencyMs, hbReq.HasLatencyMs = latencyMs, true
	}
	_, _ = s.Heartbeat(nodeID, hbReq)

	final, err := s.evaluateJob(jobID)
	if err != nil {
		return fabric.Job{}, err
	}
	if s.credits != nil && final.Status == fabric.JobFailed && final.CostEstimateCredits > 0 {
		_, _ = s.credits.RefundUser(final.OwnerID, final.ID, final.CostEstimateCredits)
	}
	s.events.JobUpdated(final.Clone())
	return final, nil
}

// evaluateJob decides whether a job needs more replicas, is ready for
// verification, or has run out of eligible nodes.
func (s *Store) evaluateJob(jobID string) (fabric.Job, error) {
	nodes := s.ListNodes()

	var toVerifySuccessful []fabric.ReplicaResult
	var toVerifyTarget int

	s.jobMu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.jobMu.Unlock()
		return fabric.Job{}, fmt.Errorf("%w: job %q", ErrNotFound, jobID)
	}
	if j.Status == fabric.JobCompleted || j.Status == fabric.JobFailed {
		s.jobMu.Unlock()
		return j.Clone(), nil
	}

	successful := successfulResults(j)
	target := s.targetReplicas(j, nodes)
	inflight := toSet(j.InflightNodeIDs)
	used := make(map[string]bool, len(successful)+len(inflight))
	for _, r := range successful {
		used[r.NodeID] = true
	}
	for id := range inflight {
		used[id] = true
	}
	remaining := s.rankNodesForJob(nodes, j.Config, used)

	switch {
	case len(successful) >= target || (len(successful) > 0 && len(inflight) == 0 && len(remaining) == 0):
		j.Status = fabric.JobVerifying
		j.Progress = 92
		s.jobs[jobID] = j
		toVerifySuccessful, toVerifyTarget = successful, target

	case len(successful) == 0 && len(inflight) == 0 && len(remaining) == 0:
		j.Status = fabric.JobFailed
		j.VerificationStatus = fabric.VerificationFailed
		j.Progress = 100
		j.Error = "No healthy nodes available to execute replicas"
		s.jobs[jobID] = j
		final := j.Clone()
		s.jobMu.Unlock()
		s.events.JobUpdated(final.Clone())
		s.events.NetworkChanged()
		return final, nil

	default:
		if len(inflight) > 0 {
			j.Status = fabric.JobRunning
		} else {
			j.Status = fabric.JobPending
		}
		j.Progress = jobProgress(len(successful), len(inflight), target)
		plan := s.planNodesForJob(nodes, j.Config, target)
		j.ScheduledNodeIDs = nodeIDs(plan)
		s.jobs[jobID] = j
		final := j.Clone()
		s.jobMu.Unlock()
		return final, nil
	}
	s.jobMu.Unlock()

	verifyStart := s.now()
	verdict := s.verifier.Verify(toVerifySuccessful, toVerifyTarget)
	verificationMs := s.now().Sub(verifyStart).Seconds() * 1000

	s.jobMu.Lock()
	j, ok = s.jobs[jobID]
	if !ok {
		s.jobMu.Unlock()
		return fabric.Job{}, fmt.Errorf("%w: job %q", ErrNotFound, jobID)
	}
	jobStarted, hasStarted := s.jobStartedAt[jobID]
	if !hasStarted {
		jobStarted = j.CreatedAt
	}
	now := s.now()
	queueMs := j.Metrics.QueueMs
	executionMs := math.Max(0, now.Sub(jobStarted).Seconds()*1000)

	finalStatus := fabric.JobCompleted
	if verdict.Status == fabric.VerificationFailed {
		finalStatus = fabric.JobFailed
	}

	j.Status = finalStatus
	j.VerificationStatus = verdict.Status
	j.MergedOutput = verdict.MergedOutput
	j.HasMergedOutput = verdict.HasMerged
	j.VerificationConfidence = verdict.Confidence
	j.VerificationDetails = verdict.Details
	j.InflightNodeIDs = nil
	j.Progress = 100
	if finalStatus == fabric.JobCompleted {
		j.Error = ""
	} else {
		j.Error = "Verification failed"
	}
	j.Metrics = fabric.JobMetrics{
		QueueMs:        round2(queueMs),
		ExecutionMs:    round2(executionMs),
		VerificationMs: round2(verificationMs),
		TotalMs:        round2(queueMs + executionMs + verificationMs),
	}
	j.Logs = append(append([]fabric.JobLogEntry(nil), j.Logs...), fabric.JobLogEntry{
		Message: fmt.Sprintf("Verification %s", verdict.Status), Level: "info", At: now,
	})
	j.UpdatedAt = now
	s.jobs[jobID] = j

	for k := range s.assignmentStartedAt {
		if k[0] == jobID {
			delete(s.assignmentStartedAt, k)
			s.hashKeys.Destroy(k[0], k[1])
		}
	}
	final := j.Clone()
	s.jobMu.Unlock()

	s.applyTrustAndRewards(final)
	s.events.JobUpdated(final.Clone())
	s.events.NetworkChanged()
	return final, nil
}

func (s *Store) applyTrustAndRewards(j fabric.Job) {
	majority := toSet(j.VerificationDetails.MajorityNodeIDs)
	for _, r := range j.Results {
		switch {
		case !r.Success:
			s.AdjustNodeTrust(r.NodeID, -0.01)
		case majority[r.NodeID]:
			s.AdjustNodeTrust(r.NodeID, 0.015)
			s.rewardNodeForJob(j, r.NodeID, 1.15)
		default:
			s.AdjustNodeTrust(r.NodeID, -0.01)
			s.rewardNodeForJob(j, r.NodeID, 0.55)
		}
	}
}

func (s *Store) rewardNodeForJob(j fabric.Job, nodeID string, multiplier float64) {
	if s.credits == nil {
		return
	}
	replicas := j.Config.Replicas
	if replicas < 1 {
		replicas = 1
	}
	base := math.Max(0.1, j.CostEstimateCredits/float64(replicas))
	reward := round4(base * math.Max(0.2, multiplier))
	_, _ = s.credits.RewardNode(nodeID, j.ID, reward, "job_execution")
}

// ExpireStaleJobClaims releases any replica lease older than timeout,
// returning the set of job IDs affected.
func (s *Store) ExpireStaleJobClaims(timeout time.Duration) map[string]bool {
	cutoff := s.now().Add(-timeout)
	affected := make(map[string]bool)
	affectedNodes := make(map[string]bool)

	s.jobMu.Lock()
	var stale [][2]string
	for key, ts := range s.assignmentStartedAt {
		if ts.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		jobID, nodeID := key[0], key[1]
		delete(s.assignmentStartedAt, key)
		s.hashKeys.Destroy(jobID, nodeID)
		j, ok := s.jobs[jobID]
		if !ok || !containsString(j.InflightNodeIDs, nodeID) {
			continue
		}
		if len(j.InflightNodeIDs) > 1 {
			j.Status = fabric.JobRunning
		} else {
			j.Status = fabric.JobPending
		}
		j.InflightNodeIDs = removeString(j.InflightNodeIDs, nodeID)
		j.FailedNodeIDs = appendUnique(j.FailedNodeIDs, nodeID)
		j.Logs = append(append([]fabric.JobLogEntry(nil), j.Logs...), fabric.JobLogEntry{
			Message: fmt.Sprintf("Replica lease expired for %s", nodeID), Level: "warning", NodeID: nodeID, HasNodeID: true, At: s.now(),
		})
		s.jobs[jobID] = j
		affected[jobID] = true
		affectedNodes[nodeID] = true
	}
	s.jobMu.Unlock()

	for nodeID := range affectedNodes {
		s.IncrementNodeJobs(nodeID, -1)
		s.AdjustNodeTrust(nodeID, -0.01)
	}
	for jobID := range affected {
		if final, err := s.evaluateJob(jobID); err == nil {
			s.events.JobUpdated(final.Clone())
		}
	}
	if len(affected) > 0 {
		s.events.NetworkChanged()
	}
	return affected
}

// ExpireStaleNodes marks nodes that have missed their heartbeat window
// offline and reassigns their in-flight replicas.
func (s *Store) ExpireStaleNodes(timeout time.Duration) map[string]bool {
	cutoff := s.now().Add(-timeout)
	offline := make(map[string]bool)

	s.nodeMu.Lock()
	for id, n := range s.nodes {
		if n.LastHeartbeat.Before(cutoff) && n.Status != fabric.NodeOffline {
			n.Status = fabric.NodeOffline
			n.JobsRunning = 0
			s.nodes[id] = n
			offline[id] = true
		}
	}
	s.nodeMu.Unlock()

	if len(offline) == 0 {
		return offline
	}
	return s.releaseInflight(offline, "Assigned node went offline. Replica will be reassigned.")
}

func (s *Store) releaseInflight(nodeIDs map[string]bool, message string) map[string]bool {
	affected := make(map[string]bool)

	s.jobMu.Lock()
	var staleKeys [][2]string
	for key := range s.assignmentStartedAt {
		if nodeIDs[key[1]] {
			staleKeys = append(staleKeys, key)
		}
	}
	for _, key := range staleKeys {
		delete(s.assignmentStartedAt, key)
		s.hashKeys.Destroy(key[0], key[1])
	}

	for jobID, j := range s.jobs {
		var remaining, newlyFailed []string
		touched := false
		for _, id := range j.InflightNodeIDs {
			if nodeIDs[id] {
				touched = true
				newlyFailed = append(newlyFailed, id)
			} else {
				remaining = append(remaining, id)
			}
		}
		if !touched {
			continue
		}
		if len(j.InflightNodeIDs) > 1 {
			j.Status = fabric.JobRunning
		} else {
			j.Status = fabric.JobPending
		}
		j.InflightNodeIDs = remaining
		for _, id := range newlyFailed {
			j.FailedNodeIDs = appendUnique(j.FailedNodeIDs, id)
		}
		j.Logs = append(append([]fabric.JobLogEntry(nil), j.Logs...), fabric.JobLogEntry{Message: message, Level: "warning", At: s.now()})
		s.jobs[jobID] = j
		affected[jobID] = true
	}
	s.jobMu.Unlock()

	for nodeID := range nodeIDs {
		s.AdjustNodeTrust(nodeID, -0.02)
	}
	for jobID := range affected {
		if final, err := s.evaluateJob(jobID); err == nil {
			s.events.JobUpdated(final.Clone())
		}
	}
	return affected
}

// NetworkStats summarizes the current fabric.
type NetworkStats struct {
	ActiveNodes  int
	TotalNodes   int
	TotalVRAMGB  float64
	JobsRunning  int
	AvgLatencyMs float64
}

// NetworkStats computes an on-demand summary of the fabric's health.
func (s *Store) NetworkStats() NetworkStats {
	nodes := s.ListNodes()
	jobs := s.ListJobs()

	var sumLatency float64
	var nLatency int
	active := 0
	var totalVRAM float64
	for _, n := range nodes {
		if n.Status != fabric.NodeOffline {
			active++
		}
		totalVRAM += n.VRAMTotalGB
		if n.LatencyMsAvg > 0 {
			sumLatency += n.LatencyMsAvg
			nLatency++
		}
	}
	running := 0
	for _, j := range jobs {
		if j.Status == fabric.JobPending || j.Status == fabric.JobRunning || j.Status == fabric.JobVerifying {
			running++
		}
	}
	avgLatency := 0.0
	if nLatency > 0 {
		avgLatency = round2(sumLatency / float64(nLatency))
	}
	return NetworkStats{
		ActiveNodes:  active,
		TotalNodes:   len(nodes),
		TotalVRAMGB:  round2(totalVRAM),
		JobsRunning:  running,
		AvgLatencyMs: avgLatency,
	}
}

// NetworkSnapshot is a point-in-time view broadcast to websocket subscribers.
type NetworkSnapshot struct {
	Stats       NetworkStats
	Nodes       []fabric.Node
	RunningJobs int
}

// NetworkSnapshot builds a NetworkSnapshot from the current state.
func (s *Store) NetworkSnapshot() NetworkSnapshot {
	stats := s.NetworkStats()
	return NetworkSnapshot{Stats: stats, Nodes: s.ListNodes(), RunningJobs: stats.JobsRunning}
}

// JobsStatusCounts tallies jobs by status.
func (s *Store) JobsStatusCounts() map[fabric.JobStatus]int {
	counts := map[fabric.JobStatus]int{
		fabric.JobPending: 0, fabric.JobRunning: 0, fabric.JobVerifying: 0,
		fabric.JobCompleted: 0, fabric.JobFailed: 0,
	}
	for _, j := range s.ListJobs() {
		counts[j.Status]++
	}
	return counts
}

// NodeJobDistributionItem is one row of the admin node/job distribution view.
type NodeJobDistributionItem struct {
	NodeID     string
	Jobs       int
	Status     fabric.NodeStatus
	TrustScore float64
}

// JobsDistribution reports per-node running-job counts for the admin view.
func (s *Store) JobsDistribution() []NodeJobDistributionItem {
	nodes := s.ListNodes()
	out := make([]NodeJobDistributionItem, len(nodes))
	for i, n := range nodes {
		out[i] = NodeJobDistributionItem{NodeID: n.ID, Jobs: n.JobsRunning, Status: n.Status, TrustScore: n.TrustScore}
	}
	return out
}

// AdminLiveJobItem is one row of the admin live-jobs view.
type AdminLiveJobItem struct {
	JobID                  string
	Status                 fabric.JobStatus
	VerificationStatus     fabric.VerificationStatus
	PromptPreview          string
	Model                  string
	TargetReplicas         int
	SuccessfulReplicas     int
	InflightReplicas       int
	AssignedNodeIDs        []string
	FailedNodeIDs          []string
	VerificationConfidence float64
	UpdatedAt              time.Time
}

// AdminLiveJobs returns the most recent jobs (capped at limit) for the
// admin live-jobs view.
func (s *Store) AdminLiveJobs(limit int) []AdminLiveJobItem {
	jobs := s.ListJobs()
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	out := make([]AdminLiveJobItem, 0, len(jobs))
	for _, j := range jobs {
		replicas := j.Config.Replicas
		if replicas < 1 {
			replicas = 1
		}
		out = append(out, AdminLiveJobItem{
			JobID:                  j.ID,
			Status:                 j.Status,
			VerificationStatus:     j.VerificationStatus,
			PromptPreview:          promptPreview(j.Prompt),
			Model:                  j.Config.Model,
			TargetReplicas:         replicas,
			SuccessfulReplicas:     len(successfulResults(j)),
			InflightReplicas:       len(j.InflightNodeIDs),
			AssignedNodeIDs:        j.AssignedNodeIDs,
			FailedNodeIDs:          j.FailedNodeIDs,
			VerificationConfidence: j.VerificationConfidence,
			UpdatedAt:              j.UpdatedAt,
		})
	}
	return out
}

func (s *Store) targetReplicas(j fabric.Job, nodes []fabric.Node) int {
	var eligible []fabric.Node
	for _, n := range nodes {
		if len(s.scheduler.RankNodes([]fabric.Node{n}, j.Config, nil)) > 0 {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) > 0 {
		return maxInt(1, minInt(j.Config.Replicas, len(eligible)))
	}

	var active []fabric.Node
	for _, n := range nodes {
		if n.Status != fabric.NodeOffline {
			active = append(active, n)
		}
	}
	if s.shouldUseSingleNodeFallback(active) {
		return 1
	}
	activeLen := len(active)
	if activeLen == 0 {
		activeLen = 1
	}
	return maxInt(1, minInt(j.Config.Replicas, activeLen))
}

func (s *Store) planNodesForJob(nodes []fabric.Node, cfg fabric.JobConfig, replicas int) []fabric.Node {
	selected := s.scheduler.SelectNodes(nodes, cfg, replicas)
	if len(selected) > 0 {
		out := make([]fabric.Node, len(selected))
		for i, rn := range selected {
			out[i] = rn.Node
		}
		return out
	}
	fallback := s.singleNodeFallbackNodes(nodes)
	if len(fallback) > replicas {
		fallback = fallback[:replicas]
	}
	return fallback
}

func (s *Store) rankNodesForJob(nodes []fabric.Node, cfg fabric.JobConfig, exclude map[string]bool) []fabric.Node {
	ranked := s.scheduler.RankNodes(nodes, cfg, exclude)
	if len(ranked) > 0 {
		out := make([]fabric.Node, len(ranked))
		for i, rn := range ranked {
			out[i] = rn.Node
		}
		return out
	}
	fallback := s.singleNodeFallbackNodes(nodes)
	if len(fallback) == 0 {
		return nil
	}
	var out []fabric.Node
	for _, n := range fallback {
		if !exclude[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) singleNodeFallbackNodes(nodes []fabric.Node) []fabric.Node {
	var active []fabric.Node
	for _, n := range nodes {
		if n.Status != fabric.NodeOffline {
			active = append(active, n)
		}
	}
	if !s.shouldUseSingleNodeFallback(active) {
		return nil
	}
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		ah, bh := 0, 0
		if a.Status == fabric.NodeHealthy {
			ah = 1
		}
		if b.Status == fabric.NodeHealthy {
			bh = 1
		}
		if ah != bh {
			return ah > bh
		}
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if a.FreeVRAMGB() != b.FreeVRAMGB() {
			return a.FreeVRAMGB() > b.FreeVRAMGB()
		}
		return a.ID > b.ID
	})
	return active
}

func (s *Store) shouldUseSingleNodeFallback(active []fabric.Node) bool {
	return s.enableSingleNodeFallback && len(active) == 1
}

// PersistedState is the durable snapshot written to STATE_SNAPSHOT_PATH. The
// coordinator is in-memory authoritative; this exists purely as optional
// crash-recovery hygiene, not a durability guarantee.
type PersistedState struct {
	Nodes  []fabric.Node
	Jobs   []fabric.Job
	Ledger *ledger.Snapshot
}

// Snapshot captures a point-in-time copy of all node and job state, plus the
// ledger's accounts and transactions if a ledger is attached. Safe to call
// concurrently with normal store operations.
func (s *Store) Snapshot() PersistedState {
	s.nodeMu.Lock()
	nodes := make([]fabric.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n.Clone())
	}
	s.nodeMu.Unlock()

	s.jobMu.Lock()
	jobs := make([]fabric.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.Clone())
	}
	s.jobMu.Unlock()

	var ledgerSnap *ledger.Snapshot
	if s.credits != nil {
		snap := s.credits.Snapshot()
		ledgerSnap = &snap
	}

	return PersistedState{Nodes: nodes, Jobs: jobs, Ledger: ledgerSnap}
}

// Restore replaces the store's node and job state, and the attached ledger's
// state if present, from a previously captured PersistedState. Meant to run
// once at startup, before the HTTP server begins accepting traffic.
func (s *Store) Restore(ps PersistedState) {
	s.nodeMu.Lock()
	s.nodes = make(map[string]fabric.Node, len(ps.Nodes))
	for _, n := range ps.Nodes {
		s.nodes[n.ID] = n
	}
	s.nodeMu.Unlock()

	s.jobMu.Lock()
	s.jobs = make(map[string]fabric.Job, len(ps.Jobs))
	for _, j := range ps.Jobs {
		s.jobs[j.ID] = j
	}
	s.jobMu.Unlock()

	if s.credits != nil && ps.Ledger != nil {
		s.credits.Restore(*ps.Ledger)
	}
}

// SaveSnapshot writes the current state to path as JSON, atomically via a
// temp-file rename.
func (s *Store) SaveSnapshot(path string) error {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot reads a previously written snapshot and restores it into s. A
// missing file is not an error: it means there is nothing to recover from.
func (s *Store) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state snapshot %s: %w", path, err)
	}
	var ps PersistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("parsing state snapshot %s: %w", path, err)
	}
	s.Restore(ps)
	return nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(ss []string, s string) []string {
	out := make([]string, 0, len(ss))
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
