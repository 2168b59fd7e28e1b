package httpserver

import (
	"net/http"
	"strconv"
)

func (s *Server) handleAdminNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.store.ListNodes()
	items := make([]nodeResponse, len(nodes))
	for i, n := range nodes {
		items[i] = newNodeResponse(n)
	}
	Respond(w, http.StatusOK, map[string]any{"nodes": items})
}

type distributionItemResponse struct {
	NodeID     string  `json:"node_id"`
	Jobs       int     `json:"jobs"`
	Status     string  `json:"status"`
	TrustScore float64 `json:"trust_score"`
}

func (s *Server) handleAdminJobsDistribution(w http.ResponseWriter, r *http.Request) {
	dist := s.store.JobsDistribution()
	items := make([]distributionItemResponse, len(dist))
	for i, d := range dist {
		items[i] = distributionItemResponse{NodeID: d.NodeID, Jobs: d.Jobs, Status: string(d.Status), TrustScore: d.TrustScore}
	}
	Respond(w, http.StatusOK, map[string]any{"distribution": items})
}

func (s *Server) handleAdminJobsStatusCounts(w http.ResponseWriter, r *http.Request) {
	counts := s.store.JobsStatusCounts()
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	Respond(w, http.StatusOK, out)
}

type liveJobResponse struct {
	JobID                  string   `json:"job_id"`
	Status                 string   `json:"status"`
	VerificationStatus     string   `json:"verification_status"`
	PromptPreview          string   `json:"prompt_preview"`
	Model                  string   `json:"model"`
	TargetReplicas         int      `json:"target_replicas"`
	SuccessfulReplicas     int      `json:"successful_replicas"`
	InflightReplicas       int      `json:"inflight_replicas"`
	AssignedNodeIDs        []string `json:"assigned_node_ids"`
	FailedNodeIDs          []string `json:"failed_node_ids"`
	VerificationConfidence float64  `json:"verification_confidence"`
	UpdatedAt              string   `json:"updated_at"`
}

func (s *Server) handleAdminJobsLive(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	live := s.store.AdminLiveJobs(limit)
	items := make([]liveJobResponse, len(live))
	for i, j := range live {
		items[i] = liveJobResponse{
			JobID: j.JobID, Status: string(j.Status), VerificationStatus: string(j.VerificationStatus),
			PromptPreview: j.PromptPreview, Model: j.Model, TargetReplicas: j.TargetReplicas,
			SuccessfulReplicas: j.SuccessfulReplicas, InflightReplicas: j.InflightReplicas,
			AssignedNodeIDs: j.AssignedNodeIDs, FailedNodeIDs: j.FailedNodeIDs,
			VerificationConfidence: j.VerificationConfidence, UpdatedAt: j.UpdatedAt.Format(timeLayout),
		}
	}
	Respond(w, http.StatusOK, map[string]any{"jobs": items})
}
