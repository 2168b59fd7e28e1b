package httpserver

import "net/http"

type networkStatsResponse struct {
	ActiveNodes  int     `json:"active_nodes"`
	TotalNodes   int     `json:"total_nodes"`
	TotalVRAMGB  float64 `json:"total_vram_gb"`
	JobsRunning  int     `json:"jobs_running"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type networkSnapshotResponse struct {
	Stats       networkStatsResponse `json:"stats"`
	Nodes       []nodeResponse       `json:"nodes"`
	RunningJobs int                  `json:"running_jobs"`
}

func (s *Server) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.NetworkStats()
	Respond(w, http.StatusOK, networkStatsResponse{
		ActiveNodes: stats.ActiveNodes, TotalNodes: stats.TotalNodes,
		TotalVRAMGB: stats.TotalVRAMGB, JobsRunning: stats.JobsRunning, AvgLatencyMs: stats.AvgLatencyMs,
	})
}

func (s *Server) handleNetworkSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.store.NetworkSnapshot()
	nodes := make([]nodeResponse, len(snap.Nodes))
	for i, n := range snap.Nodes {
		nodes[i] = newNodeResponse(n)
	}
	Respond(w, http.StatusOK, networkSnapshotResponse{
		Stats: networkStatsResponse{
			ActiveNodes: snap.Stats.ActiveNodes, TotalNodes: snap.Stats.TotalNodes,
			TotalVRAMGB: snap.Stats.TotalVRAMGB, JobsRunning: snap.Stats.JobsRunning, AvgLatencyMs: snap.Stats.AvgLatencyMs,
		},
		Nodes:       nodes,
		RunningJobs: snap.RunningJobs,
	})
}
