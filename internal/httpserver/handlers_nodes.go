package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/fabric/store"
)

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	node := s.store.RegisterNode(store.NodeRegisterRequest{
		ID: req.ID, GPU: req.GPU, VRAMTotalGB: req.VRAMTotalGB, Region: req.Region, ModelCache: req.ModelCache,
	})

	token, expiresAt, err := s.tokens.Issue(node.ID)
	if err != nil {
		s.Logger.Error("issuing node token", "node_id", node.ID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "could not issue node token")
		return
	}

	Respond(w, http.StatusCreated, registerNodeResponse{
		Node: newNodeResponse(node), NodeToken: token, TokenExpiresAt: expiresAt,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")

	var req heartbeatRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	hbReq := store.NodeHeartbeatRequest{ModelCache: req.ModelCache, HasModelCache: req.ModelCache != nil}
	if req.Status != nil {
		hbReq.Status, hbReq.HasStatus = fabric.NodeStatus(*req.Status), true
	}
	if req.VRAMUsedGB != nil {
		hbReq.VRAMUsedGB, hbReq.HasVRAMUsedGB = *req.VRAMUsedGB, true
	}
	if req.LatencyMs != nil {
		hbReq.LatencyMs, hbReq.HasLatencyMs = *req.LatencyMs, true
	}
	if req.JobsRunning != nil {
		hbReq.JobsRunning, hbReq.HasJobsRunning = *req.JobsRunning, true
	}

	node, err := s.store.Heartbeat(nodeID, hbReq)
	if err != nil {
		RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	Respond(w, http.StatusOK, newNodeResponse(node))
}

func (s *Server) handleClaimNextJob(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")

	job, hashKey, expiresAt, ok, err := s.store.ClaimNextJob(nodeID)
	if err != nil {
		RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := struct {
		Job                 jobResponse `json:"job"`
		AssignmentHashKey   string      `json:"assignment_hash_key"`
		AssignmentExpiresAt string      `json:"assignment_expires_at"`
	}{Job: newJobResponse(job), AssignmentHashKey: hashKey, AssignmentExpiresAt: expiresAt.Format(timeLayout)}
	Respond(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	nodeID, jobID := chi.URLParam(r, "id"), chi.URLParam(r, "job_id")

	var req submitResultRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	var latency float64
	var hasLatency bool
	if req.LatencyMs != nil {
		latency, hasLatency = *req.LatencyMs, true
	}

	job, err := s.store.SubmitJobResult(nodeID, jobID, req.Output, latency, hasLatency, req.AssignmentHashKey)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	Respond(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleSubmitFailure(w http.ResponseWriter, r *http.Request) {
	nodeID, jobID := chi.URLParam(r, "id"), chi.URLParam(r, "job_id")

	var req submitFailureRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	job, err := s.store.SubmitJobFailure(nodeID, jobID, req.Error, req.AssignmentHashKey)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	Respond(w, http.StatusOK, newJobResponse(job))
}
