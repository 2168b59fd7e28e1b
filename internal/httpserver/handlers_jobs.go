package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/fabric/orchestrator"
	"github.com/wisbric/nightowl/pkg/ledger"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	cfg := fabric.JobConfig{
		Model: req.Config.Model, Replicas: req.Config.Replicas, MaxTokens: req.Config.MaxTokens,
		Temperature: req.Config.Temperature, Provider: req.Config.Provider, PreferredRegion: req.Config.PreferredRegion,
	}

	job, err := s.orchestrator.SubmitJob(req.Prompt, cfg, req.OwnerID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			RespondError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
			return
		}
		s.Logger.Error("submitting job", "owner_id", req.OwnerID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "could not submit job")
		return
	}
	Respond(w, http.StatusAccepted, newJobResponse(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := s.orchestrator.RetryJob(jobID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrJobNotFound):
			RespondError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, ledger.ErrInsufficientCredits):
			RespondError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
		default:
			s.Logger.Error("retrying job", "job_id", jobID, "error", err)
			RespondError(w, http.StatusInternalServerError, "internal_error", "could not retry job")
		}
		return
	}
	Respond(w, http.StatusAccepted, newJobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, ok := s.store.GetJob(jobID)
	if !ok {
		RespondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	Respond(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statusFilter := fabric.JobStatus(r.URL.Query().Get("status"))
	ownerFilter := r.URL.Query().Get("owner_id")

	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var filtered []fabric.Job
	for _, j := range s.store.ListJobs() {
		if statusFilter != "" && j.Status != statusFilter {
			continue
		}
		if ownerFilter != "" && j.OwnerID != ownerFilter {
			continue
		}
		filtered = append(filtered, j)
	}

	total := len(filtered)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}
	page := filtered[start:end]

	items := make([]jobResponse, len(page))
	for i, j := range page {
		items[i] = newJobResponse(j)
	}
	Respond(w, http.StatusOK, NewOffsetPage(items, params, total))
}
