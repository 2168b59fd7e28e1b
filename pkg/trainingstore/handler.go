package trainingstore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes a Store over HTTP. The coordinator always mounts it on
// its /api/v1/training sub-router, backed by the configured store driver.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler builds a training Handler over store.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with all training routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/models", func(r chi.Router) {
		r.Post("/", h.handleCreateModel)
		r.Get("/", h.handleListModels)
		r.Get("/{id}", h.handleGetModel)
	})
	r.Route("/datasets", func(r chi.Router) {
		r.Post("/", h.handleCreateDataset)
		r.Get("/", h.handleListDatasets)
		r.Get("/{id}", h.handleGetDataset)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.handleCreateRun)
		r.Get("/", h.handleListRuns)
		r.Get("/{id}", h.handleGetRun)
		r.Get("/{id}/checkpoints", h.handleListCheckpoints)
	})
	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req ModelArtifact
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := h.store.CreateModelArtifact(r.Context(), req)
	if err != nil {
		h.logger.Error("creating model artifact", "error", err)
		respondErr(w, http.StatusInternalServerError, "could not create model artifact")
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListModelArtifacts(r.Context())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "could not list model artifacts")
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetModelArtifact(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		respondErr(w, http.StatusNotFound, "model artifact not found")
		return
	}
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "could not fetch model artifact")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req DatasetArtifact
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := h.store.CreateDatasetArtifact(r.Context(), req)
	if err != nil {
		h.logger.Error("creating dataset artifact", "error", err)
		respondErr(w, http.StatusInternalServerError, "could not create dataset artifact")
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListDatasetArtifacts(r.Context())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "could not list dataset artifacts")
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDatasetArtifact(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		respondErr(w, http.StatusNotFound, "dataset artifact not found")
		return
	}
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "could not fetch dataset artifact")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req TrainingRun
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := h.store.CreateTrainingRun(r.Context(), req)
	if err != nil {
		h.logger.Error("creating training run", "error", err)
		respondErr(w, http.StatusInternalServerError, "could not create training run")
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListTrainingRuns(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "could not list training runs")
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetTrainingRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		respondErr(w, http.StatusNotFound, "training run not found")
		return
	}
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "could not fetch training run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListCheckpoints(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "could not list checkpoints")
		return
	}
	respondJSON(w, http.StatusOK, out)
}
