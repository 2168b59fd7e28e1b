package p2p

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler exposes an Overlay over HTTP. Mounted on /api/v1/p2p only when
// P2P_ENABLED is true.
type Handler struct {
	overlay *Overlay
	logger  *slog.Logger
}

// NewHandler builds a p2p Handler over overlay.
func NewHandler(overlay *Overlay, logger *slog.Logger) *Handler {
	return &Handler{overlay: overlay, logger: logger}
}

// Routes returns a chi.Router with all p2p routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/peers/register", h.handleRegisterPeer)
	r.Post("/peers/{id}/heartbeat", h.handleHeartbeat)
	r.Post("/gossip", h.handleGossip)
	r.Get("/peers", h.handleListPeers)
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

type registerPeerRequest struct {
	ID         string   `json:"id"`
	Endpoint   string   `json:"endpoint"`
	Region     string   `json:"region"`
	Role       string   `json:"role"`
	TrustScore float64  `json:"trust_score"`
	ModelCache []string `json:"model_cache"`
}

func (h *Handler) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req registerPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Endpoint == "" {
		respondErr(w, http.StatusBadRequest, "id and endpoint are required")
		return
	}
	peer := h.overlay.RegisterPeer(PeerNode{
		ID: req.ID, Endpoint: req.Endpoint, Region: req.Region, Role: req.Role,
		TrustScore: req.TrustScore, ModelCache: req.ModelCache,
	})
	respondJSON(w, http.StatusCreated, peer)
}

type heartbeatRequest struct {
	Load       float64  `json:"load"`
	ModelCache []string `json:"model_cache"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	peer, ok := h.overlay.Heartbeat(chi.URLParam(r, "id"), req.Load, req.ModelCache)
	if !ok {
		respondErr(w, http.StatusNotFound, "peer not registered")
		return
	}
	respondJSON(w, http.StatusOK, peer)
}

func (h *Handler) handleListPeers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.overlay.Peers())
}

type gossipRequest struct {
	FromPeer string          `json:"from_peer"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

func (h *Handler) handleGossip(w http.ResponseWriter, r *http.Request) {
	var req gossipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FromPeer == "" || req.Kind == "" {
		respondErr(w, http.StatusBadRequest, "from_peer and kind are required")
		return
	}

	env := GossipEnvelope{FromPeer: req.FromPeer, Seq: h.overlay.NextSeq(), Kind: req.Kind}

	if req.Kind == "job_assignment_proposal" {
		var proposal JobAssignmentProposal
		if err := json.Unmarshal(req.Payload, &proposal); err != nil {
			respondErr(w, http.StatusBadRequest, "invalid job_assignment_proposal payload")
			return
		}
		if proposal.ProposedAt.IsZero() {
			proposal.ProposedAt = time.Now().UTC()
		}
		env.Payload = proposal
	}

	h.overlay.Gossip(env)
	respondJSON(w, http.StatusAccepted, map[string]any{"seq": env.Seq})
}
