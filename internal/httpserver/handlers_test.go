package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/eventbus"
	fabricauth "github.com/wisbric/nightowl/pkg/auth"
	"github.com/wisbric/nightowl/pkg/fabric/orchestrator"
	"github.com/wisbric/nightowl/pkg/fabric/store"
	"github.com/wisbric/nightowl/pkg/ledger"
	"github.com/wisbric/nightowl/pkg/scheduler"
	"github.com/wisbric/nightowl/pkg/verifier"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{
		AdminAPIKey:             "admin-secret",
		NodeJoinToken:           "join-secret",
		NodeTokenSecret:         "node-secret",
		JobAssignmentHashSecret: "assignment-secret",
		CORSAllowedOrigins:      []string{"*"},
		EnableSingleNodeTestFallback: true,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))

	rank := &scheduler.WeightedRanker{Cfg: scheduler.Config{SingleNodeFallback: true}}
	verify := verifier.NewHashEmbeddingVerifier()
	credits := ledger.New(500, nil)
	hashKeys := fabricauth.NewAssignmentHashKeys(cfg.JobAssignmentHashSecret, time.Minute)
	tokens := fabricauth.NewNodeTokenManager(cfg.NodeTokenSecret, time.Hour)

	hub := eventbus.NewHub(nil, logger)

	st := store.New(rank, verify, credits, hashKeys, true, hub)
	orch := orchestrator.New(st, credits)

	return NewServer(cfg, logger, nil, prometheus.NewRegistry(), st, orch, credits, hub, tokens, hashKeys, nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndReadyz(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/readyz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200 (nil redis is treated as ready)", rec.Code)
	}
}

func TestRegisterNodeRequiresJoinToken(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/nodes/register", registerNodeRequest{
		GPU: "NVIDIA A100", VRAMTotalGB: 80,
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without join token", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/nodes/register", registerNodeRequest{
		GPU: "NVIDIA A100", VRAMTotalGB: 80,
	}, map[string]string{"X-Node-Join-Token": "join-secret"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}

	var resp registerNodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.NodeToken == "" || resp.Node.ID == "" {
		t.Fatalf("response missing node token or id: %+v", resp)
	}
}

func registerTestNode(t *testing.T, srv *Server) (string, string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/nodes/register", registerNodeRequest{
		GPU: "NVIDIA A100", VRAMTotalGB: 80,
	}, map[string]string{"X-Node-Join-Token": "join-secret"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register node: status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var resp registerNodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding register response: %v", err)
	}
	return resp.Node.ID, resp.NodeToken
}

func TestHeartbeatRequiresMatchingBearerToken(t *testing.T) {
	srv := newTestServer(t)
	nodeID, token := registerTestNode(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/nodes/"+nodeID+"/heartbeat", heartbeatRequest{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without bearer token", rec.Code)
	}

	healthy := "healthy"
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/nodes/"+nodeID+"/heartbeat", heartbeatRequest{Status: &healthy}, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var node nodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &node); err != nil {
		t.Fatalf("decoding heartbeat response: %v", err)
	}
	if node.Status != "healthy" {
		t.Fatalf("node status = %q, want healthy", node.Status)
	}
}

func TestSubmitJobAndClaimAndResultFlow(t *testing.T) {
	srv := newTestServer(t)
	nodeID, token := registerTestNode(t, srv)

	healthy := "healthy"
	doJSON(t, srv, http.MethodPost, "/api/v1/nodes/"+nodeID+"/heartbeat", heartbeatRequest{Status: &healthy}, map[string]string{
		"Authorization": "Bearer " + token,
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", submitJobRequest{
		Prompt: "what is 2+2", OwnerID: "user-1",
		Config: submitJobConfigRequest{Model: "m-7b", Replicas: 1, MaxTokens: 64},
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit job: status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var job jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decoding job response: %v", err)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/nodes/"+nodeID+"/jobs/next", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var claimed struct {
		Job               jobResponse `json:"job"`
		AssignmentHashKey string      `json:"assignment_hash_key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &claimed); err != nil {
		t.Fatalf("decoding claim response: %v", err)
	}
	if claimed.AssignmentHashKey == "" {
		t.Fatalf("claim response missing assignment_hash_key")
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/nodes/"+nodeID+"/jobs/"+job.ID+"/result", submitResultRequest{
		Output: "four", AssignmentHashKey: claimed.AssignmentHashKey,
	}, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit result: status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var final jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &final); err != nil {
		t.Fatalf("decoding final job response: %v", err)
	}
	if final.Status != "completed" {
		t.Fatalf("final status = %q, want completed (single node fallback enabled)", final.Status)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/jobs/"+job.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: status = %d", rec.Code)
	}
}

func TestSubmitJobRejectsMissingFields(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", submitJobRequest{}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for missing required fields", rec.Code)
	}
}

func TestNetworkStatsAndSnapshot(t *testing.T) {
	srv := newTestServer(t)
	registerTestNode(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/network/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("network stats: status = %d", rec.Code)
	}
	var stats networkStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.TotalNodes != 1 {
		t.Fatalf("total nodes = %d, want 1", stats.TotalNodes)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/network/snapshot", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("network snapshot: status = %d", rec.Code)
	}
}

func TestCreditsSpendAndGetAccount(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/credits/accounts/user/user-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get account: status = %d", rec.Code)
	}
	var acc accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &acc); err != nil {
		t.Fatalf("decoding account: %v", err)
	}
	if acc.Balance != 500 {
		t.Fatalf("bootstrap balance = %v, want 500", acc.Balance)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/credits/spend", spendCreditsRequest{
		UserID: "user-1", Amount: 50, Reason: "test spend",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("spend: status = %d, body=%s", rec.Code, rec.Body.String())
	}
}

func TestAdminRoutesRequireAPIKey(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/admin/nodes", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without admin key", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/admin/nodes", nil, map[string]string{"X-API-Key": "admin-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with valid admin key, body=%s", rec.Code, rec.Body.String())
	}
}
