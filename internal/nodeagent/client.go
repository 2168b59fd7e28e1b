package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// coordinatorClient wraps the coordinator's node-facing HTTP API.
type coordinatorClient struct {
	baseURL    string
	httpClient *http.Client
}

func newCoordinatorClient(baseURL string, timeout time.Duration) *coordinatorClient {
	return &coordinatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type registerRequest struct {
	ID          string   `json:"id"`
	GPU         string   `json:"gpu"`
	VRAMTotalGB float64  `json:"vram_total_gb"`
	Region      string   `json:"region"`
	ModelCache  []string `json:"model_cache"`
}

type registerResponse struct {
	Node struct {
		ID string `json:"id"`
	} `json:"node"`
	NodeToken      string    `json:"node_token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
}

func (c *coordinatorClient) register(ctx context.Context, joinToken string, req registerRequest) (*registerResponse, error) {
	var out registerResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes/register", "", joinToken, req, &out); err != nil {
		return nil, fmt.Errorf("registering node: %w", err)
	}
	return &out, nil
}

type heartbeatRequest struct {
	Status      string   `json:"status,omitempty"`
	VRAMUsedGB  *float64 `json:"vram_used_gb,omitempty"`
	LatencyMs   *float64 `json:"latency_ms,omitempty"`
	JobsRunning *int     `json:"jobs_running,omitempty"`
	ModelCache  []string `json:"model_cache,omitempty"`
}

func (c *coordinatorClient) heartbeat(ctx context.Context, nodeID, nodeToken string, req heartbeatRequest) error {
	path := fmt.Sprintf("/api/v1/nodes/%s/heartbeat", nodeID)
	if err := c.do(ctx, http.MethodPost, path, nodeToken, "", req, nil); err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	return nil
}

type claimedJob struct {
	Job struct {
		ID          string `json:"id"`
		Prompt      string `json:"prompt"`
		Config      struct {
			Model       string  `json:"model"`
			MaxTokens   int     `json:"max_tokens"`
			Temperature float64 `json:"temperature"`
		} `json:"config"`
	} `json:"job"`
	AssignmentHashKey   string `json:"assignment_hash_key"`
	AssignmentExpiresAt string `json:"assignment_expires_at"`
}

// claimNext polls for the next assigned job. A nil result with no error
// means there is nothing to claim right now (204 No Content).
func (c *coordinatorClient) claimNext(ctx context.Context, nodeID, nodeToken string) (*claimedJob, error) {
	path := fmt.Sprintf("/api/v1/nodes/%s/jobs/next", nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building claim request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+nodeToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claiming job: status %d: %s", resp.StatusCode, string(body))
	}

	var out claimedJob
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding claimed job: %w", err)
	}
	return &out, nil
}

type submitResultRequest struct {
	Output            string  `json:"output"`
	AssignmentHashKey string  `json:"assignment_hash_key"`
	LatencyMs         float64 `json:"latency_ms"`
}

func (c *coordinatorClient) submitResult(ctx context.Context, nodeID, nodeToken, jobID string, req submitResultRequest) error {
	path := fmt.Sprintf("/api/v1/nodes/%s/jobs/%s/result", nodeID, jobID)
	if err := c.do(ctx, http.MethodPost, path, nodeToken, "", req, nil); err != nil {
		return fmt.Errorf("submitting result: %w", err)
	}
	return nil
}

type submitFailureRequest struct {
	Error             string `json:"error"`
	AssignmentHashKey string `json:"assignment_hash_key"`
}

func (c *coordinatorClient) submitFailure(ctx context.Context, nodeID, nodeToken, jobID string, req submitFailureRequest) error {
	path := fmt.Sprintf("/api/v1/nodes/%s/jobs/%s/fail", nodeID, jobID)
	if err := c.do(ctx, http.MethodPost, path, nodeToken, "", req, nil); err != nil {
		return fmt.Errorf("submitting failure: %w", err)
	}
	return nil
}

// healthz pings the coordinator's health endpoint. It carries no auth since
// the endpoint is unauthenticated and unprefixed.
func (c *coordinatorClient) healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("checking coordinator health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("coordinator unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *coordinatorClient) do(ctx context.Context, method, path, bearerToken, joinToken string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	if joinToken != "" {
		req.Header.Set("X-Node-Join-Token", joinToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("coordinator API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
