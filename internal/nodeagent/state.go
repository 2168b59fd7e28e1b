// Package nodeagent implements the node side of the coordinator's claim and
// heartbeat protocol: a small long-running process that registers a GPU
// node, reports liveness, polls for work, and executes it through a
// pluggable Workload collaborator.
package nodeagent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// State is the node agent's locally persisted identity. It is written after
// every successful registration so a restarted agent keeps its node id; the
// agent still registers with the join token on every start.
type State struct {
	NodeID         string    `json:"node_id"`
	CoordinatorURL string    `json:"coordinator_url"`
	NodeToken      string    `json:"node_token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	GPU            string    `json:"gpu"`
	VRAMTotalGB    float64   `json:"vram_total_gb"`
	Region         string    `json:"region"`
	ModelCache     []string  `json:"model_cache"`
}

// LoadState reads the persisted agent state, if any. A missing file is not
// an error: it means this is the node's first run.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading node config %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing node config %s: %w", path, err)
	}
	return &s, nil
}

// Save persists the agent state atomically via a temp-file rename.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling node config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing node config: %w", err)
	}
	return os.Rename(tmp, path)
}

// TrustScore is the node's locally cached last-known trust score, persisted
// so restarts don't lose what the coordinator has told it about itself.
type TrustScore struct {
	Score float64 `json:"score"`
}

// LoadTrustScore reads the persisted trust score file, defaulting to 0.9 if
// absent (matching the coordinator's initial trust score for new nodes).
func LoadTrustScore(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0.9, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading trust score file %s: %w", path, err)
	}
	var t TrustScore
	if err := json.Unmarshal(data, &t); err != nil {
		return 0, fmt.Errorf("parsing trust score file %s: %w", path, err)
	}
	return t.Score, nil
}

// SaveTrustScore persists the node's last-known trust score.
func SaveTrustScore(path string, score float64) error {
	data, err := json.Marshal(TrustScore{Score: score})
	if err != nil {
		return fmt.Errorf("marshaling trust score: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
