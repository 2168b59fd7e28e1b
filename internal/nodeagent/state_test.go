package nodeagent

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")

	missing, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState on missing file: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil state for missing file, got %+v", missing)
	}

	want := &State{
		NodeID:         "node-1",
		CoordinatorURL: "https://coordinator.example.com",
		NodeToken:      "tok",
		TokenExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		GPU:            "RTX4090",
		VRAMTotalGB:    24,
		Region:         "us-east",
		ModelCache:     []string{"llama3-8b"},
	}
	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got == nil {
		t.Fatal("expected state after save, got nil")
	}
	if got.NodeID != want.NodeID || got.NodeToken != want.NodeToken || got.GPU != want.GPU {
		t.Fatalf("round-tripped state mismatch: got %+v, want %+v", got, want)
	}
	if !got.TokenExpiresAt.Equal(want.TokenExpiresAt) {
		t.Fatalf("TokenExpiresAt mismatch: got %v, want %v", got.TokenExpiresAt, want.TokenExpiresAt)
	}
}

func TestTrustScoreDefaultsWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")

	score, err := LoadTrustScore(path)
	if err != nil {
		t.Fatalf("LoadTrustScore: %v", err)
	}
	if score != 0.9 {
		t.Fatalf("expected default trust score 0.9, got %v", score)
	}

	if err := SaveTrustScore(path, 0.75); err != nil {
		t.Fatalf("SaveTrustScore: %v", err)
	}

	score, err = LoadTrustScore(path)
	if err != nil {
		t.Fatalf("LoadTrustScore after save: %v", err)
	}
	if score != 0.75 {
		t.Fatalf("expected persisted trust score 0.75, got %v", score)
	}
}
