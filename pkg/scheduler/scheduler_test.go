package scheduler

import (
	"testing"

	"github.com/wisbric/nightowl/pkg/fabric"
)

func baseNode(id string) fabric.Node {
	return fabric.Node{
		ID:          id,
		Status:      fabric.NodeHealthy,
		TrustScore:  0.9,
		VRAMTotalGB: 80,
		VRAMUsedGB:  0,
		Region:      "us-east-1",
	}
}

func TestScoreMonotonicInTrust(t *testing.T) {
	cfg := fabric.JobConfig{Model: "m-7b", MaxTokens: 2048}
	required := requiredVRAMGB(cfg)

	low := baseNode("low")
	low.TrustScore = 0.3
	high := baseNode("high")
	high.TrustScore = 0.95

	if scoreNode(high, cfg, required) < scoreNode(low, cfg, required) {
		t.Fatalf("higher trust node scored lower")
	}
}

func TestRankNodesFiltersByCapacity(t *testing.T) {
	cfg := fabric.JobConfig{Model: "m-70b", MaxTokens: 4096}
	small := baseNode("small")
	small.VRAMTotalGB = 8
	small.VRAMUsedGB = 0

	big := baseNode("big")
	big.VRAMTotalGB = 80

	r := &WeightedRanker{}
	ranked := r.RankNodes([]fabric.Node{small, big}, cfg, nil)
	if len(ranked) != 1 || ranked[0].Node.ID != "big" {
		t.Fatalf("expected only big node to pass capacity filter, got %+v", ranked)
	}
}

func TestRankNodesSingleNodeFallback(t *testing.T) {
	cfg := fabric.JobConfig{Model: "m-70b", MaxTokens: 4096}
	small := baseNode("only")
	small.VRAMTotalGB = 8

	r := &WeightedRanker{Cfg: Config{SingleNodeFallback: true}}
	ranked := r.RankNodes([]fabric.Node{small}, cfg, nil)
	if len(ranked) != 1 || ranked[0].Node.ID != "only" {
		t.Fatalf("expected single-node fallback to return the one active node, got %+v", ranked)
	}
}

func TestRankNodesEmptyWithoutFallback(t *testing.T) {
	cfg := fabric.JobConfig{Model: "m-70b", MaxTokens: 4096}
	small := baseNode("only")
	small.VRAMTotalGB = 8

	r := &WeightedRanker{}
	ranked := r.RankNodes([]fabric.Node{small}, cfg, nil)
	if len(ranked) != 0 {
		t.Fatalf("expected no candidates without fallback enabled, got %+v", ranked)
	}
}

func TestParseParamHintB(t *testing.T) {
	cases := map[string]float64{
		"llama-2-7b":     7,
		"m-13b-chat":     13,
		"no-size-marker": 13,
		"mixtral-8x7b":   7,
		"m-70b":          70,
	}
	for model, want := range cases {
		if got := parseParamHintB(model); got != want {
			t.Errorf("parseParamHintB(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestRegionScore(t *testing.T) {
	if s := regionScore("us-east-1", "us-east-1"); s != 1.0 {
		t.Errorf("same region score = %v, want 1.0", s)
	}
	if s := regionScore("", "us-east-1"); s != 0.7 {
		t.Errorf("no-preference score = %v, want 0.7", s)
	}
	if s := regionScore("us-east-1", ""); s != 0.45 {
		t.Errorf("blank node region score = %v, want 0.45", s)
	}
}

func TestModelCacheScore(t *testing.T) {
	if s := modelCacheScore("", nil); s != 0.4 {
		t.Errorf("empty model score = %v, want 0.4", s)
	}
	if s := modelCacheScore("llama-2-7b", []string{"llama-2-7b"}); s != 1.0 {
		t.Errorf("exact match score = %v, want 1.0", s)
	}
	if s := modelCacheScore("llama-2-13b", []string{"llama-2-7b"}); s != 0.72 {
		t.Errorf("family match score = %v, want 0.72", s)
	}
	if s := modelCacheScore("mistral-7b", []string{"llama-2-7b"}); s != 0.25 {
		t.Errorf("no match score = %v, want 0.25", s)
	}
}
