// Package scheduler ranks candidate nodes for a job configuration. It is a
// stateless strategy, expressed as the Ranker interface so an alternative
// implementation (a lottery scheduler, an LSH-backed ranker) can be slotted
// into the coordinator without touching the state store.
package scheduler

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/wisbric/nightowl/pkg/fabric"
)

// Ranker filters and ranks candidate nodes for a job configuration.
type Ranker interface {
	RankNodes(nodes []fabric.Node, cfg fabric.JobConfig, exclude map[string]bool) []RankedNode
	SelectNodes(nodes []fabric.Node, cfg fabric.JobConfig, replicas int) []RankedNode
}

// RankedNode is a node with its computed score, in descending-score order.
type RankedNode struct {
	Node  fabric.Node
	Score float64
}

// Config holds the tunables for WeightedRanker, mostly fixed by spec but
// exposed for tests and for the single-node test fallback flag.
type Config struct {
	SingleNodeFallback bool
}

// WeightedRanker is the default Ranker: a capacity filter followed by a
// weighted-sum score across seven signals.
type WeightedRanker struct {
	Cfg Config

	// ActiveNodeCounter is not read by SelectNodes/RankNodes: the
	// single-node fallback counts the non-offline nodes in the slice passed
	// to RankNodes, whether or not this field is set.
	ActiveNodeCounter func() int
}

const embeddingWeightAvailability = 0.14
const weightTrust = 0.28
const weightVRAM = 0.22
const weightLoad = 0.11
const weightLatency = 0.07
const weightRegion = 0.10
const weightModelCache = 0.08

// regionRTTMs is static seed data for inter-region round-trip estimates, not
// a derived measurement (spec.md Open Questions). Values are asymmetric by
// construction, matching how real backbone routes behave.
var regionRTTMs = map[[2]string]float64{
	{"us-east-1", "us-west-2"}: 65,
	{"us-west-2", "us-east-1"}: 68,
	{"us-east-1", "eu-west-1"}: 80,
	{"eu-west-1", "us-east-1"}: 78,
	{"us-east-1", "ap-southeast-1"}: 220,
	{"ap-southeast-1", "us-east-1"}: 225,
	{"eu-west-1", "ap-southeast-1"}: 165,
	{"ap-southeast-1", "eu-west-1"}: 170,
	{"us-west-2", "eu-west-1"}: 140,
	{"eu-west-1", "us-west-2"}: 138,
	{"us-west-2", "ap-southeast-1"}: 150,
	{"ap-southeast-1", "us-west-2"}: 152,
}

func regionRTT(a, b string) (float64, bool) {
	if a == "" || b == "" {
		return 0, false
	}
	if a == b {
		return 0, true
	}
	rtt, ok := regionRTTMs[[2]string{a, b}]
	return rtt, ok
}

var paramHintRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)b(?:[^a-z0-9]|$)`)

// ParseParamHintB extracts the trailing number+"b" parameter-count hint from
// a model name, defaulting to 13 (billion parameters) when absent. Shared
// with pkg/ledger's cost estimator so both use the same heuristic.
func ParseParamHintB(model string) float64 {
	return parseParamHintB(model)
}

// parseParamHintB is the unexported implementation.
func parseParamHintB(model string) float64 {
	m := paramHintRe.FindStringSubmatch(model)
	if m == nil {
		return 13
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 13
	}
	return v
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// requiredVRAMGB implements spec.md §4.1's heuristic capacity requirement.
func requiredVRAMGB(cfg fabric.JobConfig) float64 {
	paramHintB := parseParamHintB(cfg.Model)
	tokenFactor := clamp(0.4, 2.0, float64(cfg.MaxTokens)/2048)
	required := math.Round((paramHintB*0.7)*tokenFactor*100) / 100
	return clamp(4, 80, required)
}

// RankNodes filters then scores candidates, returning them best-first.
func (w *WeightedRanker) RankNodes(nodes []fabric.Node, cfg fabric.JobConfig, exclude map[string]bool) []RankedNode {
	required := requiredVRAMGB(cfg)

	type entry struct {
		node  fabric.Node
		score float64
		order int
	}
	var candidates []entry

	for i, n := range nodes {
		if n.Status == fabric.NodeOffline {
			continue
		}
		if exclude != nil && exclude[n.ID] {
			continue
		}
		if n.VRAMTotalGB < 0.75*required {
			continue
		}
		if n.FreeVRAMGB() < math.Max(2.0, 0.3*required) {
			continue
		}
		candidates = append(candidates, entry{node: n, score: scoreNode(n, cfg, required), order: i})
	}

	if len(candidates) == 0 && w.Cfg.SingleNodeFallback {
		active := activeNodes(nodes)
		if len(active) == 1 {
			return []RankedNode{{Node: active[0], Score: 0}}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	out := make([]RankedNode, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, RankedNode{Node: c.node, Score: c.score})
	}
	return out
}

// SelectNodes returns the top `replicas` ranked candidates.
func (w *WeightedRanker) SelectNodes(nodes []fabric.Node, cfg fabric.JobConfig, replicas int) []RankedNode {
	ranked := w.RankNodes(nodes, cfg, nil)
	if replicas < 0 {
		replicas = 0
	}
	if replicas > len(ranked) {
		replicas = len(ranked)
	}
	return ranked[:replicas]
}

func activeNodes(nodes []fabric.Node) []fabric.Node {
	var out []fabric.Node
	for _, n := range nodes {
		if n.Status != fabric.NodeOffline {
			out = append(out, n)
		}
	}
	return out
}

func scoreNode(n fabric.Node, cfg fabric.JobConfig, required float64) float64 {
	availability := 0.65
	if n.Status == fabric.NodeHealthy {
		availability = 1.0
	}

	trust := n.TrustScore

	vramHeadroom := clamp(0, 1, (n.FreeVRAMGB()-0.2*required)/math.Max(n.VRAMTotalGB, 1e-9))

	loadHeadroom := math.Max(0, 1-math.Min(1, float64(n.JobsRunning)/6))

	latency := 0.75
	if n.HasLatency {
		latency = clamp(0.1, 1, 1-n.LatencyMsAvg/1700)
	}

	region := regionScore(cfg.PreferredRegion, n.Region)

	modelCache := modelCacheScore(cfg.Model, n.ModelCache)

	return embeddingWeightAvailability*availability +
		weightTrust*trust +
		weightVRAM*vramHeadroom +
		weightLoad*loadHeadroom +
		weightLatency*latency +
		weightRegion*region +
		weightModelCache*modelCache
}

func regionScore(preferred, node string) float64 {
	if preferred == "" || node == "" {
		if preferred == "" && node != "" {
			return 0.7
		}
		return 0.45
	}
	if preferred == node {
		return 1.0
	}
	if rtt, ok := regionRTT(preferred, node); ok {
		return clamp(0.15, 1, 1-rtt/280)
	}
	return 0.45
}

func modelCacheScore(model string, cache []string) float64 {
	if model == "" {
		return 0.4
	}
	lowerModel := strings.ToLower(model)
	for _, m := range cache {
		if strings.ToLower(m) == lowerModel {
			return 1.0
		}
	}
	family := modelFamily(lowerModel)
	if family != "" {
		for _, m := range cache {
			if modelFamily(strings.ToLower(m)) == family {
				return 0.72
			}
		}
	}
	return 0.25
}

// modelFamily returns the prefix of a model name up to (but excluding) the
// first '-', '_' or space, e.g. "llama-2-7b" -> "llama". A name with no
// such separator, or one that starts with it, is returned whole.
func modelFamily(name string) string {
	idx := strings.IndexAny(name, "-_ ")
	if idx <= 0 {
		return name
	}
	return name[:idx]
}
