package store

import (
	"math"
	"strings"

	"github.com/wisbric/nightowl/pkg/fabric"
)

func successfulResults(job fabric.Job) []fabric.ReplicaResult {
	var out []fabric.ReplicaResult
	for _, r := range job.Results {
		if r.Success && r.Output != "" {
			out = append(out, r)
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(append([]string(nil), ids...), id)
}

func nodeIDs(nodes []fabric.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func normalizeModelCache(models []string) []string {
	out := make([]string, 0, len(models))
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		cleaned := strings.TrimSpace(m)
		if cleaned == "" {
			continue
		}
		key := strings.ToLower(cleaned)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cleaned)
		if len(out) == fabric.MaxModelCacheEntries {
			break
		}
	}
	return out
}

func slugify(s string) string {
	lower := strings.ToLower(s)
	return strings.ReplaceAll(lower, " ", "-")
}

func jobProgress(successful, inflight, target int) float64 {
	if target <= 0 {
		return 15
	}
	ratio := math.Min(1.0, (float64(successful)+float64(inflight)*0.45)/float64(target))
	v := 12 + ratio*72
	return round2(clampF(12, 88, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func clampF(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func promptPreview(s string) string {
	r := []rune(s)
	if len(r) > 120 {
		r = r[:120]
	}
	return string(r)
}
