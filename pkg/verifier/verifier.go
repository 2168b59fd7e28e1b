// Package verifier clusters replica outputs by semantic similarity and
// decides whether a job's replicated execution reached a reliable majority.
// It is a stateless strategy behind the Verifier interface so an alternative
// embedding or clustering approach can be substituted without touching the
// state store.
package verifier

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"regexp"
	"strings"

	"github.com/wisbric/nightowl/pkg/fabric"
)

// EmbeddingDims is the width of the hashed-embedding bucket vector.
const EmbeddingDims = 256

// DefaultSimilarityThreshold is the default clustering/verification threshold.
const DefaultSimilarityThreshold = 0.78

// Verdict is the outcome of a verification pass.
type Verdict struct {
	Status         fabric.VerificationStatus
	MergedOutput   string
	HasMerged      bool
	Confidence     float64
	Details        fabric.VerificationDetails
}

// Verifier clusters a job's replica results and decides the majority outcome.
type Verifier interface {
	Verify(results []fabric.ReplicaResult, expectedReplicas int) Verdict
}

// HashEmbeddingVerifier is the default Verifier: tokenize, hash tokens into
// fixed buckets, L2-normalize, cluster by greedy single-pass cosine
// similarity, and report the majority cluster.
type HashEmbeddingVerifier struct {
	SimilarityThreshold float64
}

// NewHashEmbeddingVerifier returns a verifier with the default threshold.
func NewHashEmbeddingVerifier() *HashEmbeddingVerifier {
	return &HashEmbeddingVerifier{SimilarityThreshold: DefaultSimilarityThreshold}
}

func (v *HashEmbeddingVerifier) threshold() float64 {
	if v.SimilarityThreshold > 0 {
		return v.SimilarityThreshold
	}
	return DefaultSimilarityThreshold
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// Embed computes the hashed-embedding vector for a piece of text: tokenize
// lowercased text by [A-Za-z0-9_]+, hash each token with SHA-256, bucket by
// the first 8 hex chars modulo EmbeddingDims, then L2-normalize.
func Embed(text string) [EmbeddingDims]float64 {
	var buckets [EmbeddingDims]float64
	lower := strings.ToLower(text)
	for _, tok := range tokenRe.FindAllString(lower, -1) {
		sum := sha256.Sum256([]byte(tok))
		prefix := binary.BigEndian.Uint32(sum[:4])
		buckets[int(prefix)%EmbeddingDims] += 1.0
	}
	var normSq float64
	for _, b := range buckets {
		normSq += b * b
	}
	if normSq == 0 {
		return buckets
	}
	norm := math.Sqrt(normSq)
	for i := range buckets {
		buckets[i] /= norm
	}
	return buckets
}

// Cosine computes the cosine similarity between two embeddings, clamped to
// [0,1] and rounded to 4 decimal places.
func Cosine(a, b [EmbeddingDims]float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	if dot < 0 {
		dot = 0
	}
	if dot > 1 {
		dot = 1
	}
	return math.Round(dot*10000) / 10000
}

type cluster struct {
	members  []int // indices into the kept-results slice
	centroid [EmbeddingDims]float64
	sum      [EmbeddingDims]float64
}

func recenter(c *cluster) {
	n := float64(len(c.members))
	var normSq float64
	for i := range c.sum {
		c.centroid[i] = c.sum[i] / n
		normSq += c.centroid[i] * c.centroid[i]
	}
	if normSq == 0 {
		return
	}
	norm := math.Sqrt(normSq)
	for i := range c.centroid {
		c.centroid[i] /= norm
	}
}

// Verify implements the Verifier interface per spec: cluster, pick the
// largest cluster, compute confidence, and decide a verdict.
func (v *HashEmbeddingVerifier) Verify(results []fabric.ReplicaResult, expectedReplicas int) Verdict {
	threshold := v.threshold()

	var kept []fabric.ReplicaResult
	for _, r := range results {
		if r.Success && r.Output != "" {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return Verdict{
			Status: fabric.VerificationFailed,
			Details: fabric.VerificationDetails{
				Reason: "no_successful_results",
			},
		}
	}

	embeddings := make([][EmbeddingDims]float64, len(kept))
	for i, r := range kept {
		embeddings[i] = Embed(r.Output)
	}

	var clusters []cluster
	for i, emb := range embeddings {
		placed := false
		for ci := range clusters {
			if Cosine(emb, clusters[ci].centroid) >= threshold {
				clusters[ci].members = append(clusters[ci].members, i)
				for d := range clusters[ci].sum {
					clusters[ci].sum[d] += emb[d]
				}
				recenter(&clusters[ci])
				placed = true
				break
			}
		}
		if !placed {
			c := cluster{members: []int{i}, sum: emb, centroid: emb}
			clusters = append(clusters, c)
		}
	}

	winnerIdx := 0
	for i := range clusters {
		if len(clusters[i].members) > len(clusters[winnerIdx].members) {
			winnerIdx = i
		}
	}
	winner := clusters[winnerIdx]

	population := expectedReplicas
	if len(kept) < population {
		population = len(kept)
	}
	majorityRequired := 1
	if population != 1 {
		majorityRequired = population/2 + 1
	}

	avgInternalSim := 1.0
	if len(winner.members) > 1 {
		var sum float64
		var pairs int
		for i := 0; i < len(winner.members); i++ {
			for j := i + 1; j < len(winner.members); j++ {
				sum += Cosine(embeddings[winner.members[i]], embeddings[winner.members[j]])
				pairs++
			}
		}
		if pairs > 0 {
			avgInternalSim = sum / float64(pairs)
		}
	}

	confidence := clampF(0, 1, (float64(len(winner.members))/float64(len(kept)))*(0.7+0.3*avgInternalSim))

	clusterSizes := make([]int, len(clusters))
	for i, c := range clusters {
		clusterSizes[i] = len(c.members)
	}

	majorityNodeIDs := make([]string, len(winner.members))
	for i, idx := range winner.members {
		majorityNodeIDs[i] = kept[idx].NodeID
	}

	details := fabric.VerificationDetails{
		ClusterSizes:     clusterSizes,
		WinnerClusterIdx: winnerIdx,
		AvgInternalSim:   avgInternalSim,
		PopulationSize:   population,
		MajorityRequired: majorityRequired,
		MajorityNodeIDs:  majorityNodeIDs,
	}

	var status fabric.VerificationStatus
	switch {
	case len(winner.members) >= majorityRequired && avgInternalSim >= threshold:
		status = fabric.VerificationVerified
	case len(winner.members) >= majorityRequired:
		status = fabric.VerificationMismatch
	default:
		status = fabric.VerificationFailed
	}

	return Verdict{
		Status:       status,
		MergedOutput: kept[winner.members[0]].Output,
		HasMerged:    true,
		Confidence:   confidence,
		Details:      details,
	}
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
