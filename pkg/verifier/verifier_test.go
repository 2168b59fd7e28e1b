package verifier

import (
	"strings"
	"testing"

	"github.com/wisbric/nightowl/pkg/fabric"
)

func TestVerifyNoSuccessfulResults(t *testing.T) {
	v := NewHashEmbeddingVerifier()
	verdict := v.Verify([]fabric.ReplicaResult{{NodeID: "a", Success: false}}, 2)
	if verdict.Status != fabric.VerificationFailed {
		t.Fatalf("status = %v, want failed", verdict.Status)
	}
	if verdict.Details.Reason != "no_successful_results" {
		t.Fatalf("reason = %q", verdict.Details.Reason)
	}
	if verdict.HasMerged {
		t.Fatalf("expected no merged output")
	}
}

func TestVerifySingleReplicaVerified(t *testing.T) {
	v := NewHashEmbeddingVerifier()
	verdict := v.Verify([]fabric.ReplicaResult{
		{NodeID: "a", Success: true, Output: "dogs are mammals"},
	}, 1)
	if verdict.Status != fabric.VerificationVerified {
		t.Fatalf("status = %v, want verified", verdict.Status)
	}
	if verdict.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", verdict.Confidence)
	}
}

func TestVerifyMatchingWhitespaceVariants(t *testing.T) {
	v := NewHashEmbeddingVerifier()
	verdict := v.Verify([]fabric.ReplicaResult{
		{NodeID: "a", Success: true, Output: "Dogs are mammals."},
		{NodeID: "b", Success: true, Output: "dogs  are   mammals."},
	}, 2)
	if verdict.Status != fabric.VerificationVerified {
		t.Fatalf("status = %v, want verified", verdict.Status)
	}
	if verdict.Confidence < 0.98 {
		t.Fatalf("confidence = %v, want >= 0.98", verdict.Confidence)
	}
}

func TestVerifyMismatchingOutputs(t *testing.T) {
	v := NewHashEmbeddingVerifier()
	verdict := v.Verify([]fabric.ReplicaResult{
		{NodeID: "a", Success: true, Output: "the quick brown fox jumps over the lazy dog"},
		{NodeID: "b", Success: true, Output: "revenue grew twelve percent in the fiscal quarter"},
	}, 2)
	if verdict.Status != fabric.VerificationFailed {
		t.Fatalf("status = %v, want failed", verdict.Status)
	}
}

func TestEmbedEmptyStringIsZeroVector(t *testing.T) {
	emb := Embed("")
	for i, v := range emb {
		if v != 0 {
			t.Fatalf("expected zero vector, got nonzero at %d: %v", i, v)
		}
	}
	if Cosine(emb, emb) != 0 {
		t.Fatalf("cosine of zero vector with itself should be 0, got %v", Cosine(emb, emb))
	}
}

func TestVerifyReplicaFailureThenRecovery(t *testing.T) {
	v := NewHashEmbeddingVerifier()
	verdict := v.Verify([]fabric.ReplicaResult{
		{NodeID: "a", Success: false, Error: "timeout"},
		{NodeID: "b", Success: true, Output: "paris is the capital of france"},
		{NodeID: "c", Success: true, Output: "paris is the capital of france"},
	}, 2)
	if verdict.Status != fabric.VerificationVerified {
		t.Fatalf("status = %v, want verified", verdict.Status)
	}
	if !strings.Contains(verdict.MergedOutput, "paris") {
		t.Fatalf("merged output = %q", verdict.MergedOutput)
	}
}
