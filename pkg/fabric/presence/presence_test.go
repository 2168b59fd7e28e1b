package presence

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/nightowl/pkg/auth"
	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/fabric/store"
	"github.com/wisbric/nightowl/pkg/ledger"
	"github.com/wisbric/nightowl/pkg/scheduler"
	"github.com/wisbric/nightowl/pkg/verifier"
)

type countingSink struct {
	jobUpdates     int
	networkChanges int
}

func (c *countingSink) JobUpdated(fabric.Job) { c.jobUpdates++ }
func (c *countingSink) NetworkChanged()       { c.networkChanges++ }

func TestTickBroadcastsNetworkUpdateEveryCycle(t *testing.T) {
	rank := &scheduler.WeightedRanker{Cfg: scheduler.Config{SingleNodeFallback: true}}
	verify := verifier.NewHashEmbeddingVerifier()
	credits := ledger.New(1000, nil)
	hashKeys := auth.NewAssignmentHashKeys("claim-secret", time.Minute)
	sink := &countingSink{}
	st := store.New(rank, verify, credits, hashKeys, true, nil)

	pub := New(st, sink, nil, Config{ClaimTimeout: time.Hour, HeartbeatTimeout: time.Hour}, slog.New(slog.DiscardHandler))
	pub.Tick(context.Background())
	pub.Tick(context.Background())

	if sink.networkChanges != 2 {
		t.Fatalf("network changes = %d, want 2", sink.networkChanges)
	}
}
