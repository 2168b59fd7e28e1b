package trainingstore

import (
	"context"
	"testing"
)

func TestMemoryCreateAndGetModelArtifact(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	created, err := m.CreateModelArtifact(ctx, ModelArtifact{Name: "llama3", Version: "8b", Framework: "pytorch"})
	if err != nil {
		t.Fatalf("CreateModelArtifact: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := m.GetModelArtifact(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetModelArtifact: %v", err)
	}
	if got.Name != "llama3" {
		t.Fatalf("expected name llama3, got %q", got.Name)
	}

	if _, err := m.GetModelArtifact(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryTickTrainingRunsCompletesAtTargetEpoch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	run, err := m.CreateTrainingRun(ctx, TrainingRun{OwnerID: "user-1", TargetEpochs: 2, Status: RunRunning})
	if err != nil {
		t.Fatalf("CreateTrainingRun: %v", err)
	}

	if err := m.TickTrainingRuns(ctx); err != nil {
		t.Fatalf("TickTrainingRuns: %v", err)
	}
	mid, err := m.GetTrainingRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetTrainingRun: %v", err)
	}
	if mid.Status != RunRunning || mid.CurrentEpoch != 1 {
		t.Fatalf("expected still running at epoch 1, got status=%s epoch=%d", mid.Status, mid.CurrentEpoch)
	}

	if err := m.TickTrainingRuns(ctx); err != nil {
		t.Fatalf("TickTrainingRuns: %v", err)
	}
	final, err := m.GetTrainingRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetTrainingRun: %v", err)
	}
	if final.Status != RunComplete || !final.HasCompleted {
		t.Fatalf("expected run complete, got status=%s hasCompleted=%v", final.Status, final.HasCompleted)
	}
}

func TestMemoryListTrainingRunsFiltersByOwner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.CreateTrainingRun(ctx, TrainingRun{OwnerID: "alice"}); err != nil {
		t.Fatalf("CreateTrainingRun: %v", err)
	}
	if _, err := m.CreateTrainingRun(ctx, TrainingRun{OwnerID: "bob"}); err != nil {
		t.Fatalf("CreateTrainingRun: %v", err)
	}

	runs, err := m.ListTrainingRuns(ctx, "alice")
	if err != nil {
		t.Fatalf("ListTrainingRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].OwnerID != "alice" {
		t.Fatalf("expected exactly one run owned by alice, got %+v", runs)
	}
}
