// Package trainingstore holds metadata for model artifacts, datasets, and
// training runs behind a pluggable Store interface. The coordinator's core
// scheduling path never depends on this package; the coordinator always
// wires it in (in-memory by default) to track fine-tuning/training jobs
// alongside inference.
package trainingstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("trainingstore: not found")

// RunStatus is the lifecycle state of a TrainingRun.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunPaused   RunStatus = "paused"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// ModelArtifact describes a versioned model checkpoint available to the
// fabric, independent of any particular training run.
type ModelArtifact struct {
	ID              string
	Name            string
	Version         string
	SourceURI       string
	Framework       string
	Precision       string
	ParameterCountB float64
	SizeGB          float64
	Metadata        map[string]string
	CreatedAt       time.Time
}

// DatasetArtifact describes a versioned dataset available for training runs.
type DatasetArtifact struct {
	ID           string
	Name         string
	Version      string
	SourceURI    string
	Format       string
	TrainSamples int
	ValSamples   int
	TestSamples  int
	SizeGB       float64
	Schema       map[string]string
	CreatedAt    time.Time
}

// TrainingRun tracks one fine-tuning or training job against an artifact
// and a dataset, scheduled across one or more fabric nodes.
type TrainingRun struct {
	ID                     string
	OwnerID                string
	Objective              string
	ArtifactID             string
	DatasetID              string
	Mode                   string
	Status                 RunStatus
	Provider               string
	PreferredRegion        string
	BudgetProfile          string
	Replicas               int
	TargetEpochs           int
	CurrentEpoch           int
	BatchSize              int
	LearningRate           float64
	MaxTokens              int
	EstimatedVRAMGB        float64
	EstimatedRAMGB         float64
	EstimatedDurationHours float64
	EstimatedCostCredits   float64
	AssignedNodeIDs        []string
	TrainLoss              float64
	ValLoss                float64
	EvalScore              float64
	BestCheckpointURI      string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	StartedAt              time.Time
	HasStarted             bool
	CompletedAt            time.Time
	HasCompleted           bool
	Error                  string
}

// TrainingCheckpoint records one saved checkpoint within a run.
type TrainingCheckpoint struct {
	ID            string
	RunID         string
	Epoch         int
	Step          int
	TrainLoss     float64
	ValLoss       float64
	EvalScore     float64
	CheckpointURI string
	CreatedAt     time.Time
}

// Store is the training metadata backend. Implementations: Memory (default,
// in-process) and Postgres (durable, migration-backed).
type Store interface {
	CreateModelArtifact(ctx context.Context, a ModelArtifact) (ModelArtifact, error)
	ListModelArtifacts(ctx context.Context) ([]ModelArtifact, error)
	GetModelArtifact(ctx context.Context, id string) (ModelArtifact, error)

	CreateDatasetArtifact(ctx context.Context, d DatasetArtifact) (DatasetArtifact, error)
	ListDatasetArtifacts(ctx context.Context) ([]DatasetArtifact, error)
	GetDatasetArtifact(ctx context.Context, id string) (DatasetArtifact, error)

	CreateTrainingRun(ctx context.Context, r TrainingRun) (TrainingRun, error)
	ListTrainingRuns(ctx context.Context, ownerID string) ([]TrainingRun, error)
	GetTrainingRun(ctx context.Context, id string) (TrainingRun, error)
	UpdateTrainingRun(ctx context.Context, r TrainingRun) (TrainingRun, error)

	CreateCheckpoint(ctx context.Context, c TrainingCheckpoint) (TrainingCheckpoint, error)
	ListCheckpoints(ctx context.Context, runID string) ([]TrainingCheckpoint, error)

	// TickTrainingRuns advances in-progress runs by one scheduler tick. It
	// is called from the coordinator's presence publisher loop, wired in
	// through the presence.TrainingTicker interface.
	TickTrainingRuns(ctx context.Context) error
}
