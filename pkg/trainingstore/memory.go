package trainingstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-process Store implementation: a handful of maps behind a
// single mutex. It is the default driver and matches the fabric's
// in-memory-authoritative design for the core scheduling state.
type Memory struct {
	mu          sync.Mutex
	artifacts   map[string]ModelArtifact
	datasets    map[string]DatasetArtifact
	runs        map[string]TrainingRun
	checkpoints map[string][]TrainingCheckpoint
	now         func() time.Time
}

// NewMemory builds an empty in-process training store.
func NewMemory() *Memory {
	return &Memory{
		artifacts:   make(map[string]ModelArtifact),
		datasets:    make(map[string]DatasetArtifact),
		runs:        make(map[string]TrainingRun),
		checkpoints: make(map[string][]TrainingCheckpoint),
		now:         time.Now,
	}
}

func (m *Memory) CreateModelArtifact(_ context.Context, a ModelArtifact) (ModelArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = m.now().UTC()
	m.artifacts[a.ID] = a
	return a, nil
}

func (m *Memory) ListModelArtifacts(_ context.Context) ([]ModelArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModelArtifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) GetModelArtifact(_ context.Context, id string) (ModelArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return ModelArtifact{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) CreateDatasetArtifact(_ context.Context, d DatasetArtifact) (DatasetArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = m.now().UTC()
	m.datasets[d.ID] = d
	return d, nil
}

func (m *Memory) ListDatasetArtifacts(_ context.Context) ([]DatasetArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DatasetArtifact, 0, len(m.datasets))
	for _, d := range m.datasets {
		out = append(out, d)
	}
	return out, nil
}

func (m *Memory) GetDatasetArtifact(_ context.Context, id string) (DatasetArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[id]
	if !ok {
		return DatasetArtifact{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) CreateTrainingRun(_ context.Context, r TrainingRun) (TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	now := m.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.runs[r.ID] = r
	return r, nil
}

func (m *Memory) ListTrainingRuns(_ context.Context, ownerID string) ([]TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrainingRun, 0, len(m.runs))
	for _, r := range m.runs {
		if ownerID != "" && r.OwnerID != ownerID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) GetTrainingRun(_ context.Context, id string) (TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return TrainingRun{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) UpdateTrainingRun(_ context.Context, r TrainingRun) (TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[r.ID]
	if !ok {
		return TrainingRun{}, ErrNotFound
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = m.now().UTC()
	m.runs[r.ID] = r
	return r, nil
}

func (m *Memory) CreateCheckpoint(_ context.Context, c TrainingCheckpoint) (TrainingCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = m.now().UTC()
	m.checkpoints[c.RunID] = append(m.checkpoints[c.RunID], c)
	return c, nil
}

func (m *Memory) ListCheckpoints(_ context.Context, runID string) ([]TrainingCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrainingCheckpoint, len(m.checkpoints[runID]))
	copy(out, m.checkpoints[runID])
	return out, nil
}

// TickTrainingRuns advances every run still in progress by one epoch,
// completing it once it reaches its target epoch count. This is a
// placeholder scheduler: a real deployment would dispatch epoch work to
// fabric nodes the same way inference jobs are claimed.
func (m *Memory) TickTrainingRuns(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	for id, r := range m.runs {
		if r.Status != RunRunning {
			continue
		}
		r.CurrentEpoch++
		r.UpdatedAt = now
		if r.CurrentEpoch >= r.TargetEpochs {
			r.Status = RunComplete
			r.CompletedAt, r.HasCompleted = now, true
		}
		m.runs[id] = r
	}
	return nil
}
