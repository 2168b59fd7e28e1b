package trainingstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the durable Store implementation, used when operators want
// training metadata to survive a coordinator restart. Schema is applied
// separately via golang-migrate against MigrationsDir.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already-connected pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateModelArtifact(ctx context.Context, a ModelArtifact) (ModelArtifact, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return ModelArtifact{}, fmt.Errorf("marshaling artifact metadata: %w", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO model_artifacts (id, name, version, source_uri, framework, precision, parameter_count_b, size_gb, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		a.ID, a.Name, a.Version, a.SourceURI, a.Framework, a.Precision, a.ParameterCountB, a.SizeGB, meta)
	if err := row.Scan(&a.CreatedAt); err != nil {
		return ModelArtifact{}, fmt.Errorf("inserting model artifact: %w", err)
	}
	return a, nil
}

func (p *Postgres) ListModelArtifacts(ctx context.Context) ([]ModelArtifact, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, version, source_uri, framework, precision, parameter_count_b, size_gb, metadata, created_at
		FROM model_artifacts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing model artifacts: %w", err)
	}
	defer rows.Close()

	var out []ModelArtifact
	for rows.Next() {
		var a ModelArtifact
		var meta []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.Version, &a.SourceURI, &a.Framework, &a.Precision, &a.ParameterCountB, &a.SizeGB, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning model artifact: %w", err)
		}
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decoding model artifact metadata: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) GetModelArtifact(ctx context.Context, id string) (ModelArtifact, error) {
	var a ModelArtifact
	var meta []byte
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, version, source_uri, framework, precision, parameter_count_b, size_gb, metadata, created_at
		FROM model_artifacts WHERE id = $1`, id)
	if err := row.Scan(&a.ID, &a.Name, &a.Version, &a.SourceURI, &a.Framework, &a.Precision, &a.ParameterCountB, &a.SizeGB, &meta, &a.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return ModelArtifact{}, ErrNotFound
		}
		return ModelArtifact{}, fmt.Errorf("fetching model artifact: %w", err)
	}
	if err := json.Unmarshal(meta, &a.Metadata); err != nil {
		return ModelArtifact{}, fmt.Errorf("decoding model artifact metadata: %w", err)
	}
	return a, nil
}

func (p *Postgres) CreateDatasetArtifact(ctx context.Context, d DatasetArtifact) (DatasetArtifact, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	schema, err := json.Marshal(d.Schema)
	if err != nil {
		return DatasetArtifact{}, fmt.Errorf("marshaling dataset schema: %w", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO dataset_artifacts (id, name, version, source_uri, format, train_samples, val_samples, test_samples, size_gb, schema)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		d.ID, d.Name, d.Version, d.SourceURI, d.Format, d.TrainSamples, d.ValSamples, d.TestSamples, d.SizeGB, schema)
	if err := row.Scan(&d.CreatedAt); err != nil {
		return DatasetArtifact{}, fmt.Errorf("inserting dataset artifact: %w", err)
	}
	return d, nil
}

func (p *Postgres) ListDatasetArtifacts(ctx context.Context) ([]DatasetArtifact, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, version, source_uri, format, train_samples, val_samples, test_samples, size_gb, schema, created_at
		FROM dataset_artifacts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing dataset artifacts: %w", err)
	}
	defer rows.Close()

	var out []DatasetArtifact
	for rows.Next() {
		var d DatasetArtifact
		var schema []byte
		if err := rows.Scan(&d.ID, &d.Name, &d.Version, &d.SourceURI, &d.Format, &d.TrainSamples, &d.ValSamples, &d.TestSamples, &d.SizeGB, &schema, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dataset artifact: %w", err)
		}
		if err := json.Unmarshal(schema, &d.Schema); err != nil {
			return nil, fmt.Errorf("decoding dataset schema: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) GetDatasetArtifact(ctx context.Context, id string) (DatasetArtifact, error) {
	var d DatasetArtifact
	var schema []byte
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, version, source_uri, format, train_samples, val_samples, test_samples, size_gb, schema, created_at
		FROM dataset_artifacts WHERE id = $1`, id)
	if err := row.Scan(&d.ID, &d.Name, &d.Version, &d.SourceURI, &d.Format, &d.TrainSamples, &d.ValSamples, &d.TestSamples, &d.SizeGB, &schema, &d.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return DatasetArtifact{}, ErrNotFound
		}
		return DatasetArtifact{}, fmt.Errorf("fetching dataset artifact: %w", err)
	}
	if err := json.Unmarshal(schema, &d.Schema); err != nil {
		return DatasetArtifact{}, fmt.Errorf("decoding dataset schema: %w", err)
	}
	return d, nil
}

func (p *Postgres) CreateTrainingRun(ctx context.Context, r TrainingRun) (TrainingRun, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO training_runs (
			id, owner_id, objective, artifact_id, dataset_id, mode, status, provider, preferred_region,
			budget_profile, replicas, target_epochs, current_epoch, batch_size, learning_rate, max_tokens,
			estimated_vram_gb, estimated_ram_gb, estimated_duration_hours, estimated_cost_credits, assigned_node_ids
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING created_at, updated_at`,
		r.ID, r.OwnerID, r.Objective, r.ArtifactID, r.DatasetID, r.Mode, r.Status, r.Provider, r.PreferredRegion,
		r.BudgetProfile, r.Replicas, r.TargetEpochs, r.CurrentEpoch, r.BatchSize, r.LearningRate, r.MaxTokens,
		r.EstimatedVRAMGB, r.EstimatedRAMGB, r.EstimatedDurationHours, r.EstimatedCostCredits, r.AssignedNodeIDs)
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return TrainingRun{}, fmt.Errorf("inserting training run: %w", err)
	}
	return r, nil
}

func (p *Postgres) ListTrainingRuns(ctx context.Context, ownerID string) ([]TrainingRun, error) {
	query := `SELECT ` + trainingRunColumns + ` FROM training_runs`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing training runs: %w", err)
	}
	defer rows.Close()

	var out []TrainingRun
	for rows.Next() {
		r, err := scanTrainingRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetTrainingRun(ctx context.Context, id string) (TrainingRun, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+trainingRunColumns+` FROM training_runs WHERE id = $1`, id)
	r, err := scanTrainingRun(row)
	if err == pgx.ErrNoRows {
		return TrainingRun{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) UpdateTrainingRun(ctx context.Context, r TrainingRun) (TrainingRun, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE training_runs SET
			status = $2, current_epoch = $3, train_loss = $4, val_loss = $5, eval_score = $6,
			best_checkpoint_uri = $7, assigned_node_ids = $8, started_at = $9, completed_at = $10,
			error = $11, updated_at = now()
		WHERE id = $1
		RETURNING `+trainingRunColumns,
		r.ID, r.Status, r.CurrentEpoch, r.TrainLoss, r.ValLoss, r.EvalScore,
		r.BestCheckpointURI, r.AssignedNodeIDs, nullableTime(r.HasStarted, r.StartedAt), nullableTime(r.HasCompleted, r.CompletedAt),
		r.Error)
	updated, err := scanTrainingRun(row)
	if err == pgx.ErrNoRows {
		return TrainingRun{}, ErrNotFound
	}
	return updated, err
}

func (p *Postgres) CreateCheckpoint(ctx context.Context, c TrainingCheckpoint) (TrainingCheckpoint, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO training_checkpoints (id, run_id, epoch, step, train_loss, val_loss, eval_score, checkpoint_uri)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		c.ID, c.RunID, c.Epoch, c.Step, c.TrainLoss, c.ValLoss, c.EvalScore, c.CheckpointURI)
	if err := row.Scan(&c.CreatedAt); err != nil {
		return TrainingCheckpoint{}, fmt.Errorf("inserting checkpoint: %w", err)
	}
	return c, nil
}

func (p *Postgres) ListCheckpoints(ctx context.Context, runID string) ([]TrainingCheckpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, epoch, step, train_loss, val_loss, eval_score, checkpoint_uri, created_at
		FROM training_checkpoints WHERE run_id = $1 ORDER BY epoch, step`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []TrainingCheckpoint
	for rows.Next() {
		var c TrainingCheckpoint
		if err := rows.Scan(&c.ID, &c.RunID, &c.Epoch, &c.Step, &c.TrainLoss, &c.ValLoss, &c.EvalScore, &c.CheckpointURI, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TickTrainingRuns advances every running run by one epoch, completing it
// once it reaches its target. Mirrors Memory.TickTrainingRuns but against
// the durable store.
func (p *Postgres) TickTrainingRuns(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE training_runs SET
			current_epoch = current_epoch + 1,
			status = CASE WHEN current_epoch + 1 >= target_epochs THEN 'complete' ELSE status END,
			completed_at = CASE WHEN current_epoch + 1 >= target_epochs THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE status = 'running'`)
	if err != nil {
		return fmt.Errorf("ticking training runs: %w", err)
	}
	return nil
}

const trainingRunColumns = `
	id, owner_id, objective, artifact_id, dataset_id, mode, status, provider, preferred_region,
	budget_profile, replicas, target_epochs, current_epoch, batch_size, learning_rate, max_tokens,
	estimated_vram_gb, estimated_ram_gb, estimated_duration_hours, estimated_cost_credits, assigned_node_ids,
	train_loss, val_loss, eval_score, best_checkpoint_uri, created_at, updated_at, started_at, completed_at, error`

// rowScanner abstracts pgx.Row / pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrainingRun(row rowScanner) (TrainingRun, error) {
	var r TrainingRun
	var startedAtN, completedAtN nullTime
	if err := row.Scan(
		&r.ID, &r.OwnerID, &r.Objective, &r.ArtifactID, &r.DatasetID, &r.Mode, &r.Status, &r.Provider, &r.PreferredRegion,
		&r.BudgetProfile, &r.Replicas, &r.TargetEpochs, &r.CurrentEpoch, &r.BatchSize, &r.LearningRate, &r.MaxTokens,
		&r.EstimatedVRAMGB, &r.EstimatedRAMGB, &r.EstimatedDurationHours, &r.EstimatedCostCredits, &r.AssignedNodeIDs,
		&r.TrainLoss, &r.ValLoss, &r.EvalScore, &r.BestCheckpointURI, &r.CreatedAt, &r.UpdatedAt, &startedAtN, &completedAtN, &r.Error,
	); err != nil {
		return TrainingRun{}, err
	}
	r.StartedAt, r.HasStarted = startedAtN.Time, startedAtN.Valid
	r.CompletedAt, r.HasCompleted = completedAtN.Time, completedAtN.Valid
	return r, nil
}
