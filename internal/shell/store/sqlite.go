package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/taskdef"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed width so that stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, &RecordError{Op: "Open", Key: dsn, Kind: ErrUnavailable, Err: err}
	}
	// One connection serializes writers from concurrent pipeline runs and keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &RecordError{Op: "Open", Key: dsn, Kind: ErrUnavailable, Err: err}
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, &RecordError{Op: "Migrate", Key: dsn, Kind: ErrMigrationFailed, Err: err}
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveResource(ctx context.Context, record *ResourceRecord) error {
	return saveResource(ctx, s.db, record)
}

func (s *SQLiteStore) GetResource(ctx context.Context, stack, id string) (*ResourceRecord, error) {
	return getResource(ctx, s.db, stack, id)
}

func (s *SQLiteStore) ListResources(ctx context.Context, stack string) ([]ResourceRecord, error) {
	return listResources(ctx, s.db, stack)
}

func (s *SQLiteStore) DeleteResource(ctx context.Context, stack, id string) error {
	return deleteResource(ctx, s.db, stack, id)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	return createRun(ctx, s.db, run)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	return updateRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, pipelineID string, opts ListOptions) ([]pipeline.Run, error) {
	return listRuns(ctx, s.db, pipelineID, opts)
}

func (s *SQLiteStore) FailInterruptedRuns(ctx context.Context, message string) (int, error) {
	return failInterruptedRuns(ctx, s.db, message)
}

func (s *SQLiteStore) AppendArtifact(ctx context.Context, artifact pipeline.Artifact) error {
	return appendArtifact(ctx, s.db, artifact)
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]pipeline.Artifact, error) {
	return listArtifacts(ctx, s.db, runID)
}

func (s *SQLiteStore) RegisterTaskDefinition(ctx context.Context, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error) {
	var registered taskdef.TaskDefinition
	err := s.WithTx(ctx, func(tx Store) error {
		var err error
		registered, err = tx.RegisterTaskDefinition(ctx, td)
		return err
	})
	return registered, err
}

func (s *SQLiteStore) GetTaskDefinition(ctx context.Context, family string, revision int) (*taskdef.TaskDefinition, error) {
	return getTaskDefinition(ctx, s.db, family, revision)
}

func (s *SQLiteStore) LatestTaskDefinition(ctx context.Context, family string) (*taskdef.TaskDefinition, error) {
	return latestTaskDefinition(ctx, s.db, family)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) PutSecret(ctx context.Context, name, sealed string) error {
	return putSecret(ctx, s.db, name, sealed)
}

func (s *SQLiteStore) GetSecret(ctx context.Context, name string) (string, error) {
	return getSecret(ctx, s.db, name)
}

func (s *SQLiteStore) DeleteSecret(ctx context.Context, name string) error {
	return deleteSecret(ctx, s.db, name)
}

func (s *SQLiteStore) ListSecretNames(ctx context.Context) ([]string, error) {
	return listSecretNames(ctx, s.db)
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &RecordError{Op: "WithTx", Kind: ErrTxFailed, Err: err}
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return &RecordError{Op: "WithTx", Kind: ErrTxFailed, Err: errors.Join(err, rbErr)}
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return &RecordError{Op: "WithTx", Kind: ErrTxFailed, Err: err}
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) SaveResource(ctx context.Context, record *ResourceRecord) error {
	return saveResource(ctx, s.tx, record)
}

func (s *txSQLiteStore) GetResource(ctx context.Context, stack, id string) (*ResourceRecord, error) {
	return getResource(ctx, s.tx, stack, id)
}

func (s *txSQLiteStore) ListResources(ctx context.Context, stack string) ([]ResourceRecord, error) {
	return listResources(ctx, s.tx, stack)
}

func (s *txSQLiteStore) DeleteResource(ctx context.Context, stack, id string) error {
	return deleteResource(ctx, s.tx, stack, id)
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	return createRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	return updateRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, pipelineID string, opts ListOptions) ([]pipeline.Run, error) {
	return listRuns(ctx, s.tx, pipelineID, opts)
}

func (s *txSQLiteStore) FailInterruptedRuns(ctx context.Context, message string) (int, error) {
	return failInterruptedRuns(ctx, s.tx, message)
}

func (s *txSQLiteStore) AppendArtifact(ctx context.Context, artifact pipeline.Artifact) error {
	return appendArtifact(ctx, s.tx, artifact)
}

func (s *txSQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]pipeline.Artifact, error) {
	return listArtifacts(ctx, s.tx, runID)
}

func (s *txSQLiteStore) RegisterTaskDefinition(ctx context.Context, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error) {
	return registerTaskDefinition(ctx, s.tx, td)
}

func (s *txSQLiteStore) GetTaskDefinition(ctx context.Context, family string, revision int) (*taskdef.TaskDefinition, error) {
	return getTaskDefinition(ctx, s.tx, family, revision)
}

func (s *txSQLiteStore) LatestTaskDefinition(ctx context.Context, family string) (*taskdef.TaskDefinition, error) {
	return latestTaskDefinition(ctx, s.tx, family)
}

func (s *txSQLiteStore) PutSecret(ctx context.Context, name, sealed string) error {
	return putSecret(ctx, s.tx, name, sealed)
}

func (s *txSQLiteStore) GetSecret(ctx context.Context, name string) (string, error) {
	return getSecret(ctx, s.tx, name)
}

func (s *txSQLiteStore) DeleteSecret(ctx context.Context, name string) error {
	return deleteSecret(ctx, s.tx, name)
}

func (s *txSQLiteStore) ListSecretNames(ctx context.Context) ([]string, error) {
	return listSecretNames(ctx, s.tx)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Resource Operations
// =============================================================================

type resourceRow struct {
	Stack      string `db:"stack"`
	ID         string `db:"id"`
	Kind       string `db:"kind"`
	ConfigHash string `db:"config_hash"`
	Outputs    string `db:"outputs"`
	Descriptor string `db:"descriptor"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

func saveResource(ctx context.Context, exec executor, record *ResourceRecord) error {
	outputsJSON, err := json.Marshal(record.Outputs)
	if err != nil {
		return malformed("SaveResource", "resource", record.ID, err)
	}
	var descriptorJSON []byte
	if record.Descriptor != nil {
		if descriptorJSON, err = json.Marshal(record.Descriptor); err != nil {
			return malformed("SaveResource", "resource", record.ID, err)
		}
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	query := `
		INSERT INTO resources (stack, id, kind, config_hash, outputs, descriptor, created_at, updated_at)
		VALUES (:stack, :id, :kind, :config_hash, :outputs, :descriptor, :created_at, :updated_at)
		ON CONFLICT (stack, id) DO UPDATE SET
			kind = excluded.kind,
			config_hash = excluded.config_hash,
			outputs = excluded.outputs,
			descriptor = excluded.descriptor,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"stack":       record.Stack,
		"id":          record.ID,
		"kind":        record.Kind,
		"config_hash": record.ConfigHash,
		"outputs":     string(outputsJSON),
		"descriptor":  string(descriptorJSON),
		"created_at":  record.CreatedAt.Format(timeFormat),
		"updated_at":  record.UpdatedAt.Format(timeFormat),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewRecordError("SaveResource", "resource", record.ID, err)
	}
	return nil
}

func getResource(ctx context.Context, exec executor, stack, id string) (*ResourceRecord, error) {
	var row resourceRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM resources WHERE stack = ? AND id = ?`, stack, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("GetResource", "resource", id)
		}
		return nil, NewRecordError("GetResource", "resource", id, err)
	}
	return rowToResource(&row)
}

func listResources(ctx context.Context, exec executor, stack string) ([]ResourceRecord, error) {
	var rows []resourceRow
	err := exec.SelectContext(ctx, &rows, `SELECT * FROM resources WHERE stack = ? ORDER BY id`, stack)
	if err != nil {
		return nil, NewRecordError("ListResources", "resource", "", err)
	}

	records := make([]ResourceRecord, 0, len(rows))
	for _, row := range rows {
		record, err := rowToResource(&row)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

func deleteResource(ctx context.Context, exec executor, stack, id string) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM resources WHERE stack = ? AND id = ?`, stack, id)
	if err != nil {
		return NewRecordError("DeleteResource", "resource", id, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return notFound("DeleteResource", "resource", id)
	}
	return nil
}

func rowToResource(row *resourceRow) (*ResourceRecord, error) {
	createdAt, _ := time.Parse(timeFormat, row.CreatedAt)
	updatedAt, _ := time.Parse(timeFormat, row.UpdatedAt)

	outputs := map[string]string{}
	if row.Outputs != "" && row.Outputs != "null" {
		if err := json.Unmarshal([]byte(row.Outputs), &outputs); err != nil {
			return nil, malformed("GetResource", "resource", row.ID, err)
		}
	}
	var descriptor *resource.Descriptor
	if row.Descriptor != "" {
		descriptor = &resource.Descriptor{}
		if err := json.Unmarshal([]byte(row.Descriptor), descriptor); err != nil {
			return nil, malformed("GetResource", "resource", row.ID, err)
		}
	}

	return &ResourceRecord{
		Stack:      row.Stack,
		ID:         row.ID,
		Kind:       row.Kind,
		ConfigHash: row.ConfigHash,
		Outputs:    outputs,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		Descriptor: descriptor,
	}, nil
}

// =============================================================================
// Run Operations
// =============================================================================

type runRow struct {
	ID            string  `db:"id"`
	PipelineID    string  `db:"pipeline_id"`
	TriggerBranch string  `db:"trigger_branch"`
	TriggerSource string  `db:"trigger_source"`
	TriggerActor  string  `db:"trigger_actor"`
	Revision      string  `db:"revision"`
	Status        string  `db:"status"`
	CurrentStage  string  `db:"current_stage"`
	FailedStage   string  `db:"failed_stage"`
	ErrorMessage  string  `db:"error_message"`
	CreatedAt     string  `db:"created_at"`
	UpdatedAt     string  `db:"updated_at"`
	StartedAt     *string `db:"started_at"`
	FinishedAt    *string `db:"finished_at"`
}

func runToRow(run *pipeline.Run) map[string]any {
	return map[string]any{
		"id":             run.ID,
		"pipeline_id":    run.PipelineID,
		"trigger_branch": run.Trigger.Branch,
		"trigger_source": string(run.Trigger.Source),
		"trigger_actor":  run.Trigger.Actor,
		"revision":       run.Revision,
		"status":         string(run.Status),
		"current_stage":  run.CurrentStage,
		"failed_stage":   run.FailedStage,
		"error_message":  run.ErrorMessage,
		"created_at":     run.CreatedAt.Format(timeFormat),
		"updated_at":     run.UpdatedAt.Format(timeFormat),
		"started_at":     formatOptionalTime(run.StartedAt),
		"finished_at":    formatOptionalTime(run.FinishedAt),
	}
}

func createRun(ctx context.Context, exec executor, run *pipeline.Run) error {
	query := `
		INSERT INTO pipeline_runs (
			id, pipeline_id, trigger_branch, trigger_source, trigger_actor, revision,
			status, current_stage, failed_stage, error_message,
			created_at, updated_at, started_at, finished_at
		) VALUES (
			:id, :pipeline_id, :trigger_branch, :trigger_source, :trigger_actor, :revision,
			:status, :current_stage, :failed_stage, :error_message,
			:created_at, :updated_at, :started_at, :finished_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, runToRow(run)); err != nil {
		return NewRecordError("CreateRun", "run", run.ID, err)
	}
	return nil
}

// updateRun writes the run's status fields. Artifacts are stored separately
// through AppendArtifact and are not touched here.
func updateRun(ctx context.Context, exec executor, run *pipeline.Run) error {
	query := `
		UPDATE pipeline_runs SET
			revision = :revision,
			status = :status,
			current_stage = :current_stage,
			failed_stage = :failed_stage,
			error_message = :error_message,
			updated_at = :updated_at,
			started_at = :started_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewRecordError("UpdateRun", "run", run.ID, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return notFound("UpdateRun", "run", run.ID)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*pipeline.Run, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM pipeline_runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("GetRun", "run", id)
		}
		return nil, NewRecordError("GetRun", "run", id, err)
	}

	run := rowToRun(&row)
	artifacts, err := listArtifacts(ctx, exec, id)
	if err != nil {
		return nil, err
	}
	run.Artifacts = artifacts
	return run, nil
}

// listRuns returns the newest runs first. An empty pipelineID lists runs of
// every pipeline.
func listRuns(ctx context.Context, exec executor, pipelineID string, opts ListOptions) ([]pipeline.Run, error) {
	opts = opts.Normalize()

	var rows []runRow
	var err error
	if pipelineID == "" {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM pipeline_runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	} else {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM pipeline_runs WHERE pipeline_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			pipelineID, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewRecordError("ListRuns", "run", "", err)
	}

	runs := make([]pipeline.Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, *rowToRun(&row))
	}
	return runs, nil
}

// failInterruptedRuns marks runs left queued or running by a previous process
// as failed. It returns the number of runs changed.
func failInterruptedRuns(ctx context.Context, exec executor, message string) (int, error) {
	now := time.Now().UTC().Format(timeFormat)
	result, err := exec.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			status = ?,
			failed_stage = current_stage,
			current_stage = '',
			error_message = ?,
			updated_at = ?,
			finished_at = ?
		WHERE status IN (?, ?)`,
		string(pipeline.RunFailed), message, now, now, string(pipeline.RunQueued), string(pipeline.RunRunning))
	if err != nil {
		return 0, NewRecordError("FailInterruptedRuns", "run", "", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func rowToRun(row *runRow) *pipeline.Run {
	createdAt, _ := time.Parse(timeFormat, row.CreatedAt)
	updatedAt, _ := time.Parse(timeFormat, row.UpdatedAt)

	return &pipeline.Run{
		ID:         row.ID,
		PipelineID: row.PipelineID,
		Trigger: pipeline.Trigger{
			Branch: row.TriggerBranch,
			Source: pipeline.TriggerSource(row.TriggerSource),
			Actor:  row.TriggerActor,
		},
		Revision:     row.Revision,
		Status:       pipeline.RunStatus(row.Status),
		CurrentStage: row.CurrentStage,
		FailedStage:  row.FailedStage,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		StartedAt:    parseOptionalTime(row.StartedAt),
		FinishedAt:   parseOptionalTime(row.FinishedAt),
	}
}

// =============================================================================
// Artifact Operations
// =============================================================================

type artifactRow struct {
	RunID      string `db:"run_id"`
	Name       string `db:"name"`
	ProducedBy string `db:"produced_by"`
	PayloadRef string `db:"payload_ref"`
	Revision   string `db:"revision"`
	CreatedAt  string `db:"created_at"`
}

func appendArtifact(ctx context.Context, exec executor, a pipeline.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO artifacts (run_id, name, produced_by, payload_ref, revision, created_at)
		VALUES (:run_id, :name, :produced_by, :payload_ref, :revision, :created_at)`

	row := map[string]any{
		"run_id":      a.RunID,
		"name":        a.Name,
		"produced_by": a.ProducedBy,
		"payload_ref": a.PayloadRef,
		"revision":    a.Revision,
		"created_at":  a.CreatedAt.Format(timeFormat),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewRecordError("AppendArtifact", "artifact", a.RunID+"/"+a.Name, err)
	}
	return nil
}

func listArtifacts(ctx context.Context, exec executor, runID string) ([]pipeline.Artifact, error) {
	var rows []artifactRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM artifacts WHERE run_id = ? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, NewRecordError("ListArtifacts", "artifact", runID, err)
	}

	artifacts := make([]pipeline.Artifact, 0, len(rows))
	for _, row := range rows {
		createdAt, _ := time.Parse(timeFormat, row.CreatedAt)
		artifacts = append(artifacts, pipeline.Artifact{
			Name:       row.Name,
			ProducedBy: row.ProducedBy,
			PayloadRef: row.PayloadRef,
			Revision:   row.Revision,
			RunID:      row.RunID,
			CreatedAt:  createdAt,
		})
	}
	return artifacts, nil
}

// =============================================================================
// Task Definition Operations
// =============================================================================

type taskDefinitionRow struct {
	Family     string `db:"family"`
	Revision   int    `db:"revision"`
	Definition string `db:"definition"`
	CreatedAt  string `db:"created_at"`
}

// TaskDefinitionID formats the identifier of a locally registered revision.
func TaskDefinitionID(family string, revision int) string {
	return fmt.Sprintf("%s:%d", family, revision)
}

// registerTaskDefinition stores td as the next revision of its family and
// returns it with ID and Revision set.
func registerTaskDefinition(ctx context.Context, exec executor, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error) {
	var current int
	err := exec.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(revision), 0) FROM task_definitions WHERE family = ?`, td.Family)
	if err != nil {
		return taskdef.TaskDefinition{}, NewRecordError("RegisterTaskDefinition", "task_definition", td.Family, err)
	}

	td = td.Clone()
	td.Revision = current + 1
	td.ID = TaskDefinitionID(td.Family, td.Revision)

	data, err := json.Marshal(td)
	if err != nil {
		return taskdef.TaskDefinition{}, malformed("RegisterTaskDefinition", "task_definition", td.ID, err)
	}

	_, err = exec.ExecContext(ctx,
		`INSERT INTO task_definitions (family, revision, definition, created_at) VALUES (?, ?, ?, ?)`,
		td.Family, td.Revision, string(data), time.Now().UTC().Format(timeFormat))
	if err != nil {
		return taskdef.TaskDefinition{}, NewRecordError("RegisterTaskDefinition", "task_definition", td.ID, err)
	}
	return td, nil
}

func getTaskDefinition(ctx context.Context, exec executor, family string, revision int) (*taskdef.TaskDefinition, error) {
	var row taskDefinitionRow
	err := exec.GetContext(ctx, &row,
		`SELECT * FROM task_definitions WHERE family = ? AND revision = ?`, family, revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("GetTaskDefinition", "task_definition", TaskDefinitionID(family, revision))
		}
		return nil, NewRecordError("GetTaskDefinition", "task_definition", TaskDefinitionID(family, revision), err)
	}
	return rowToTaskDefinition(&row)
}

func latestTaskDefinition(ctx context.Context, exec executor, family string) (*taskdef.TaskDefinition, error) {
	var row taskDefinitionRow
	err := exec.GetContext(ctx, &row,
		`SELECT * FROM task_definitions WHERE family = ? ORDER BY revision DESC LIMIT 1`, family)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("LatestTaskDefinition", "task_definition", family)
		}
		return nil, NewRecordError("LatestTaskDefinition", "task_definition", family, err)
	}
	return rowToTaskDefinition(&row)
}

func rowToTaskDefinition(row *taskDefinitionRow) (*taskdef.TaskDefinition, error) {
	var td taskdef.TaskDefinition
	if err := json.Unmarshal([]byte(row.Definition), &td); err != nil {
		return nil, malformed("GetTaskDefinition", "task_definition", TaskDefinitionID(row.Family, row.Revision), err)
	}
	return &td, nil
}

// =============================================================================
// Secret Operations
// =============================================================================

func putSecret(ctx context.Context, exec executor, name, sealed string) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO secrets (name, sealed, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		name, sealed, now, now)
	if err != nil {
		return NewRecordError("PutSecret", "secret", name, err)
	}
	return nil
}

func getSecret(ctx context.Context, exec executor, name string) (string, error) {
	var sealed string
	err := exec.GetContext(ctx, &sealed, `SELECT sealed FROM secrets WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound("GetSecret", "secret", name)
		}
		return "", NewRecordError("GetSecret", "secret", name, err)
	}
	return sealed, nil
}

func deleteSecret(ctx context.Context, exec executor, name string) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return NewRecordError("DeleteSecret", "secret", name, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("DeleteSecret", "secret", name)
	}
	return nil
}

func listSecretNames(ctx context.Context, exec executor) ([]string, error) {
	names := []string{}
	if err := exec.SelectContext(ctx, &names, `SELECT name FROM secrets ORDER BY name`); err != nil {
		return nil, NewRecordError("ListSecretNames", "secret", "", err)
	}
	return names, nil
}

// =============================================================================
// Helpers
// =============================================================================

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeFormat)
}

func parseOptionalTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(timeFormat, *s)
	if err != nil {
		return nil
	}
	return &t
}
