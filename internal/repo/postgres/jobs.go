package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/repo"
)

const (
	jobColumns = `job_id, file_id, profile_name, status, instance_name, instance_address, runtime_seconds,
		drop_path, exec_mode, extra_args, log, agent_output, trace_output, local_telemetry, telemetry_summary,
		verdict, bookkeeping, created_at, updated_at, completed_at`

	insertJobQuery = `INSERT INTO jobs (job_id, file_id, profile_name, status, runtime_seconds, drop_path, exec_mode,
		extra_args, bookkeeping, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'{}'::jsonb,$9,$9)`

	selectJobQuery = `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	listNonTerminalJobsQuery = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status NOT IN ('finished','killed')
		  AND NOT (status = 'error' AND COALESCE(bookkeeping->>'cleanup_done','false') = 'true')
		ORDER BY created_at ASC, job_id ASC`

	updateStatusQuery = `UPDATE jobs SET status = $1, updated_at = $2 WHERE job_id = $3 AND status = $4`

	resetJobQuery = `UPDATE jobs SET status = 'fresh', instance_name = NULL, instance_address = NULL,
		agent_output = NULL, trace_output = NULL, local_telemetry = NULL, telemetry_summary = NULL,
		verdict = NULL, completed_at = NULL, bookkeeping = '{}'::jsonb, created_at = $1, updated_at = $1
		WHERE job_id = $2 AND status = $3
		  AND (status <> 'error' OR COALESCE(bookkeeping->>'cleanup_done','false') = 'true')`

	appendLogQuery = `UPDATE jobs SET log = log || $1, updated_at = $2 WHERE job_id = $3`

	setBookkeepingQuery = `UPDATE jobs SET bookkeeping = bookkeeping || jsonb_build_object($1::text, $2::jsonb), updated_at = $3
		WHERE job_id = $4`

	statusOfJobQuery = `SELECT status FROM jobs WHERE job_id = $1`
)

type Store struct {
	db  DB
	now func() time.Time
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) CreateJob(ctx context.Context, in repo.NewJob) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("store not initialized")
	}
	job := domain.Job{
		ID:          uuid.NewString(),
		FileID:      strings.TrimSpace(in.FileID),
		ProfileName: strings.TrimSpace(in.ProfileName),
		Exec:        domain.ExecParams{Runtime: in.Runtime},
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertJobQuery,
		job.ID,
		job.FileID,
		job.ProfileName,
		string(domain.StatusFresh),
		int64(in.Runtime/time.Second),
		nullIfEmpty(in.DropPath),
		nullIfEmpty(string(in.Mode)),
		nullIfEmpty(in.ExtraArgs),
		s.now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobQuery, id))
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	query, args := buildJobListQuery(filter)
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) ListNonTerminalJobs(ctx context.Context) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	return s.queryJobs(ctx, listNonTerminalJobsQuery)
}

func buildJobListQuery(filter repo.JobFilter) (string, []any) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, strings.TrimSpace(string(filter.Status)))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.ProfileName) != "" {
		args = append(args, strings.TrimSpace(filter.ProfileName))
		clauses = append(clauses, fmt.Sprintf("profile_name = $%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var status string
	var instanceName, instanceAddress, dropPath, execMode, extraArgs sql.NullString
	var agentOutput, traceOutput, localTelemetry, summary, verdict sql.NullString
	var runtimeSeconds int64
	var bookkeepingJSON []byte
	var completedAt sql.NullTime
	if err := row.Scan(&job.ID, &job.FileID, &job.ProfileName, &status, &instanceName, &instanceAddress, &runtimeSeconds,
		&dropPath, &execMode, &extraArgs, &job.Log, &agentOutput, &traceOutput, &localTelemetry, &summary,
		&verdict, &bookkeepingJSON, &job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.InstanceName = instanceName.String
	job.InstanceAddress = instanceAddress.String
	job.Exec = domain.ExecParams{
		Runtime:   time.Duration(runtimeSeconds) * time.Second,
		DropPath:  dropPath.String,
		Mode:      domain.ExecMode(execMode.String),
		ExtraArgs: extraArgs.String,
	}
	job.AgentOutput = agentOutput.String
	job.TraceOutput = traceOutput.String
	job.LocalTelemetry = localTelemetry.String
	job.TelemetrySummary = summary.String
	job.Verdict = domain.Verdict(verdict.String)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.CompletedAt = timePtr(completedAt)
	book, err := decodeMetadata(bookkeepingJSON)
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode bookkeeping: %w", err)
	}
	job.Bookkeeping = book
	return job, nil
}

func (s *Store) UpdateJobFields(ctx context.Context, id string, fields domain.JobFields) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	query, args, err := buildJobUpdate(id, fields, s.now().UTC())
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return checkAffected(res)
}

func buildJobUpdate(id string, f domain.JobFields, now time.Time) (string, []any, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", nil, errors.New("job id is required")
	}
	sets := make([]string, 0, 10)
	args := make([]any, 0, 12)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.InstanceName != nil {
		set("instance_name", nullIfEmpty(*f.InstanceName))
	}
	if f.InstanceAddress != nil {
		set("instance_address", nullIfEmpty(*f.InstanceAddress))
	}
	if f.AgentOutput != nil {
		set("agent_output", *f.AgentOutput)
	}
	if f.TraceOutput != nil {
		set("trace_output", *f.TraceOutput)
	}
	if f.LocalTelemetry != nil {
		set("local_telemetry", *f.LocalTelemetry)
	}
	if f.TelemetrySummary != nil {
		set("telemetry_summary", *f.TelemetrySummary)
	}
	if f.Verdict != nil {
		set("verdict", nullIfEmpty(string(*f.Verdict)))
	}
	if f.CompletedAt != nil {
		set("completed_at", f.CompletedAt.UTC())
	} else if f.ClearCompletedAt {
		sets = append(sets, "completed_at = NULL")
	}
	if f.ResetBookkeeping || len(f.Bookkeeping) > 0 {
		raw, err := encodeMetadata(f.Bookkeeping)
		if err != nil {
			return "", nil, fmt.Errorf("encode bookkeeping: %w", err)
		}
		args = append(args, raw)
		if f.ResetBookkeeping {
			sets = append(sets, fmt.Sprintf("bookkeeping = $%d::jsonb", len(args)))
		} else {
			sets = append(sets, fmt.Sprintf("bookkeeping = bookkeeping || $%d::jsonb", len(args)))
		}
	}
	set("updated_at", now)
	args = append(args, id)
	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE job_id = $%d", len(args))
	return query, args, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to domain.JobStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	res, err := s.db.ExecContext(ctx, updateStatusQuery, string(to), s.now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if rows == 1 {
		return nil
	}
	var current string
	if err := s.db.QueryRowContext(ctx, statusOfJobQuery, id).Scan(&current); err != nil {
		return handleNotFound(err)
	}
	return fmt.Errorf("%w: job %s is %s, expected %s", repo.ErrConflict, id, current, from)
}

func (s *Store) ResetJob(ctx context.Context, id string, from domain.JobStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	res, err := s.db.ExecContext(ctx, resetJobQuery, s.now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	if rows == 1 {
		return nil
	}
	var current string
	if err := s.db.QueryRowContext(ctx, statusOfJobQuery, id).Scan(&current); err != nil {
		return handleNotFound(err)
	}
	return fmt.Errorf("%w: job %s is %s, expected %s with cleanup done", repo.ErrConflict, id, current, from)
}

func (s *Store) AppendLog(ctx context.Context, id string, text string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	line := strings.TrimRight(text, "\n") + "\n"
	res, err := s.db.ExecContext(ctx, appendLogQuery, line, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return checkAffected(res)
}

func (s *Store) SetBookkeeping(ctx context.Context, id string, key string, value any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode bookkeeping %s: %w", key, err)
	}
	res, err := s.db.ExecContext(ctx, setBookkeepingQuery, key, raw, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set bookkeeping %s: %w", key, err)
	}
	return checkAffected(res)
}
