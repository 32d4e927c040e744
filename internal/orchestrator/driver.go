// Package orchestrator advances detonation jobs through their lifecycle.
// The Driver ticks over all non-terminal jobs, dispatches connector stages
// onto a keyed worker pool and runs forced cleanup for failed or aged jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/animus-labs/detonator/internal/connector"
	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/platform/env"
	"github.com/animus-labs/detonator/internal/platform/tracing"
	"github.com/animus-labs/detonator/internal/platform/workpool"
	"github.com/animus-labs/detonator/internal/repo"
)

const (
	jobKeyPrefix = "job/"
	writeTimeout = 10 * time.Second
)

// Connectors resolves the connector of a profile.
type Connectors interface {
	For(profile domain.Profile) (connector.Connector, error)
}

type Store interface {
	repo.JobRepository
	repo.ProfileRepository
}

type Config struct {
	TickInterval time.Duration
	MaxJobAge    time.Duration
	Workers      int
}

func ConfigFromEnv() (Config, error) {
	tick, err := env.Duration("DETONATOR_TICK_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxAge, err := env.Duration("DETONATOR_MAX_JOB_AGE", 60*time.Minute)
	if err != nil {
		return Config{}, err
	}
	workers, err := env.Int("DETONATOR_WORKERS", 16)
	if err != nil {
		return Config{}, err
	}
	return Config{TickInterval: tick, MaxJobAge: maxAge, Workers: workers}, nil
}

func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.New("DETONATOR_TICK_INTERVAL must be > 0")
	}
	if c.MaxJobAge < 0 {
		return errors.New("DETONATOR_MAX_JOB_AGE must be >= 0")
	}
	if c.Workers <= 0 {
		return errors.New("DETONATOR_WORKERS must be > 0")
	}
	return nil
}

type Driver struct {
	logger     *slog.Logger
	store      Store
	connectors Connectors
	pool       *workpool.Pool
	cfg        Config
	now        func() time.Time
}

// NewDriver builds a driver. A nil pool runs every stage inline, which
// keeps ticks deterministic in tests.
func NewDriver(logger *slog.Logger, store Store, connectors Connectors, pool *workpool.Pool, cfg Config) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Driver{
		logger:     logger,
		store:      store,
		connectors: connectors,
		pool:       pool,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (d *Driver) SetClock(now func() time.Time) {
	d.now = now
}

func (d *Driver) Start(ctx context.Context) {
	if d == nil || d.store == nil || d.connectors == nil {
		return
	}
	go d.run(ctx)
}

func (d *Driver) run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick evaluates every job the driver still owns. A failure on one job is
// logged and never stops the others.
func (d *Driver) Tick(ctx context.Context) {
	jobs, err := d.store.ListNonTerminalJobs(ctx)
	if err != nil {
		d.log("list jobs failed", "error", err)
		return
	}
	owned := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		owned[jobKey(job.ID)] = true
		d.process(ctx, job)
	}
	d.cancelOrphans(owned)
}

func (d *Driver) process(ctx context.Context, job domain.Job) {
	profile, err := d.store.GetProfile(ctx, job.ProfileName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			d.fatal(ctx, job, fmt.Errorf("profile %s: %w", job.ProfileName, err))
			return
		}
		d.log("load profile failed", "job_id", job.ID, "profile", job.ProfileName, "error", err)
		return
	}
	conn, err := d.connector(profile)
	if err != nil {
		d.fatal(ctx, job, err)
		return
	}

	if job.Status == domain.StatusError {
		d.cleanup(ctx, job, conn, false)
		return
	}
	if d.aged(job) && job.Status != domain.StatusRemoved {
		d.cleanup(ctx, job, conn, true)
		return
	}
	d.advance(ctx, job, profile, conn)
}

// connector returns the connector of profile. Its errors are
// configuration errors that no retry can fix.
func (d *Driver) connector(profile domain.Profile) (connector.Connector, error) {
	if _, err := profile.DetectionKind(); err != nil {
		return nil, err
	}
	return d.connectors.For(profile)
}

func (d *Driver) fatal(ctx context.Context, job domain.Job, cause error) {
	if job.Status == domain.StatusError {
		d.journal(ctx, job.ID, "cleanup skipped: %v", cause)
		if err := d.store.SetBookkeeping(ctx, job.ID, domain.BookCleanupDone, true); err != nil {
			d.log("mark cleanup done failed", "job_id", job.ID, "error", err)
		}
		return
	}
	d.fail(ctx, job.ID, job.Status, cause)
}

// advance applies the normal lifecycle rule: a ready or request state is
// moved to its progress state and the matching stage is dispatched.
func (d *Driver) advance(ctx context.Context, job domain.Job, profile domain.Profile, conn connector.Connector) {
	if job.Status == domain.StatusRemoved {
		d.finishRemoved(ctx, job, profile)
		return
	}
	if job.Status == domain.StatusStop {
		// A force stop overrides whatever stage is in flight.
		if name := d.runningTask(job.ID); name != "" && name != string(domain.StageStop) {
			d.pool.Cancel(jobKey(job.ID))
			return
		}
	}
	step, ok := domain.NextStep(job.Status)
	if !ok {
		return
	}
	from := job.Status
	d.dispatch(ctx, job, string(step.Stage), func(taskCtx context.Context) {
		d.runStage(taskCtx, job, from, step, conn)
	})
}

func (d *Driver) finishRemoved(ctx context.Context, job domain.Job, profile domain.Profile) {
	kind, _ := profile.DetectionKind()
	if kind == domain.DetectionCloud && !job.Finalized() {
		return
	}
	err := d.store.UpdateStatus(ctx, job.ID, domain.StatusRemoved, domain.StatusFinished)
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		d.log("finish job failed", "job_id", job.ID, "error", err)
	}
}

func (d *Driver) runStage(ctx context.Context, job domain.Job, from domain.JobStatus, step domain.StageStep, conn connector.Connector) {
	if err := d.store.UpdateStatus(ctx, job.ID, from, step.Progress); err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			d.log("start stage failed", "job_id", job.ID, "stage", step.Stage, "error", err)
		}
		return
	}
	job.Status = step.Progress

	ctx, span := tracing.StartSpan(ctx, "stage."+string(step.Stage),
		attribute.String("job.id", job.ID),
		attribute.String("job.profile", job.ProfileName),
		attribute.String("connector.kind", string(conn.Kind())),
	)
	err := callStage(ctx, conn, step.Stage, job)
	tracing.End(span, err)

	wctx, cancel := detach(ctx)
	defer cancel()
	if err != nil {
		d.fail(wctx, job.ID, step.Progress, fmt.Errorf("%s failed: %w", step.Stage, err))
		return
	}
	if err := d.store.UpdateStatus(wctx, job.ID, step.Progress, step.Done); err != nil {
		d.log("complete stage failed", "job_id", job.ID, "stage", step.Stage, "error", err)
	}
}

// cleanup is the forced path for failed and aged jobs: stop what runs,
// remove what is present. It never moves a job through progress states.
func (d *Driver) cleanup(ctx context.Context, job domain.Job, conn connector.Connector, aged bool) {
	key := jobKey(job.ID)
	if d.busy(key) {
		if aged && d.pool.Cancel(key) {
			d.logger.Info("cancelling task of aged job", "component", "driver", "job_id", job.ID, "status", job.Status)
		}
		return
	}

	state, err := conn.PowerState(ctx, job)
	if err != nil {
		d.log("power state failed", "job_id", job.ID, "error", err)
		return
	}
	switch {
	case state == domain.PowerRunning:
		d.dispatchCleanup(ctx, job, conn, domain.StageStop, aged)
	case state.Present():
		d.dispatchCleanup(ctx, job, conn, domain.StageRemove, aged)
	case state == domain.PowerError:
		d.log("backend reports error power state", "job_id", job.ID, "instance", job.InstanceName)
	case job.Status == domain.StatusError:
		if err := d.store.SetBookkeeping(ctx, job.ID, domain.BookCleanupDone, true); err != nil {
			d.log("mark cleanup done failed", "job_id", job.ID, "error", err)
			return
		}
		d.journal(ctx, job.ID, "cleanup: no live instance (%s)", state)
	case job.Status.InProgress():
		d.fail(ctx, job.ID, job.Status, fmt.Errorf("stranded in %s with no task and no live instance (%s)", job.Status, state))
	default:
		d.fail(ctx, job.ID, job.Status, fmt.Errorf("exceeded maximum job age of %s", d.cfg.MaxJobAge))
	}
}

func (d *Driver) dispatchCleanup(ctx context.Context, job domain.Job, conn connector.Connector, stage domain.Stage, aged bool) {
	d.dispatch(ctx, job, "cleanup-"+string(stage), func(taskCtx context.Context) {
		taskCtx, span := tracing.StartSpan(taskCtx, "cleanup."+string(stage),
			attribute.String("job.id", job.ID),
			attribute.String("job.status", string(job.Status)),
			attribute.Bool("job.aged", aged),
		)
		err := callStage(taskCtx, conn, stage, job)
		tracing.End(span, err)

		wctx, cancel := detach(taskCtx)
		defer cancel()
		if job.Status == domain.StatusError {
			if err != nil {
				d.journal(wctx, job.ID, "forced %s failed: %v", stage, err)
				return
			}
			d.journal(wctx, job.ID, "forced %s completed", stage)
			if stage == domain.StageRemove {
				if err := d.store.SetBookkeeping(wctx, job.ID, domain.BookCleanupDone, true); err != nil {
					d.log("mark cleanup done failed", "job_id", job.ID, "error", err)
				}
			}
			return
		}
		if err != nil {
			d.fail(wctx, job.ID, job.Status, fmt.Errorf("forced %s failed: %w", stage, err))
			return
		}
		target := domain.StepFor(stage).Done
		if !domain.CanForce(job.Status, target) {
			return
		}
		if err := d.store.UpdateStatus(wctx, job.ID, job.Status, target); err != nil {
			d.log("forced transition failed", "job_id", job.ID, "error", err)
			return
		}
		d.journal(wctx, job.ID, "forced %s completed: %s -> %s", stage, job.Status, target)
	})
}

func (d *Driver) dispatch(ctx context.Context, job domain.Job, name string, task workpool.Task) {
	if d.pool == nil {
		task(ctx)
		return
	}
	err := d.pool.TrySubmit(jobKey(job.ID), name, task)
	switch {
	case err == nil, errors.Is(err, workpool.ErrBusy):
	case errors.Is(err, workpool.ErrFull):
		d.logger.Debug("worker pool full, deferring", "component", "driver", "job_id", job.ID, "task", name)
	default:
		d.log("dispatch failed", "job_id", job.ID, "task", name, "error", err)
	}
}

// fail moves the job to error unless it left from meanwhile, and records
// the cause in its log.
func (d *Driver) fail(ctx context.Context, jobID string, from domain.JobStatus, cause error) {
	d.journal(ctx, jobID, "%v", cause)
	err := d.store.UpdateStatus(ctx, jobID, from, domain.StatusError)
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		d.log("mark job failed", "job_id", jobID, "error", err)
	}
}

// cancelOrphans cancels stage tasks of jobs the driver no longer owns,
// such as jobs killed by an operator.
func (d *Driver) cancelOrphans(owned map[string]bool) {
	if d.pool == nil {
		return
	}
	for _, info := range d.pool.Running() {
		if !strings.HasPrefix(info.Key, jobKeyPrefix) || owned[info.Key] {
			continue
		}
		if d.pool.Cancel(info.Key) {
			d.logger.Info("cancelled task of released job", "component", "driver", "key", info.Key, "task", info.Name)
		}
	}
}

func (d *Driver) aged(job domain.Job) bool {
	return d.cfg.MaxJobAge > 0 && job.Age(d.now()) > d.cfg.MaxJobAge
}

func (d *Driver) busy(key string) bool {
	return d.pool != nil && d.pool.Busy(key)
}

func (d *Driver) runningTask(jobID string) string {
	if d.pool == nil {
		return ""
	}
	key := jobKey(jobID)
	for _, info := range d.pool.Running() {
		if info.Key == key {
			return info.Name
		}
	}
	return ""
}

func (d *Driver) journal(ctx context.Context, jobID string, format string, args ...any) {
	line := d.now().UTC().Format(time.RFC3339) + " [driver] " + fmt.Sprintf(format, args...)
	if err := d.store.AppendLog(ctx, jobID, line); err != nil {
		d.log("append job log failed", "job_id", jobID, "error", err)
	}
}

func (d *Driver) log(msg string, attrs ...any) {
	if d.logger == nil {
		return
	}
	fields := []any{"component", "driver"}
	fields = append(fields, attrs...)
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	d.logger.Warn(msg, fields...)
}

func callStage(ctx context.Context, conn connector.Connector, stage domain.Stage, job domain.Job) error {
	switch stage {
	case domain.StageInstantiate:
		return conn.Instantiate(ctx, job)
	case domain.StageConnect:
		return conn.Connect(ctx, job)
	case domain.StageExecute:
		return conn.Execute(ctx, job)
	case domain.StageStop:
		return conn.Stop(ctx, job)
	case domain.StageRemove:
		return conn.Remove(ctx, job)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// detach keeps the values of ctx but not its cancellation, so outcomes of
// a cancelled task are still persisted.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}
