package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/platform/env"
	"github.com/animus-labs/detonator/internal/platform/tracing"
	"github.com/animus-labs/detonator/internal/platform/workpool"
	"github.com/animus-labs/detonator/internal/repo"
)

const (
	resolveComment      = "Auto-resolved by detonator after detection window (job %s)"
	deviceLookupBackoff = time.Minute
	candidateBatch      = 200
)

// Store is the persistence surface the engine reads and writes.
type Store interface {
	repo.JobRepository
	repo.ProfileRepository
	repo.AlertRepository
}

type Config struct {
	Interval      time.Duration
	DefaultWindow time.Duration
}

func ConfigFromEnv() (Config, error) {
	interval, err := env.Duration("DETONATOR_POLL_INTERVAL", 20*time.Second)
	if err != nil {
		return Config{}, err
	}
	window, err := env.Duration("DETONATOR_DETECTION_WINDOW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	return Config{Interval: interval, DefaultWindow: window}, nil
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("DETONATOR_POLL_INTERVAL must be > 0")
	}
	if c.DefaultWindow < 0 {
		return errors.New("DETONATOR_DETECTION_WINDOW must be >= 0")
	}
	return nil
}

// Engine polls the cloud vendor for jobs whose profile has a cloud
// detection source and finalizes each job once its detection window
// has elapsed.
type Engine struct {
	logger  *slog.Logger
	store   Store
	clients *Clients
	pool    *workpool.Pool
	cfg     Config
	now     func() time.Time
}

func NewEngine(logger *slog.Logger, store Store, clients *Clients, pool *workpool.Pool, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clients == nil {
		clients = NewClients()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	return &Engine{
		logger:  logger,
		store:   store,
		clients: clients,
		pool:    pool,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Start(ctx context.Context) {
	if e == nil || e.store == nil {
		return
	}
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick dispatches one reconcile task per eligible job. Without a pool the
// jobs are reconciled inline.
func (e *Engine) Tick(ctx context.Context) {
	jobs, err := e.candidates(ctx)
	if err != nil {
		e.log("list candidates failed", "error", err)
		return
	}

	cloudProfile := make(map[string]bool)
	for _, job := range jobs {
		if !e.eligible(job) {
			continue
		}
		isCloud, seen := cloudProfile[job.ProfileName]
		if !seen {
			isCloud = e.usesCloud(ctx, job.ProfileName)
			cloudProfile[job.ProfileName] = isCloud
		}
		if !isCloud {
			continue
		}

		jobID := job.ID
		if e.pool == nil {
			if err := e.Reconcile(ctx, jobID); err != nil {
				e.log("reconcile failed", "job_id", jobID, "error", err)
			}
			continue
		}
		err := e.pool.TrySubmit("reconcile/"+jobID, "reconcile", func(taskCtx context.Context) {
			if err := e.Reconcile(taskCtx, jobID); err != nil {
				e.log("reconcile failed", "job_id", jobID, "error", err)
			}
		})
		switch {
		case err == nil, errors.Is(err, workpool.ErrBusy):
		case errors.Is(err, workpool.ErrFull):
			e.logger.Debug("worker pool full, deferring reconciliation", "component", "reconciler", "job_id", jobID)
			return
		default:
			e.log("dispatch reconcile failed", "job_id", jobID, "error", err)
			return
		}
	}
}

func (e *Engine) candidates(ctx context.Context) ([]domain.Job, error) {
	out, err := e.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, status := range []domain.JobStatus{domain.StatusError, domain.StatusKilled} {
		jobs, err := e.store.ListJobs(ctx, repo.JobFilter{Status: status, Limit: candidateBatch})
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if status == domain.StatusError && job.NeedsDriver() {
				// Already returned by ListNonTerminalJobs.
				continue
			}
			out = append(out, job)
		}
	}
	return out, nil
}

func (e *Engine) eligible(job domain.Job) bool {
	if job.Finalized() {
		return false
	}
	if abnormalEnd(job.Status) {
		return !job.Bookkeeping.Time(domain.BookLastPoll).IsZero()
	}
	return pollingState(job.Status)
}

func (e *Engine) usesCloud(ctx context.Context, name string) bool {
	profile, err := e.store.GetProfile(ctx, name)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.log("load profile failed", "profile", name, "error", err)
		}
		return false
	}
	kind, err := profile.DetectionKind()
	return err == nil && kind == domain.DetectionCloud
}

// Reconcile runs one poll for jobID and finalizes the job when its
// detection window has elapsed. Errors inside the window leave the job for
// the next tick; past the window the job is finalized regardless.
func (e *Engine) Reconcile(ctx context.Context, jobID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile", attribute.String("job.id", jobID))
	defer func() { tracing.End(span, err) }()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Finalized() {
		return nil
	}
	abnormal := abnormalEnd(job.Status)
	if abnormal && job.Bookkeeping.Time(domain.BookLastPoll).IsZero() {
		return nil
	}
	if !abnormal && !pollingState(job.Status) {
		return nil
	}

	profile, err := e.store.GetProfile(ctx, job.ProfileName)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if kind, err := profile.DetectionKind(); err != nil || kind != domain.DetectionCloud {
		return nil
	}
	var cfg domain.DetectionConfig
	if err := domain.DecodeConfig(profile.Detection, &cfg); err != nil {
		return fmt.Errorf("profile %s: %w", profile.Name, err)
	}

	now := e.now().UTC()
	due, err := e.due(ctx, job, cfg, abnormal, now)
	if err != nil {
		return err
	}

	polled := false
	vendor, _, err := e.clients.For(profile)
	if err == nil {
		polled, err = e.pollDevice(ctx, job, cfg, vendor, now, span)
	}
	if err != nil {
		if !due {
			return err
		}
		e.journal(ctx, job.ID, now, "cloud poll failed after detection window: %v", err)
	}
	if !due {
		return nil
	}
	if vendor == nil {
		e.journal(ctx, job.ID, now, "cloud vendor unavailable, alerts left open")
	}
	return e.finalize(ctx, job, vendor, polled && err == nil, now)
}

// due reports whether the detection window of job has elapsed. The window
// starts when the sample finished; a job that reached removed without
// finishing execution starts it when first seen there.
func (e *Engine) due(ctx context.Context, job domain.Job, cfg domain.DetectionConfig, abnormal bool, now time.Time) (bool, error) {
	if abnormal {
		return true, nil
	}
	window := cfg.DetectionWindow.Std()
	if window <= 0 {
		window = e.cfg.DefaultWindow
	}
	var start time.Time
	switch {
	case job.CompletedAt != nil:
		start = *job.CompletedAt
	case job.Status == domain.StatusRemoved:
		start = job.Bookkeeping.Time(domain.BookWindowStart)
		if start.IsZero() {
			start = now
			if err := e.store.SetBookkeeping(ctx, job.ID, domain.BookWindowStart, now.Format(time.RFC3339Nano)); err != nil {
				return false, fmt.Errorf("record window start: %w", err)
			}
		}
	default:
		return false, nil
	}
	return !now.Before(start.Add(window)), nil
}

// pollDevice polls the vendor when the job's device is known. It reports
// whether a poll ran.
func (e *Engine) pollDevice(ctx context.Context, job domain.Job, cfg domain.DetectionConfig, vendor Vendor, now time.Time, span trace.Span) (bool, error) {
	deviceID, err := e.device(ctx, job, cfg, vendor, now)
	if err != nil {
		return false, err
	}
	if deviceID == "" {
		return false, nil
	}
	span.SetAttributes(attribute.String("device.id", deviceID))
	if err := e.poll(ctx, job, vendor, deviceID, now); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) poll(ctx context.Context, job domain.Job, vendor Vendor, deviceID string, now time.Time) error {
	alerts, err := vendor.Alerts(ctx, deviceID, job.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("fetch alerts: %w", err)
	}
	fresh := 0
	for _, alert := range alerts {
		alert.JobID = job.ID
		alert.Source = domain.AlertSourceCloud
		inserted, err := e.store.InsertAlertIfAbsent(ctx, alert)
		if err != nil {
			return fmt.Errorf("store alert %s: %w", alert.ExternalID, err)
		}
		if inserted {
			fresh++
		}
	}

	fields := domain.JobFields{Bookkeeping: domain.Metadata{domain.BookLastPoll: now.Format(time.RFC3339Nano)}}
	if fresh > 0 {
		verdict := job.Verdict.Merge(domain.VerdictDetected)
		fields.Verdict = &verdict
	}
	if err := e.store.UpdateJobFields(ctx, job.ID, fields); err != nil {
		return fmt.Errorf("record poll: %w", err)
	}
	if fresh > 0 {
		e.journal(ctx, job.ID, now, "cloud detection: %d new alert(s)", fresh)
	}
	return nil
}

// finalize resolves the job's open cloud alerts and their incidents. Vendor
// failures are logged and do not block the finalized flag. A nil vendor
// leaves every alert open. The clean verdict needs a successful last poll.
func (e *Engine) finalize(ctx context.Context, job domain.Job, vendor Vendor, polled bool, now time.Time) error {
	stored, err := e.store.ListAlerts(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}

	comment := fmt.Sprintf(resolveComment, job.ID)
	incidents := make([]string, 0)
	seenIncident := make(map[string]bool)
	failures := 0
	for _, alert := range stored {
		if alert.Source != domain.AlertSourceCloud || alert.Resolved() {
			continue
		}
		if id := alert.IncidentID; id != "" && !seenIncident[id] {
			seenIncident[id] = true
			incidents = append(incidents, id)
		}
		if vendor == nil {
			failures++
			continue
		}
		if err := vendor.ResolveAlert(ctx, alert.ExternalID, comment); err != nil {
			failures++
			e.log("resolve alert failed", "job_id", job.ID, "alert_id", alert.ExternalID, "error", err)
			continue
		}
		if err := e.store.MarkAlertResolved(ctx, job.ID, alert.ExternalID, now, comment); err != nil {
			e.log("mark alert resolved failed", "job_id", job.ID, "alert_id", alert.ExternalID, "error", err)
		}
	}
	for _, id := range incidents {
		if vendor == nil {
			failures++
			continue
		}
		if err := vendor.ResolveIncident(ctx, id, comment); err != nil {
			failures++
			e.log("resolve incident failed", "job_id", job.ID, "incident_id", id, "error", err)
		}
	}

	if err := e.store.SetBookkeeping(ctx, job.ID, domain.BookFinalized, true); err != nil {
		return fmt.Errorf("mark finalized: %w", err)
	}
	if polled && len(stored) == 0 && job.Verdict == domain.VerdictUnknown {
		clean := domain.VerdictClean
		if err := e.store.UpdateJobFields(ctx, job.ID, domain.JobFields{Verdict: &clean}); err != nil {
			e.log("set clean verdict failed", "job_id", job.ID, "error", err)
		}
	}
	if failures > 0 {
		e.journal(ctx, job.ID, now, "cloud reconciliation finalized with %d vendor error(s)", failures)
	} else {
		e.journal(ctx, job.ID, now, "cloud reconciliation finalized")
	}

	if abnormalEnd(job.Status) {
		return nil
	}
	err = e.store.UpdateStatus(ctx, job.ID, domain.StatusRemoved, domain.StatusFinished)
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// device returns the vendor device id of the job, resolving the hostname
// through the vendor at most once per backoff period. An empty id means
// the device is not known yet.
func (e *Engine) device(ctx context.Context, job domain.Job, cfg domain.DetectionConfig, vendor Vendor, now time.Time) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	if id := job.Bookkeeping.String(domain.BookDeviceID); id != "" {
		return id, nil
	}
	host := cfg.Hostname
	if host == "" {
		host = job.InstanceName
	}
	if host == "" {
		return "", nil
	}
	if last := job.Bookkeeping.Time(domain.BookDeviceLookupAt); !last.IsZero() && now.Sub(last) < deviceLookupBackoff {
		return "", nil
	}

	id, err := vendor.LookupDevice(ctx, host)
	if errors.Is(err, ErrDeviceNotFound) {
		if err := e.store.SetBookkeeping(ctx, job.ID, domain.BookDeviceLookupAt, now.Format(time.RFC3339Nano)); err != nil {
			return "", fmt.Errorf("record device lookup: %w", err)
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if err := e.store.SetBookkeeping(ctx, job.ID, domain.BookDeviceID, id); err != nil {
		return "", fmt.Errorf("record device id: %w", err)
	}
	return id, nil
}

func (e *Engine) journal(ctx context.Context, jobID string, now time.Time, format string, args ...any) {
	line := now.Format(time.RFC3339) + " [reconciler] " + fmt.Sprintf(format, args...)
	if err := e.store.AppendLog(ctx, jobID, line); err != nil {
		e.log("append job log failed", "job_id", jobID, "error", err)
	}
}

func (e *Engine) log(msg string, attrs ...any) {
	if e.logger == nil {
		return
	}
	fields := []any{"component", "reconciler"}
	fields = append(fields, attrs...)
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	e.logger.Warn(msg, fields...)
}

// pollingState reports whether the sample may have run and the job has not
// reached a terminal status.
func pollingState(s domain.JobStatus) bool {
	switch s {
	case domain.StatusExecuting, domain.StatusExecuted,
		domain.StatusStop, domain.StatusStopping, domain.StatusStopped,
		domain.StatusRemove, domain.StatusRemoving, domain.StatusRemoved:
		return true
	default:
		return false
	}
}

func abnormalEnd(s domain.JobStatus) bool {
	return s == domain.StatusError || s == domain.StatusKilled
}
