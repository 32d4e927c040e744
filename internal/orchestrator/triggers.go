package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/repo"
)

// ErrTriggerRejected reports an operator trigger that the job's current
// status does not allow.
var ErrTriggerRejected = errors.New("trigger not allowed in current status")

const forceAttempts = 3

// ForceStop asks the driver to stop the job's instance.
func ForceStop(ctx context.Context, jobs repo.JobRepository, id string) error {
	return force(ctx, jobs, id, domain.StatusStop)
}

// Kill ends the job without cleanup stages. The driver releases it on its
// next tick.
func Kill(ctx context.Context, jobs repo.JobRepository, id string) error {
	return force(ctx, jobs, id, domain.StatusKilled)
}

// Resubmit resets a terminal job to fresh, clearing instance, outputs,
// verdict and bookkeeping. A failed job qualifies only after its forced
// cleanup is done.
func Resubmit(ctx context.Context, jobs repo.JobRepository, id string) error {
	job, err := jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTriggerRejected, id, job.Status)
	}
	if job.Status == domain.StatusError && !job.Bookkeeping.Bool(domain.BookCleanupDone) {
		return fmt.Errorf("%w: job %s is still being cleaned up", ErrTriggerRejected, id)
	}
	err = jobs.ResetJob(ctx, id, job.Status)
	if errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrTriggerRejected, err)
	}
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	return operatorLog(ctx, jobs, id, "resubmitted from %s", job.Status)
}

func force(ctx context.Context, jobs repo.JobRepository, id string, to domain.JobStatus) error {
	for attempt := 0; attempt < forceAttempts; attempt++ {
		job, err := jobs.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if !domain.CanForce(job.Status, to) {
			return fmt.Errorf("%w: job %s is %s", ErrTriggerRejected, id, job.Status)
		}
		err = jobs.UpdateStatus(ctx, id, job.Status, to)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		return operatorLog(ctx, jobs, id, "status forced from %s to %s", job.Status, to)
	}
	return fmt.Errorf("force %s on job %s: %w", to, id, repo.ErrConflict)
}

func operatorLog(ctx context.Context, jobs repo.JobRepository, id string, format string, args ...any) error {
	line := time.Now().UTC().Format(time.RFC3339) + " [operator] " + fmt.Sprintf(format, args...)
	if err := jobs.AppendLog(ctx, id, line); err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// Kill ends the job and cancels its in-flight stage.
func (d *Driver) Kill(ctx context.Context, id string) error {
	if err := Kill(ctx, d.store, id); err != nil {
		return err
	}
	if d.pool != nil {
		d.pool.Cancel(jobKey(id))
	}
	return nil
}

func (d *Driver) ForceStop(ctx context.Context, id string) error {
	return ForceStop(ctx, d.store, id)
}

// Resubmit resets a terminal job. It is rejected while a task of the job
// is still winding down.
func (d *Driver) Resubmit(ctx context.Context, id string) error {
	if d.busy(jobKey(id)) {
		return fmt.Errorf("%w: job %s still has a task in flight", ErrTriggerRejected, id)
	}
	return Resubmit(ctx, d.store, id)
}
