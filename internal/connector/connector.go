// Package connector defines the backend lifecycle contract shared by the
// cloud VM, snapshot VM and always-on host variants, plus the agent
// routines every variant uses for the connect and execute stages.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/detonator/internal/agent"
	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/evidence"
	"github.com/animus-labs/detonator/internal/repo"
	"github.com/animus-labs/detonator/internal/samples"
	"github.com/animus-labs/detonator/internal/telemetry/local"
)

// ErrNotFound is returned by provider calls when the resource is absent.
// Delete-class operations treat it as success.
var ErrNotFound = errors.New("backend resource not found")

// Connector drives one Profile's backend. Operations block until the
// stage is complete; the caller owns status transitions.
type Connector interface {
	Kind() domain.ConnectorKind
	Instantiate(ctx context.Context, job domain.Job) error
	Connect(ctx context.Context, job domain.Job) error
	Execute(ctx context.Context, job domain.Job) error
	Stop(ctx context.Context, job domain.Job) error
	Remove(ctx context.Context, job domain.Job) error
	PowerState(ctx context.Context, job domain.Job) (domain.PowerState, error)
}

// Runtime carries the collaborators shared by all connectors.
type Runtime struct {
	Jobs     repo.JobRepository
	Files    repo.FileRepository
	Alerts   repo.AlertRepository
	Samples  samples.Source
	Evidence *evidence.Archive
	Parser   *local.Parser
	Agent    agent.Options
	Logger   *slog.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

func (r *Runtime) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks for d or until ctx is done.
func (r *Runtime) Wait(ctx context.Context, d time.Duration) error {
	return r.sleep(ctx, d)
}

func (r *Runtime) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Journal writes progress lines to the job's operational log and to slog.
type Journal struct {
	rt    *Runtime
	jobID string
	log   *slog.Logger
}

func (r *Runtime) Journal(job domain.Job, kind domain.ConnectorKind) *Journal {
	return &Journal{
		rt:    r,
		jobID: job.ID,
		log:   r.logger().With("component", "connector", "connector", string(kind), "job_id", job.ID),
	}
}

func (j *Journal) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	j.log.Info(msg)
	line := j.rt.now().Format(time.RFC3339) + " " + msg
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.rt.Jobs.AppendLog(ctx, j.jobID, line); err != nil {
		j.log.Warn("append job log failed", "error", err)
	}
}

// SetInstance records the backend instance identity of a job.
func (r *Runtime) SetInstance(ctx context.Context, jobID, name, address string) error {
	fields := domain.JobFields{InstanceName: &name}
	if address != "" {
		fields.InstanceAddress = &address
	}
	if err := r.Jobs.UpdateJobFields(ctx, jobID, fields); err != nil {
		return fmt.Errorf("record instance: %w", err)
	}
	return nil
}

// InstanceName is the backend resource name used for a job.
func InstanceName(job domain.Job) string {
	id := strings.ToLower(strings.ReplaceAll(job.ID, "-", ""))
	if len(id) > 16 {
		id = id[:16]
	}
	return "det-" + id
}

// IgnoreNotFound maps ErrNotFound to nil.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
