package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/animus-labs/detonator/internal/agent"
	"github.com/animus-labs/detonator/internal/domain"
)

// AgentClient returns a client for the agent on the job's instance.
func (r *Runtime) AgentClient(job domain.Job, profile domain.Profile, journal *Journal) (*agent.Client, error) {
	if strings.TrimSpace(job.InstanceAddress) == "" {
		return nil, errors.New("job has no instance address")
	}
	opts := r.Agent
	opts.Logf = journal.Logf
	return agent.New(job.InstanceAddress, profile.AgentPort, profile.TracePort, opts)
}

// ConnectAgent waits until the agent on the job's instance answers.
func (r *Runtime) ConnectAgent(ctx context.Context, job domain.Job, profile domain.Profile, journal *Journal) error {
	client, err := r.AgentClient(job, profile, journal)
	if err != nil {
		return err
	}
	journal.Logf("connecting to agent at %s", client.BaseURL())
	if err := client.Reachable(ctx); err != nil {
		return fmt.Errorf("agent connect: %w", err)
	}
	journal.Logf("agent reachable")
	return nil
}

// Execution is what the agent returned for one detonation.
type Execution struct {
	Output    string
	Logs      string
	Trace     string
	Completed time.Time
}

// ExecuteSample runs the full agent exchange for a job: lock, clear logs,
// start trace, upload and execute, wait the runtime budget, collect output
// and trace, kill, collect logs, release lock. The results are persisted
// and the local telemetry parsed before returning.
func (r *Runtime) ExecuteSample(ctx context.Context, job domain.Job, profile domain.Profile, journal *Journal) error {
	file, err := r.Files.GetFile(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("load file %s: %w", job.FileID, err)
	}
	body, err := r.Samples.Open(ctx, file)
	if err != nil {
		return fmt.Errorf("open sample %s: %w", file.Filename, err)
	}
	defer body.Close()

	client, err := r.AgentClient(job, profile, journal)
	if err != nil {
		return err
	}

	exec, err := r.exchange(ctx, client, job, file, body, journal)
	if err != nil {
		return err
	}
	return r.recordExecution(ctx, job, profile, exec, journal)
}

func (r *Runtime) exchange(ctx context.Context, client *agent.Client, job domain.Job, file domain.File, body io.Reader, journal *Journal) (exec Execution, err error) {
	if err := client.AcquireLock(ctx); err != nil {
		return Execution{}, err
	}
	journal.Logf("agent lock acquired")
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if relErr := client.ReleaseLock(releaseCtx); relErr != nil {
			journal.Logf("agent lock release failed: %v", relErr)
			if err == nil {
				err = fmt.Errorf("release agent lock: %w", relErr)
			}
			return
		}
		journal.Logf("agent lock released")
	}()

	if err := client.ClearLogs(ctx); err != nil {
		return Execution{}, fmt.Errorf("clear agent logs: %w", err)
	}
	if client.TraceEnabled() {
		if err := client.StartTrace(ctx); err != nil {
			return Execution{}, fmt.Errorf("start trace: %w", err)
		}
		journal.Logf("trace started")
	}

	args := job.Exec.ExtraArgs
	if args == "" {
		args = file.ExecArgs
	}
	res, err := client.Execute(ctx, agent.ExecRequest{
		Sample:   agent.Sample{Filename: file.Filename, Body: body},
		DropPath: job.Exec.DropPath,
		Args:     args,
		Mode:     job.Exec.Mode,
		Runtime:  job.Exec.Runtime,
	})
	if err != nil {
		return Execution{}, fmt.Errorf("agent execute: %w", err)
	}
	journal.Logf("sample %s started (pid=%d status=%s), waiting %s", file.Filename, res.PID, res.Status, job.Exec.Runtime)

	if err := r.sleep(ctx, job.Exec.Runtime); err != nil {
		return Execution{}, err
	}

	if exec.Output, err = client.Output(ctx); err != nil {
		return Execution{}, fmt.Errorf("agent output: %w", err)
	}
	if client.TraceEnabled() {
		if exec.Trace, err = client.TraceOutput(ctx); err != nil {
			return Execution{}, fmt.Errorf("trace output: %w", err)
		}
	}
	if err := client.Kill(ctx); err != nil {
		journal.Logf("agent kill failed: %v", err)
	}
	if exec.Logs, err = client.Logs(ctx); err != nil {
		return Execution{}, fmt.Errorf("agent logs: %w", err)
	}
	exec.Completed = r.now()
	return exec, nil
}

func (r *Runtime) recordExecution(ctx context.Context, job domain.Job, profile domain.Profile, exec Execution, journal *Journal) error {
	fields := domain.JobFields{
		AgentOutput:    &exec.Output,
		LocalTelemetry: &exec.Logs,
		TraceOutput:    &exec.Trace,
		CompletedAt:    &exec.Completed,
	}

	kind, err := profile.DetectionKind()
	if err != nil {
		return err
	}
	if kind == domain.DetectionLocal && r.Parser != nil {
		res, parseErr := r.Parser.Parse(exec.Logs)
		if parseErr != nil {
			journal.Logf("local telemetry parse failed: %v", parseErr)
		}
		if !res.Matched {
			journal.Logf("local telemetry format not recognised")
		}
		inserted := 0
		for _, alert := range res.Alerts {
			alert.JobID = job.ID
			ok, err := r.Alerts.InsertAlertIfAbsent(ctx, alert)
			if err != nil {
				return fmt.Errorf("store local alert: %w", err)
			}
			if ok {
				inserted++
			}
		}
		verdict := job.Verdict.Merge(res.Verdict)
		fields.Verdict = &verdict
		fields.TelemetrySummary = &res.Summary
		journal.Logf("local telemetry: format=%q alerts=%d new=%d verdict=%q", res.Format, len(res.Alerts), inserted, verdict)
	}

	if err := r.Jobs.UpdateJobFields(ctx, job.ID, fields); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	if r.Evidence != nil {
		err := r.Evidence.Store(ctx, job.ID, map[string]string{
			"agent_output":    exec.Output,
			"local_telemetry": exec.Logs,
			"trace_output":    exec.Trace,
		})
		if err != nil {
			journal.Logf("evidence archive failed: %v", err)
		}
	}
	return nil
}
