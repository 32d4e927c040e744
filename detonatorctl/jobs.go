package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/orchestrator"
	"github.com/animus-labs/detonator/internal/repo"
	pgstore "github.com/animus-labs/detonator/internal/repo/postgres"
)

func jobListCmd() *cobra.Command {
	var status string
	var f repo.JobFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				f.Status = domain.NormalizeJobStatus(status)
				if f.Status == "" {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			return withStore(cmd.Context(), func(ctx context.Context, store *pgstore.Store) error {
				jobs, err := store.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Profile", "Status", "Verdict", "Instance", "Created", "Completed"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.ProfileName, j.Status, j.Verdict, j.InstanceName,
						j.CreatedAt.UTC().Format(time.RFC3339), formatTime(j.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ProfileName, "profile", "", "profile filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	var showLog, showOutput bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *pgstore.Store) error {
				job, err := store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", job.ID},
					{"File", job.FileID},
					{"Profile", job.ProfileName},
					{"Status", job.Status},
					{"Verdict", job.Verdict},
					{"Instance", strings.TrimSpace(job.InstanceName + " " + job.InstanceAddress)},
					{"Runtime", job.Exec.Runtime.String()},
					{"Mode", job.Exec.Mode},
					{"Created", job.CreatedAt.UTC().Format(time.RFC3339)},
					{"Completed", formatTime(job.CompletedAt)},
					{"Last poll", formatTime(timeOrNil(job.Bookkeeping.Time(domain.BookLastPoll)))},
					{"Finalized", job.Finalized()},
				})
				tw.Render()
				if job.TelemetrySummary != "" {
					fmt.Fprintln(os.Stdout, "\nTelemetry summary:\n"+job.TelemetrySummary)
				}
				if showOutput && job.AgentOutput != "" {
					fmt.Fprintln(os.Stdout, "\nAgent output:\n"+job.AgentOutput)
				}
				if showLog {
					fmt.Fprintln(os.Stdout, "\nLog:\n"+job.Log)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showLog, "log", false, "print the operational log")
	cmd.Flags().BoolVar(&showOutput, "output", false, "print the agent output")
	return cmd
}

func jobAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts <job-id>",
		Short: "List alerts recorded for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *pgstore.Store) error {
				alerts, err := store.ListAlerts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alerts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"External ID", "Source", "Severity", "Title", "Incident", "Detected", "Resolved"})
				for _, a := range alerts {
					tw.AppendRow(table.Row{a.ExternalID, a.Source, a.Severity, a.Title, a.IncidentID, formatTime(a.DetectedAt), formatTime(a.ResolvedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobSubmitCmd() *cobra.Command {
	var in repo.NewJob
	var mode string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a file for detonation",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Mode = domain.ExecMode(strings.ToLower(strings.TrimSpace(mode)))
			switch in.Mode {
			case domain.ExecModeExec, domain.ExecModeAutoIt, domain.ExecModeNoExec, domain.ExecModeDLLEntry:
			default:
				return fmt.Errorf("unknown exec mode %q", mode)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				id, err := s.store.CreateJob(ctx, in)
				if err != nil {
					return err
				}
				s.audit(ctx, "job.submit", "job", id, map[string]string{"file_id": in.FileID, "profile": in.ProfileName, "mode": string(in.Mode)})
				if viper.GetBool("json") {
					return printJSON(map[string]string{"job_id": id})
				}
				fmt.Fprintln(os.Stdout, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.FileID, "file", "", "file id (see 'files add')")
	cmd.Flags().StringVar(&in.ProfileName, "profile", "", "profile name")
	cmd.Flags().DurationVar(&in.Runtime, "runtime", 2*time.Minute, "how long the sample runs")
	cmd.Flags().StringVar(&in.DropPath, "drop-path", "", "path the agent writes the sample to")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ExecModeExec), "exec, autoit, dll or noexec")
	cmd.Flags().StringVar(&in.ExtraArgs, "args", "", "extra arguments passed to the sample")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func jobStopCmd() *cobra.Command {
	return triggerCmd("stop", "Force the job's instance to stop", orchestrator.ForceStop)
}

func jobKillCmd() *cobra.Command {
	return triggerCmd("kill", "Mark the job killed; the orchestrator cancels its running stage", orchestrator.Kill)
}

func jobResubmitCmd() *cobra.Command {
	return triggerCmd("resubmit", "Reset a finished, failed or killed job to fresh", orchestrator.Resubmit)
}

func triggerCmd(use, short string, trigger func(context.Context, repo.JobRepository, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				before, err := s.store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if err := trigger(ctx, s.store, args[0]); err != nil {
					return err
				}
				job, err := s.store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				s.audit(ctx, "job."+use, "job", job.ID, map[string]string{"from": string(before.Status), "to": string(job.Status)})
				if viper.GetBool("json") {
					return printJSON(map[string]string{"job_id": job.ID, "status": string(job.Status)})
				}
				fmt.Fprintf(os.Stdout, "%s %s\n", job.ID, job.Status)
				return nil
			})
		},
	}
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
