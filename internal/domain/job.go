package domain

import (
	"errors"
	"strings"
	"time"
)

// Verdict is the overall detection outcome of a job.
type Verdict string

const (
	VerdictUnknown  Verdict = ""
	VerdictClean    Verdict = "clean"
	VerdictDetected Verdict = "detected"
)

// Merge combines two verdicts without ever downgrading a detection.
func (v Verdict) Merge(other Verdict) Verdict {
	if v == VerdictDetected || other == VerdictDetected {
		return VerdictDetected
	}
	if v == VerdictClean || other == VerdictClean {
		return VerdictClean
	}
	return VerdictUnknown
}

// ExecMode selects how the agent starts the sample.
type ExecMode string

const (
	ExecModeExec     ExecMode = "exec"
	ExecModeAutoIt   ExecMode = "autoit"
	ExecModeNoExec   ExecMode = "noexec"
	ExecModeDLLEntry ExecMode = "dll"
)

// Bookkeeping keys used by the reconciliation engine.
const (
	BookLastPoll       = "last_poll"
	BookFinalized      = "reconciliation_finished"
	BookDeviceID       = "device_id"
	BookDeviceLookupAt = "device_lookup_at"
	BookCleanupDone    = "cleanup_done"
	BookWindowStart    = "window_start"
)

// ExecParams are the execution parameters of a job.
type ExecParams struct {
	Runtime   time.Duration
	DropPath  string
	Mode      ExecMode
	ExtraArgs string
}

// Job is one request to detonate a file under a profile.
type Job struct {
	ID               string
	FileID           string
	ProfileName      string
	Status           JobStatus
	InstanceName     string
	InstanceAddress  string
	Exec             ExecParams
	Log              string
	AgentOutput      string
	TraceOutput      string
	LocalTelemetry   string
	TelemetrySummary string
	Verdict          Verdict
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	Bookkeeping      Metadata
}

// Validate checks the immutable identity of a job.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.FileID) == "" {
		return errors.New("file id is required")
	}
	if strings.TrimSpace(j.ProfileName) == "" {
		return errors.New("profile name is required")
	}
	if j.Exec.Runtime < 0 {
		return errors.New("runtime must be >= 0")
	}
	return nil
}

// Age returns how long ago the job was created.
func (j Job) Age(now time.Time) time.Duration {
	if j.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(j.CreatedAt)
}

// Finalized reports whether reconciliation already finished for the job.
func (j Job) Finalized() bool {
	return j.Bookkeeping.Bool(BookFinalized)
}

// NeedsDriver reports whether the driver still has work for the job:
// every non-terminal job plus failed jobs whose instance may still live.
func (j Job) NeedsDriver() bool {
	switch j.Status {
	case StatusFinished, StatusKilled:
		return false
	case StatusError:
		return !j.Bookkeeping.Bool(BookCleanupDone)
	default:
		return true
	}
}

// JobFields is a partial update of a job. Nil fields are left untouched.
type JobFields struct {
	InstanceName     *string
	InstanceAddress  *string
	AgentOutput      *string
	TraceOutput      *string
	LocalTelemetry   *string
	TelemetrySummary *string
	Verdict          *Verdict
	CompletedAt      *time.Time
	ClearCompletedAt bool
	Bookkeeping      Metadata
	ResetBookkeeping bool
}

// File is an immutable uploaded artifact.
type File struct {
	ID        string
	Filename  string
	SHA256    string
	Location  string
	ExecArgs  string
	CreatedAt time.Time
}

// Validate checks the required attributes of a file.
func (f File) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("file id is required")
	}
	if strings.TrimSpace(f.Filename) == "" {
		return errors.New("filename is required")
	}
	if strings.TrimSpace(f.Location) == "" {
		return errors.New("file location is required")
	}
	return nil
}
