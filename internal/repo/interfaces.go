package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/detonator/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a compare-and-swap status update that lost.
	ErrConflict = errors.New("status conflict")
	ErrInUse    = errors.New("still referenced")
)

type JobFilter struct {
	Status      domain.JobStatus
	ProfileName string
	Limit       int
}

// NewJob carries the caller-supplied attributes of a job.
type NewJob struct {
	FileID      string
	ProfileName string
	Runtime     time.Duration
	DropPath    string
	Mode        domain.ExecMode
	ExtraArgs   string
}

// JobRepository is the job surface consumed by the orchestrator.
type JobRepository interface {
	CreateJob(ctx context.Context, job NewJob) (string, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	ListNonTerminalJobs(ctx context.Context) ([]domain.Job, error)
	UpdateJobFields(ctx context.Context, id string, fields domain.JobFields) error
	// UpdateStatus moves a job from one status to another, failing with
	// ErrConflict when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to domain.JobStatus) error
	// ResetJob clears outputs and bookkeeping and sets status to fresh,
	// provided the stored status is still from. An error job qualifies only
	// once its cleanup is done; otherwise ErrConflict.
	ResetJob(ctx context.Context, id string, from domain.JobStatus) error
	AppendLog(ctx context.Context, id string, text string) error
	SetBookkeeping(ctx context.Context, id string, key string, value any) error
}

// ProfileRepository exposes profiles, read-only to the orchestrator.
type ProfileRepository interface {
	GetProfile(ctx context.Context, name string) (domain.Profile, error)
	ListProfiles(ctx context.Context) ([]domain.Profile, error)
	UpsertProfile(ctx context.Context, profile domain.Profile) error
	DeleteProfile(ctx context.Context, name string) error
}

type FileRepository interface {
	CreateFile(ctx context.Context, file domain.File) error
	GetFile(ctx context.Context, id string) (domain.File, error)
}

// AlertRepository stores alerts deduplicated by (job, external id).
type AlertRepository interface {
	InsertAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error)
	ListAlerts(ctx context.Context, jobID string) ([]domain.Alert, error)
	MarkAlertResolved(ctx context.Context, jobID, externalID string, at time.Time, comment string) error
}

// Store is the full persistence surface.
type Store interface {
	JobRepository
	ProfileRepository
	FileRepository
	AlertRepository
	Ping(ctx context.Context) error
}
