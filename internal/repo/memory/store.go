package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/repo"
)

// Store keeps jobs, profiles, files and alerts in process memory.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]domain.Job
	profiles map[string]domain.Profile
	files    map[string]domain.File
	alerts   map[string][]domain.Alert
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]domain.Job),
		profiles: make(map[string]domain.Profile),
		files:    make(map[string]domain.File),
		alerts:   make(map[string][]domain.Alert),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateJob(_ context.Context, in repo.NewJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[in.FileID]; !ok {
		return "", fmt.Errorf("file %s: %w", in.FileID, repo.ErrNotFound)
	}
	if _, ok := s.profiles[in.ProfileName]; !ok {
		return "", fmt.Errorf("profile %s: %w", in.ProfileName, repo.ErrNotFound)
	}
	now := s.now().UTC()
	job := domain.Job{
		ID:          uuid.NewString(),
		FileID:      in.FileID,
		ProfileName: in.ProfileName,
		Status:      domain.StatusFresh,
		Exec: domain.ExecParams{
			Runtime:   in.Runtime,
			DropPath:  in.DropPath,
			Mode:      in.Mode,
			ExtraArgs: in.ExtraArgs,
		},
		CreatedAt:   now,
		UpdatedAt:   now,
		Bookkeeping: domain.Metadata{},
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

// PutJob stores a job as-is, replacing any job with the same id.
func (s *Store) PutJob(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Bookkeeping == nil {
		job.Bookkeeping = domain.Metadata{}
	}
	s.jobs[job.ID] = cloneJob(job)
}

func (s *Store) GetJob(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) ListJobs(_ context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.ProfileName != "" && job.ProfileName != filter.ProfileName {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sortJobs(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListNonTerminalJobs(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.NeedsDriver() {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sortJobs(out)
	return out, nil
}

func (s *Store) UpdateJobFields(_ context.Context, id string, f domain.JobFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if f.InstanceName != nil {
		job.InstanceName = *f.InstanceName
	}
	if f.InstanceAddress != nil {
		job.InstanceAddress = *f.InstanceAddress
	}
	if f.AgentOutput != nil {
		job.AgentOutput = *f.AgentOutput
	}
	if f.TraceOutput != nil {
		job.TraceOutput = *f.TraceOutput
	}
	if f.LocalTelemetry != nil {
		job.LocalTelemetry = *f.LocalTelemetry
	}
	if f.TelemetrySummary != nil {
		job.TelemetrySummary = *f.TelemetrySummary
	}
	if f.Verdict != nil {
		job.Verdict = *f.Verdict
	}
	if f.CompletedAt != nil {
		at := f.CompletedAt.UTC()
		job.CompletedAt = &at
	}
	if f.ClearCompletedAt {
		job.CompletedAt = nil
	}
	if f.ResetBookkeeping {
		job.Bookkeeping = domain.Metadata{}
	}
	if len(f.Bookkeeping) > 0 {
		book := job.Bookkeeping.Clone()
		for k, v := range f.Bookkeeping {
			book[k] = v
		}
		job.Bookkeeping = book
	}
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, from, to domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if job.Status != from {
		return fmt.Errorf("%w: job %s is %s, expected %s", repo.ErrConflict, id, job.Status, from)
	}
	job.Status = to
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Store) ResetJob(_ context.Context, id string, from domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if job.Status != from || (job.Status == domain.StatusError && !job.Bookkeeping.Bool(domain.BookCleanupDone)) {
		return fmt.Errorf("%w: job %s is %s, expected %s with cleanup done", repo.ErrConflict, id, job.Status, from)
	}
	job.Status = domain.StatusFresh
	job.InstanceName = ""
	job.InstanceAddress = ""
	job.AgentOutput = ""
	job.TraceOutput = ""
	job.LocalTelemetry = ""
	job.TelemetrySummary = ""
	job.Verdict = domain.VerdictUnknown
	job.CompletedAt = nil
	job.Bookkeeping = domain.Metadata{}
	now := s.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[id] = job
	return nil
}

func (s *Store) AppendLog(_ context.Context, id string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	job.Log += strings.TrimRight(text, "\n") + "\n"
	s.jobs[id] = job
	return nil
}

func (s *Store) SetBookkeeping(_ context.Context, id string, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	book := job.Bookkeeping.Clone()
	book[key] = value
	job.Bookkeeping = book
	s.jobs[id] = job
	return nil
}

func (s *Store) GetProfile(_ context.Context, name string) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[name]
	if !ok {
		return domain.Profile{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListProfiles(_ context.Context) ([]domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpsertProfile(_ context.Context, p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if existing, ok := s.profiles[p.Name]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.Name] = p
	return nil
}

func (s *Store) DeleteProfile(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[name]; !ok {
		return repo.ErrNotFound
	}
	for _, job := range s.jobs {
		if job.ProfileName == name {
			return fmt.Errorf("profile %s: %w", name, repo.ErrInUse)
		}
	}
	delete(s.profiles, name)
	return nil
}

func (s *Store) CreateFile(_ context.Context, f domain.File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	s.files[f.ID] = f
	return nil
}

func (s *Store) GetFile(_ context.Context, id string) (domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return domain.File{}, repo.ErrNotFound
	}
	return f, nil
}

func (s *Store) InsertAlertIfAbsent(_ context.Context, a domain.Alert) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts[a.JobID] {
		if existing.ExternalID == a.ExternalID {
			return false, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	s.alerts[a.JobID] = append(s.alerts[a.JobID], a)
	return true, nil
}

func (s *Store) ListAlerts(_ context.Context, jobID string) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Alert, len(s.alerts[jobID]))
	copy(out, s.alerts[jobID])
	return out, nil
}

func (s *Store) MarkAlertResolved(_ context.Context, jobID, externalID string, at time.Time, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alerts := s.alerts[jobID]
	for i := range alerts {
		if alerts[i].ExternalID != externalID {
			continue
		}
		resolved := at.UTC()
		alerts[i].ResolvedAt = &resolved
		alerts[i].ResolutionComment = comment
		return nil
	}
	return repo.ErrNotFound
}

func cloneJob(job domain.Job) domain.Job {
	job.Bookkeeping = job.Bookkeeping.Clone()
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		job.CompletedAt = &at
	}
	return job
}

func sortJobs(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
