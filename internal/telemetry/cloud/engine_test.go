package cloud

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/repo/memory"
)

type fakeVendor struct {
	mu         sync.Mutex
	alerts     []domain.Alert
	alertsErr  error
	resolveErr error
	devices    map[string]string
	lookups    int
	polls      int
	resolved   []string
	incidents  []string
}

func (v *fakeVendor) Alerts(_ context.Context, deviceID string, _, _ time.Time) ([]domain.Alert, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.polls++
	if v.alertsErr != nil {
		return nil, v.alertsErr
	}
	out := make([]domain.Alert, len(v.alerts))
	copy(out, v.alerts)
	return out, nil
}

func (v *fakeVendor) LookupDevice(_ context.Context, hostname string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lookups++
	if id, ok := v.devices[hostname]; ok {
		return id, nil
	}
	return "", ErrDeviceNotFound
}

func (v *fakeVendor) ResolveAlert(_ context.Context, alertID, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resolved = append(v.resolved, alertID)
	return v.resolveErr
}

func (v *fakeVendor) ResolveIncident(_ context.Context, incidentID, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.incidents = append(v.incidents, incidentID)
	return v.resolveErr
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func cloudProfile(detection domain.Metadata) domain.Profile {
	meta := domain.Metadata{
		"kind":             "defender",
		"tenant_id":        "tenant",
		"client_id":        "client",
		"client_secret":    "secret",
		"detection_window": "5m",
	}
	for k, v := range detection {
		meta[k] = v
	}
	return domain.Profile{Name: "win11-mde", Connector: "alwayson", AgentPort: 8080, Detection: meta}
}

func newEngine(t *testing.T, vendor *fakeVendor, profile domain.Profile) (*Engine, *memory.Store, *clock) {
	t.Helper()
	store := memory.NewStore()
	if err := store.UpsertProfile(context.Background(), profile); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	clients := NewClientsWith(func(domain.Profile, domain.DetectionConfig) (Vendor, error) {
		return vendor, nil
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(logger, store, clients, nil, Config{Interval: time.Second, DefaultWindow: 10 * time.Minute})
	c := &clock{now: baseTime}
	engine.SetClock(c.Now)
	return engine, store, c
}

func putJob(store *memory.Store, status domain.JobStatus, completedAt *time.Time, book domain.Metadata) domain.Job {
	job := domain.Job{
		ID:           "job-1",
		FileID:       "file-1",
		ProfileName:  "win11-mde",
		Status:       status,
		InstanceName: "det-job1",
		CreatedAt:    baseTime.Add(-10 * time.Minute),
		CompletedAt:  completedAt,
		Bookkeeping:  book,
	}
	store.PutJob(job)
	return job
}

func cloudAlert(id, incident string) domain.Alert {
	return domain.Alert{ExternalID: id, IncidentID: incident, Title: "Suspicious process", Severity: "High"}
}

func TestReconcileDeduplicatesAlerts(t *testing.T) {
	vendor := &fakeVendor{alerts: []domain.Alert{cloudAlert("A1", "")}}
	engine, store, c := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	putJob(store, domain.StatusExecuting, nil, nil)

	ctx := context.Background()
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	c.Set(baseTime.Add(20 * time.Second))
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	alerts, _ := store.ListAlerts(ctx, "job-1")
	if len(alerts) != 1 || alerts[0].ExternalID != "A1" {
		t.Fatalf("expected exactly one A1 alert, got %+v", alerts)
	}
	if alerts[0].Source != domain.AlertSourceCloud {
		t.Fatalf("expected cloud source, got %q", alerts[0].Source)
	}
	job, _ := store.GetJob(ctx, "job-1")
	if job.Verdict != domain.VerdictDetected {
		t.Fatalf("expected detected verdict, got %q", job.Verdict)
	}
	if got := job.Bookkeeping.Time(domain.BookLastPoll); !got.Equal(baseTime.Add(20 * time.Second)) {
		t.Fatalf("expected last poll at second tick, got %v", got)
	}
	if strings.Count(job.Log, "new alert") != 1 {
		t.Fatalf("expected one new-alert log line, got %q", job.Log)
	}
}

func TestReconcileFinalizesAfterWindow(t *testing.T) {
	vendor := &fakeVendor{alerts: []domain.Alert{cloudAlert("A1", "77")}}
	engine, store, c := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	completed := baseTime
	putJob(store, domain.StatusRemoved, &completed, nil)
	ctx := context.Background()

	c.Set(completed.Add(4 * time.Minute))
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("poll at T+4m: %v", err)
	}
	alerts, _ := store.ListAlerts(ctx, "job-1")
	if len(alerts) != 1 || alerts[0].Resolved() {
		t.Fatalf("expected one unresolved alert, got %+v", alerts)
	}
	if job, _ := store.GetJob(ctx, "job-1"); job.Status != domain.StatusRemoved {
		t.Fatalf("expected removed before window end, got %s", job.Status)
	}

	c.Set(completed.Add(6 * time.Minute))
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("poll at T+6m: %v", err)
	}
	alerts, _ = store.ListAlerts(ctx, "job-1")
	if !alerts[0].Resolved() {
		t.Fatalf("expected alert resolved")
	}
	if !strings.Contains(alerts[0].ResolutionComment, "job-1") {
		t.Fatalf("unexpected comment %q", alerts[0].ResolutionComment)
	}
	job, _ := store.GetJob(ctx, "job-1")
	if job.Status != domain.StatusFinished {
		t.Fatalf("expected finished, got %s", job.Status)
	}
	if !job.Finalized() {
		t.Fatalf("expected finalized flag")
	}

	c.Set(completed.Add(7 * time.Minute))
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("poll after finalize: %v", err)
	}
	if len(vendor.resolved) != 1 || len(vendor.incidents) != 1 || vendor.incidents[0] != "77" {
		t.Fatalf("expected single resolve of alert and incident, got %v / %v", vendor.resolved, vendor.incidents)
	}
	if vendor.polls != 2 {
		t.Fatalf("expected no poll after finalize, got %d polls", vendor.polls)
	}
}

func TestFinalizeIsFailOpen(t *testing.T) {
	vendor := &fakeVendor{alerts: []domain.Alert{cloudAlert("A1", "")}, resolveErr: errors.New("vendor down")}
	engine, store, c := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	completed := baseTime
	putJob(store, domain.StatusRemoved, &completed, nil)
	c.Set(completed.Add(time.Hour))

	if err := engine.Reconcile(context.Background(), "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if !job.Finalized() || job.Status != domain.StatusFinished {
		t.Fatalf("expected finalized finished job, got %s finalized=%v", job.Status, job.Finalized())
	}
	alerts, _ := store.ListAlerts(context.Background(), "job-1")
	if alerts[0].Resolved() {
		t.Fatalf("alert must stay unresolved when vendor resolve fails")
	}
	if !strings.Contains(job.Log, "1 vendor error") {
		t.Fatalf("expected vendor error in log, got %q", job.Log)
	}
}

func TestFinalizeWithoutAlertsIsClean(t *testing.T) {
	vendor := &fakeVendor{}
	engine, store, c := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	completed := baseTime
	putJob(store, domain.StatusRemoved, &completed, nil)
	c.Set(completed.Add(6 * time.Minute))

	if err := engine.Reconcile(context.Background(), "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Verdict != domain.VerdictClean {
		t.Fatalf("expected clean verdict, got %q", job.Verdict)
	}
}

func TestReconcileRetriesVendorFailureInsideWindow(t *testing.T) {
	vendor := &fakeVendor{alertsErr: errors.New("timeout")}
	engine, store, c := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	completed := baseTime
	putJob(store, domain.StatusRemoved, &completed, nil)
	c.Set(completed.Add(2 * time.Minute))

	if err := engine.Reconcile(context.Background(), "job-1"); err == nil {
		t.Fatalf("expected poll error")
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Finalized() || job.Status != domain.StatusRemoved {
		t.Fatalf("expected job left for next tick, got %s finalized=%v", job.Status, job.Finalized())
	}
}

func TestReconcileFinalizesPastWindowDuringVendorOutage(t *testing.T) {
	vendor := &fakeVendor{alertsErr: errors.New("service unavailable")}
	engine, store, c := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	completed := baseTime
	putJob(store, domain.StatusRemoved, &completed, nil)
	ctx := context.Background()

	for hour := 1; hour <= 3; hour++ {
		c.Set(completed.Add(time.Duration(hour) * time.Hour))
		if err := engine.Reconcile(ctx, "job-1"); err != nil {
			t.Fatalf("reconcile at +%dh: %v", hour, err)
		}
	}
	job, _ := store.GetJob(ctx, "job-1")
	if !job.Finalized() || job.Status != domain.StatusFinished {
		t.Fatalf("expected finalized finished job, got %s finalized=%v", job.Status, job.Finalized())
	}
	if vendor.polls != 1 {
		t.Fatalf("expected polling to stop after finalize, got %d polls", vendor.polls)
	}
	if job.Verdict == domain.VerdictClean {
		t.Fatalf("a failed last poll must not yield a clean verdict")
	}
	if !strings.Contains(job.Log, "cloud poll failed after detection window") {
		t.Fatalf("expected poll failure in log, got %q", job.Log)
	}
}

func TestReconcileFinalizesPastWindowWithUnknownDevice(t *testing.T) {
	vendor := &fakeVendor{}
	engine, store, c := newEngine(t, vendor, cloudProfile(nil))
	completed := baseTime
	putJob(store, domain.StatusRemoved, &completed, nil)
	c.Set(completed.Add(6 * time.Minute))

	if err := engine.Reconcile(context.Background(), "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if !job.Finalized() || job.Status != domain.StatusFinished {
		t.Fatalf("expected finalized finished job, got %s finalized=%v", job.Status, job.Finalized())
	}
	if vendor.lookups != 1 || vendor.polls != 0 {
		t.Fatalf("expected one lookup and no poll, got %d / %d", vendor.lookups, vendor.polls)
	}
	if job.Verdict != domain.VerdictUnknown {
		t.Fatalf("expected unknown verdict without any poll, got %q", job.Verdict)
	}
}

func TestReconcileStartsWindowForJobThatNeverFinished(t *testing.T) {
	vendor := &fakeVendor{}
	engine, store, c := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	putJob(store, domain.StatusRemoved, nil, nil)
	ctx := context.Background()

	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	job, _ := store.GetJob(ctx, "job-1")
	if got := job.Bookkeeping.Time(domain.BookWindowStart); !got.Equal(baseTime) {
		t.Fatalf("expected window start at first sighting, got %v", got)
	}

	c.Set(baseTime.Add(4 * time.Minute))
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if job, _ := store.GetJob(ctx, "job-1"); job.Finalized() {
		t.Fatalf("finalized before the window elapsed")
	}

	c.Set(baseTime.Add(6 * time.Minute))
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	job, _ = store.GetJob(ctx, "job-1")
	if !job.Finalized() || job.Status != domain.StatusFinished {
		t.Fatalf("expected finalized finished job, got %s finalized=%v", job.Status, job.Finalized())
	}
	if got := job.Bookkeeping.Time(domain.BookWindowStart); !got.Equal(baseTime) {
		t.Fatalf("window start moved to %v", got)
	}
}

func TestReconcileFinalizesWithoutVendorClient(t *testing.T) {
	store := memory.NewStore()
	if err := store.UpsertProfile(context.Background(), cloudProfile(domain.Metadata{"device_id": "dev-1"})); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	clients := NewClientsWith(func(domain.Profile, domain.DetectionConfig) (Vendor, error) {
		return nil, errors.New("credentials revoked")
	})
	engine := NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)), store, clients, nil,
		Config{Interval: time.Second, DefaultWindow: 10 * time.Minute})
	completed := baseTime
	putJob(store, domain.StatusRemoved, &completed, nil)
	ctx := context.Background()
	if _, err := store.InsertAlertIfAbsent(ctx, domain.Alert{JobID: "job-1", ExternalID: "A1", Source: domain.AlertSourceCloud}); err != nil {
		t.Fatalf("insert alert: %v", err)
	}

	engine.SetClock(func() time.Time { return completed.Add(2 * time.Minute) })
	if err := engine.Reconcile(ctx, "job-1"); err == nil {
		t.Fatalf("expected client error inside window")
	}

	engine.SetClock(func() time.Time { return completed.Add(time.Hour) })
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	job, _ := store.GetJob(ctx, "job-1")
	if !job.Finalized() || job.Status != domain.StatusFinished {
		t.Fatalf("expected finalized finished job, got %s finalized=%v", job.Status, job.Finalized())
	}
	if !strings.Contains(job.Log, "vendor unavailable") || !strings.Contains(job.Log, "1 vendor error") {
		t.Fatalf("unexpected log %q", job.Log)
	}
}

func TestReconcileResolvesDeviceByHostname(t *testing.T) {
	vendor := &fakeVendor{devices: map[string]string{"det-job1": "dev-9"}}
	engine, store, c := newEngine(t, vendor, cloudProfile(nil))
	putJob(store, domain.StatusExecuting, nil, nil)
	ctx := context.Background()

	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	c.Set(baseTime.Add(30 * time.Second))
	if err := engine.Reconcile(ctx, "job-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	job, _ := store.GetJob(ctx, "job-1")
	if got := job.Bookkeeping.String(domain.BookDeviceID); got != "dev-9" {
		t.Fatalf("expected cached device id, got %q", got)
	}
	if vendor.lookups != 1 {
		t.Fatalf("expected one device lookup, got %d", vendor.lookups)
	}
	if vendor.polls != 2 {
		t.Fatalf("expected two polls, got %d", vendor.polls)
	}
}

func TestReconcileWaitsForUnknownDevice(t *testing.T) {
	vendor := &fakeVendor{}
	engine, store, c := newEngine(t, vendor, cloudProfile(nil))
	putJob(store, domain.StatusExecuting, nil, nil)
	ctx := context.Background()

	for _, offset := range []time.Duration{0, 10 * time.Second, 2 * time.Minute} {
		c.Set(baseTime.Add(offset))
		if err := engine.Reconcile(ctx, "job-1"); err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}
	if vendor.lookups != 2 {
		t.Fatalf("expected lookups throttled to 2, got %d", vendor.lookups)
	}
	if vendor.polls != 0 {
		t.Fatalf("expected no alert polls without a device, got %d", vendor.polls)
	}
}

func TestKilledJobIsResolvedWithoutStatusChange(t *testing.T) {
	vendor := &fakeVendor{alerts: []domain.Alert{cloudAlert("A1", "")}}
	engine, store, _ := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	putJob(store, domain.StatusKilled, nil, domain.Metadata{domain.BookLastPoll: baseTime.Add(-time.Minute).Format(time.RFC3339)})

	engine.Tick(context.Background())

	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != domain.StatusKilled {
		t.Fatalf("expected killed, got %s", job.Status)
	}
	if !job.Finalized() || len(vendor.resolved) != 1 {
		t.Fatalf("expected finalize with one resolve, got finalized=%v resolved=%v", job.Finalized(), vendor.resolved)
	}
}

func TestTickSkipsJobsWithoutCloudDetection(t *testing.T) {
	vendor := &fakeVendor{alerts: []domain.Alert{cloudAlert("A1", "")}}
	profile := domain.Profile{Name: "win11-mde", Connector: "alwayson", AgentPort: 8080, Detection: domain.Metadata{"kind": "local"}}
	engine, store, _ := newEngine(t, vendor, profile)
	putJob(store, domain.StatusExecuting, nil, nil)

	engine.Tick(context.Background())

	if vendor.polls != 0 {
		t.Fatalf("expected no vendor calls, got %d", vendor.polls)
	}
}

func TestTickSkipsJobsBeforeExecution(t *testing.T) {
	vendor := &fakeVendor{}
	engine, store, _ := newEngine(t, vendor, cloudProfile(domain.Metadata{"device_id": "dev-1"}))
	putJob(store, domain.StatusConnecting, nil, nil)

	engine.Tick(context.Background())

	if vendor.polls != 0 {
		t.Fatalf("expected no poll before execution, got %d", vendor.polls)
	}
}

func TestClientsCachePerCredentialSet(t *testing.T) {
	created := 0
	clients := NewClientsWith(func(domain.Profile, domain.DetectionConfig) (Vendor, error) {
		created++
		return &fakeVendor{}, nil
	})
	profile := cloudProfile(nil)
	for i := 0; i < 3; i++ {
		if _, _, err := clients.For(profile); err != nil {
			t.Fatalf("for: %v", err)
		}
	}
	rotated := cloudProfile(domain.Metadata{"client_secret": "rotated"})
	if _, _, err := clients.For(rotated); err != nil {
		t.Fatalf("for: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 clients, got %d", created)
	}
	if clients.Len() != 1 {
		t.Fatalf("expected stale client evicted, got %d cached", clients.Len())
	}

	_, _, err := clients.For(domain.Profile{Name: "plain", Detection: domain.Metadata{"kind": "local"}})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Interval: 0}).Validate(); err == nil {
		t.Fatalf("expected interval error")
	}
	if err := (Config{Interval: time.Second, DefaultWindow: time.Minute}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
