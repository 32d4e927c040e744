package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/detonator/internal/connector"
	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/platform/workpool"
	"github.com/animus-labs/detonator/internal/repo/memory"
)

type fakeConnector struct {
	mu     sync.Mutex
	calls  []domain.Stage
	fail   map[domain.Stage]error
	power  domain.PowerState
	block  chan struct{}
	onCall func(domain.Stage)
}

func (c *fakeConnector) Kind() domain.ConnectorKind { return domain.ConnectorAlwaysOn }

func (c *fakeConnector) call(ctx context.Context, stage domain.Stage) error {
	c.mu.Lock()
	c.calls = append(c.calls, stage)
	err := c.fail[stage]
	block := c.block
	onCall := c.onCall
	c.mu.Unlock()
	if onCall != nil {
		onCall(stage)
	}
	if block != nil && stage == domain.StageExecute {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeConnector) Instantiate(ctx context.Context, _ domain.Job) error {
	return c.call(ctx, domain.StageInstantiate)
}
func (c *fakeConnector) Connect(ctx context.Context, _ domain.Job) error {
	return c.call(ctx, domain.StageConnect)
}
func (c *fakeConnector) Execute(ctx context.Context, _ domain.Job) error {
	return c.call(ctx, domain.StageExecute)
}
func (c *fakeConnector) Stop(ctx context.Context, _ domain.Job) error {
	return c.call(ctx, domain.StageStop)
}
func (c *fakeConnector) Remove(ctx context.Context, _ domain.Job) error {
	return c.call(ctx, domain.StageRemove)
}

func (c *fakeConnector) PowerState(context.Context, domain.Job) (domain.PowerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.power == "" {
		return domain.PowerNotFound, nil
	}
	return c.power, nil
}

func (c *fakeConnector) stages() []domain.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Stage, len(c.calls))
	copy(out, c.calls)
	return out
}

type staticConnectors struct {
	conn connector.Connector
}

func (s staticConnectors) For(profile domain.Profile) (connector.Connector, error) {
	if _, err := domain.ParseConnectorKind(profile.Connector); err != nil {
		return nil, err
	}
	return s.conn, nil
}

var created = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, conn *fakeConnector, pool *workpool.Pool, profile domain.Profile) (*Driver, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	if err := store.UpsertProfile(context.Background(), profile); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDriver(logger, store, staticConnectors{conn: conn}, pool, Config{TickInterval: time.Second, MaxJobAge: time.Hour, Workers: 4})
	d.SetClock(func() time.Time { return created.Add(5 * time.Minute) })
	return d, store
}

func labProfile(detection string) domain.Profile {
	return domain.Profile{
		Name:      "lab",
		Connector: "alwayson",
		AgentPort: 8080,
		Backend:   domain.Metadata{"address": "10.0.0.5"},
		Detection: domain.Metadata{"kind": detection},
	}
}

func putJob(store *memory.Store, status domain.JobStatus, book domain.Metadata) {
	store.PutJob(domain.Job{
		ID:          "job-1",
		FileID:      "file-1",
		ProfileName: "lab",
		Status:      status,
		CreatedAt:   created,
		Bookkeeping: book,
	})
}

func status(t *testing.T, store *memory.Store) domain.Job {
	t.Helper()
	job, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestDriverRunsJobToFinished(t *testing.T) {
	conn := &fakeConnector{}
	d, store := setup(t, conn, nil, labProfile(""))
	putJob(store, domain.StatusFresh, nil)

	for i := 0; i < 10 && status(t, store).Status != domain.StatusFinished; i++ {
		d.Tick(context.Background())
	}

	if got := status(t, store).Status; got != domain.StatusFinished {
		t.Fatalf("expected finished, got %s", got)
	}
	want := []domain.Stage{domain.StageInstantiate, domain.StageConnect, domain.StageExecute, domain.StageStop, domain.StageRemove}
	got := conn.stages()
	if len(got) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected stages %v, got %v", want, got)
		}
	}
}

func TestDriverRecordsEveryTransition(t *testing.T) {
	conn := &fakeConnector{}
	d, store := setup(t, conn, nil, labProfile(""))
	putJob(store, domain.StatusFresh, nil)

	var seen []domain.JobStatus
	conn.onCall = func(domain.Stage) {
		seen = append(seen, status(t, store).Status)
	}
	prev := domain.StatusFresh
	for i := 0; i < 10; i++ {
		d.Tick(context.Background())
		cur := status(t, store).Status
		if cur != prev {
			step, ok := domain.NextStep(prev)
			if !(ok && step.Done == cur) && !domain.CanTransition(prev, cur) {
				t.Fatalf("illegal transition %s -> %s", prev, cur)
			}
		}
		prev = cur
	}
	for _, s := range seen {
		if !s.InProgress() {
			t.Fatalf("expected connector to run in a progress state, saw %s", s)
		}
	}
}

func TestDriverInstantiateFailure(t *testing.T) {
	conn := &fakeConnector{fail: map[domain.Stage]error{domain.StageInstantiate: errors.New("quota exceeded")}}
	d, store := setup(t, conn, nil, labProfile(""))
	putJob(store, domain.StatusFresh, nil)

	for i := 0; i < 4; i++ {
		d.Tick(context.Background())
	}

	job := status(t, store)
	if job.Status != domain.StatusError {
		t.Fatalf("expected error, got %s", job.Status)
	}
	if !strings.Contains(job.Log, "quota exceeded") {
		t.Fatalf("expected failure text in log, got %q", job.Log)
	}
	for _, stage := range conn.stages() {
		if stage != domain.StageInstantiate {
			t.Fatalf("unexpected stage after failure: %v", conn.stages())
		}
	}
	if len(conn.stages()) != 1 {
		t.Fatalf("expected a single instantiate call, got %v", conn.stages())
	}
	if !job.Bookkeeping.Bool(domain.BookCleanupDone) {
		t.Fatalf("expected cleanup done for job with no live instance")
	}
}

func TestDriverForcedCleanupOfAgedJob(t *testing.T) {
	conn := &fakeConnector{power: domain.PowerRunning}
	d, store := setup(t, conn, nil, labProfile(""))
	d.SetClock(func() time.Time { return created.Add(61 * time.Minute) })
	putJob(store, domain.StatusExecuting, nil)

	d.Tick(context.Background())

	got := conn.stages()
	if len(got) != 1 || got[0] != domain.StageStop {
		t.Fatalf("expected forced stop, got %v", got)
	}
	if job := status(t, store); job.Status != domain.StatusStopped {
		t.Fatalf("expected stopped after forced stop, got %s", job.Status)
	}

	conn.power = domain.PowerStopped
	d.Tick(context.Background())
	if job := status(t, store); job.Status != domain.StatusRemoved {
		t.Fatalf("expected removed after forced remove, got %s", job.Status)
	}

	d.Tick(context.Background())
	if job := status(t, store); job.Status != domain.StatusFinished {
		t.Fatalf("expected finished, got %s", job.Status)
	}
}

func TestDriverCancelsTaskOfAgedJob(t *testing.T) {
	conn := &fakeConnector{power: domain.PowerRunning, block: make(chan struct{})}
	pool := workpool.New(nil, 2)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	d, store := setup(t, conn, pool, labProfile(""))
	putJob(store, domain.StatusConnected, nil)

	d.Tick(context.Background())
	waitFor(t, func() bool { return status(t, store).Status == domain.StatusExecuting })

	d.SetClock(func() time.Time { return created.Add(61 * time.Minute) })
	d.Tick(context.Background())
	waitFor(t, func() bool { return !pool.Busy(jobKey("job-1")) })
	if job := status(t, store); job.Status != domain.StatusError {
		t.Fatalf("expected cancelled execute to fail the job, got %s", job.Status)
	}

	d.Tick(context.Background())
	waitFor(t, func() bool { return !pool.Busy(jobKey("job-1")) && containsStage(conn.stages(), domain.StageStop) })
}

func TestDriverStrandedJobFails(t *testing.T) {
	conn := &fakeConnector{power: domain.PowerNotFound}
	d, store := setup(t, conn, nil, labProfile(""))
	d.SetClock(func() time.Time { return created.Add(2 * time.Hour) })
	putJob(store, domain.StatusConnecting, nil)

	d.Tick(context.Background())

	job := status(t, store)
	if job.Status != domain.StatusError || !strings.Contains(job.Log, "stranded") {
		t.Fatalf("expected stranded job to fail, got %s %q", job.Status, job.Log)
	}
}

func TestDriverErrorCleanupKeepsStatus(t *testing.T) {
	conn := &fakeConnector{power: domain.PowerRunning}
	d, store := setup(t, conn, nil, labProfile(""))
	putJob(store, domain.StatusError, nil)

	d.Tick(context.Background())
	conn.power = domain.PowerStopped
	d.Tick(context.Background())

	job := status(t, store)
	if job.Status != domain.StatusError {
		t.Fatalf("expected error kept, got %s", job.Status)
	}
	if !job.Bookkeeping.Bool(domain.BookCleanupDone) {
		t.Fatalf("expected cleanup done after forced remove")
	}
	// Snapshot instances run again after a revert; cleanup must not loop.
	conn.power = domain.PowerRunning
	d.Tick(context.Background())
	if got := conn.stages(); len(got) != 2 {
		t.Fatalf("expected stop and remove only, got %v", got)
	}
}

func TestDriverUnknownDetectionIsFatal(t *testing.T) {
	conn := &fakeConnector{}
	d, store := setup(t, conn, nil, labProfile("carbonblack"))
	putJob(store, domain.StatusFresh, nil)

	d.Tick(context.Background())

	job := status(t, store)
	if job.Status != domain.StatusError {
		t.Fatalf("expected error, got %s", job.Status)
	}
	if len(conn.stages()) != 0 {
		t.Fatalf("expected no connector calls, got %v", conn.stages())
	}
}

func TestDriverUnknownConnectorIsFatal(t *testing.T) {
	conn := &fakeConnector{}
	profile := labProfile("")
	profile.Connector = "vmware"
	d, store := setup(t, conn, nil, profile)
	putJob(store, domain.StatusInstantiated, nil)

	d.Tick(context.Background())

	if job := status(t, store); job.Status != domain.StatusError || !strings.Contains(job.Log, "unknown connector") {
		t.Fatalf("expected fatal connector error, got %s %q", job.Status, job.Log)
	}
}

func TestDriverWaitsForCloudFinalization(t *testing.T) {
	conn := &fakeConnector{}
	d, store := setup(t, conn, nil, labProfile("defender"))
	putJob(store, domain.StatusRemoved, nil)

	d.Tick(context.Background())
	if job := status(t, store); job.Status != domain.StatusRemoved {
		t.Fatalf("expected removed while reconciliation runs, got %s", job.Status)
	}

	if err := store.SetBookkeeping(context.Background(), "job-1", domain.BookFinalized, true); err != nil {
		t.Fatalf("set bookkeeping: %v", err)
	}
	d.Tick(context.Background())
	if job := status(t, store); job.Status != domain.StatusFinished {
		t.Fatalf("expected finished after finalization, got %s", job.Status)
	}
}

func TestDriverForceStopRequest(t *testing.T) {
	conn := &fakeConnector{}
	d, store := setup(t, conn, nil, labProfile(""))
	putJob(store, domain.StatusConnected, nil)

	if err := d.ForceStop(context.Background(), "job-1"); err != nil {
		t.Fatalf("force stop: %v", err)
	}
	d.Tick(context.Background())

	got := conn.stages()
	if len(got) != 1 || got[0] != domain.StageStop {
		t.Fatalf("expected stop dispatched from request state, got %v", got)
	}
	if job := status(t, store); job.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %s", job.Status)
	}
}

func TestDriverKillCancelsInFlightTask(t *testing.T) {
	conn := &fakeConnector{block: make(chan struct{})}
	pool := workpool.New(nil, 2)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	d, store := setup(t, conn, pool, labProfile(""))
	putJob(store, domain.StatusConnected, nil)

	d.Tick(context.Background())
	waitFor(t, func() bool { return status(t, store).Status == domain.StatusExecuting })

	if err := d.Kill(context.Background(), "job-1"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitFor(t, func() bool { return !pool.Busy(jobKey("job-1")) })
	if job := status(t, store); job.Status != domain.StatusKilled {
		t.Fatalf("expected killed to stick, got %s", job.Status)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{TickInterval: time.Second, MaxJobAge: time.Hour, Workers: 1}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (Config{TickInterval: time.Second, Workers: 0}).Validate(); err == nil {
		t.Fatalf("expected workers error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func containsStage(stages []domain.Stage, want domain.Stage) bool {
	for _, s := range stages {
		if s == want {
			return true
		}
	}
	return false
}
