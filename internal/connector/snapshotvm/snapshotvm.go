// Package snapshotvm reuses a pre-existing Proxmox VM per profile and
// reverts it to a clean snapshot after every job.
package snapshotvm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/detonator/internal/connector"
	"github.com/animus-labs/detonator/internal/domain"
)

type Config struct {
	APIURL      string `json:"api_url"`
	Node        string `json:"node"`
	VMID        int    `json:"vmid"`
	Snapshot    string `json:"snapshot"`
	TokenID     string `json:"token_id"`
	TokenSecret string `json:"token_secret"`
	Address     string `json:"address"`
	// CACert is a PEM bundle for self-signed Proxmox certificates.
	CACert       string          `json:"ca_cert"`
	Warmup       domain.Duration `json:"warmup"`
	PollInterval domain.Duration `json:"poll_interval"`
	PollTimeout  domain.Duration `json:"poll_timeout"`
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.APIURL) == "":
		return errors.New("snapshotvm api_url is required")
	case strings.TrimSpace(c.Node) == "":
		return errors.New("snapshotvm node is required")
	case c.VMID <= 0:
		return errors.New("snapshotvm vmid is required")
	case strings.TrimSpace(c.Snapshot) == "":
		return errors.New("snapshotvm snapshot is required")
	case strings.TrimSpace(c.TokenID) == "" || strings.TrimSpace(c.TokenSecret) == "":
		return errors.New("snapshotvm token_id and token_secret are required")
	case strings.TrimSpace(c.Address) == "":
		return errors.New("snapshotvm address is required")
	}
	return nil
}

type Connector struct {
	rt      *connector.Runtime
	profile domain.Profile
	cfg     Config
	pve     hypervisor
}

// New builds a connector for profile. warmup applies when the profile does
// not set its own.
func New(rt *connector.Runtime, profile domain.Profile, warmup time.Duration) (*Connector, error) {
	var cfg Config
	if err := domain.DecodeConfig(profile.Backend, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(warmup)
	pve, err := newPVEHypervisor(cfg)
	if err != nil {
		return nil, err
	}
	return newWithHypervisor(rt, profile, cfg, pve), nil
}

func (c *Config) applyDefaults(warmup time.Duration) {
	if c.Warmup <= 0 {
		c.Warmup = domain.Duration(warmup)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = domain.Duration(2 * time.Second)
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = domain.Duration(5 * time.Minute)
	}
}

func newWithHypervisor(rt *connector.Runtime, profile domain.Profile, cfg Config, pve hypervisor) *Connector {
	return &Connector{rt: rt, profile: profile, cfg: cfg, pve: pve}
}

func (c *Connector) Kind() domain.ConnectorKind { return domain.ConnectorSnapshotVM }

func (c *Connector) instanceName() string {
	return c.cfg.Node + "/" + strconv.Itoa(c.cfg.VMID)
}

// Instantiate starts the VM unless it already runs.
func (c *Connector) Instantiate(ctx context.Context, job domain.Job) error {
	journal := c.rt.Journal(job, c.Kind())
	if err := c.rt.SetInstance(ctx, job.ID, c.instanceName(), c.cfg.Address); err != nil {
		return err
	}
	st, err := c.pve.Status(ctx)
	if err != nil {
		return fmt.Errorf("vm status: %w", err)
	}
	if st.Status == "running" {
		journal.Logf("vm %s already running", c.instanceName())
		return nil
	}
	journal.Logf("starting vm %s", c.instanceName())
	if err := c.pve.Start(ctx); err != nil {
		return fmt.Errorf("start vm: %w", err)
	}
	return nil
}

func (c *Connector) Connect(ctx context.Context, job domain.Job) error {
	return c.rt.ConnectAgent(ctx, c.withAddress(job), c.profile, c.rt.Journal(job, c.Kind()))
}

func (c *Connector) Execute(ctx context.Context, job domain.Job) error {
	return c.rt.ExecuteSample(ctx, c.withAddress(job), c.profile, c.rt.Journal(job, c.Kind()))
}

func (c *Connector) Stop(ctx context.Context, job domain.Job) error {
	journal := c.rt.Journal(job, c.Kind())
	st, err := c.pve.Status(ctx)
	if errors.Is(err, connector.ErrNotFound) {
		journal.Logf("vm %s not found, nothing to stop", c.instanceName())
		return nil
	}
	if err != nil {
		return fmt.Errorf("vm status: %w", err)
	}
	if st.Status == "stopped" {
		return nil
	}
	journal.Logf("stopping vm %s", c.instanceName())
	if err := connector.IgnoreNotFound(c.pve.Stop(ctx)); err != nil {
		return fmt.Errorf("stop vm: %w", err)
	}
	return nil
}

// Remove reverts the VM to its clean snapshot and boots it again, then
// waits for the endpoint-detection agent inside to re-arm.
func (c *Connector) Remove(ctx context.Context, job domain.Job) error {
	journal := c.rt.Journal(job, c.Kind())
	if err := c.Stop(ctx, job); err != nil {
		return err
	}
	journal.Logf("reverting vm %s to snapshot %q", c.instanceName(), c.cfg.Snapshot)
	err := c.pve.Rollback(ctx, c.cfg.Snapshot)
	if errors.Is(err, connector.ErrNotFound) {
		journal.Logf("vm %s not found, nothing to revert", c.instanceName())
		return nil
	}
	if err != nil {
		return fmt.Errorf("revert snapshot: %w", err)
	}
	if err := c.waitUnlocked(ctx); err != nil {
		return err
	}
	journal.Logf("starting vm %s after revert", c.instanceName())
	if err := c.pve.Start(ctx); err != nil {
		return fmt.Errorf("start vm: %w", err)
	}
	journal.Logf("waiting %s for vm warm-up", c.cfg.Warmup.Std())
	return c.rt.Wait(ctx, c.cfg.Warmup.Std())
}

func (c *Connector) PowerState(ctx context.Context, _ domain.Job) (domain.PowerState, error) {
	st, err := c.pve.Status(ctx)
	if errors.Is(err, connector.ErrNotFound) {
		return domain.PowerNotFound, nil
	}
	if err != nil {
		return domain.PowerError, fmt.Errorf("vm status: %w", err)
	}
	switch st.Status {
	case "running":
		return domain.PowerRunning, nil
	case "stopped":
		return domain.PowerStopped, nil
	default:
		return domain.PowerUnknown, nil
	}
}

// waitUnlocked polls until Proxmox clears the rollback lock on the VM.
func (c *Connector) waitUnlocked(ctx context.Context) error {
	for attempt := 0; attempt < 30; attempt++ {
		st, err := c.pve.Status(ctx)
		if err != nil {
			return fmt.Errorf("vm status: %w", err)
		}
		if st.Lock == "" {
			return nil
		}
		if err := c.rt.Wait(ctx, c.cfg.PollInterval.Std()); err != nil {
			return err
		}
	}
	return fmt.Errorf("vm %s still locked after revert", c.instanceName())
}

func (c *Connector) withAddress(job domain.Job) domain.Job {
	if job.InstanceAddress == "" {
		job.InstanceAddress = c.cfg.Address
	}
	return job
}
