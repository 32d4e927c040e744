// Package alwayson drives a permanently running host. The backend stages
// only advance the job; connect and execute go through the shared agent
// routines.
package alwayson

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/detonator/internal/connector"
	"github.com/animus-labs/detonator/internal/domain"
)

type Config struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("always-on host address is required")
	}
	return nil
}

type Connector struct {
	rt      *connector.Runtime
	profile domain.Profile
	cfg     Config
}

func New(rt *connector.Runtime, profile domain.Profile) (*Connector, error) {
	var cfg Config
	if err := domain.DecodeConfig(profile.Backend, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Address
	}
	return &Connector{rt: rt, profile: profile, cfg: cfg}, nil
}

func (c *Connector) Kind() domain.ConnectorKind { return domain.ConnectorAlwaysOn }

func (c *Connector) Instantiate(ctx context.Context, job domain.Job) error {
	c.rt.Journal(job, c.Kind()).Logf("using always-on host %s", c.cfg.Address)
	if err := c.rt.SetInstance(ctx, job.ID, c.cfg.Name, c.cfg.Address); err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	return nil
}

func (c *Connector) Connect(ctx context.Context, job domain.Job) error {
	return c.rt.ConnectAgent(ctx, c.withAddress(job), c.profile, c.rt.Journal(job, c.Kind()))
}

func (c *Connector) Execute(ctx context.Context, job domain.Job) error {
	return c.rt.ExecuteSample(ctx, c.withAddress(job), c.profile, c.rt.Journal(job, c.Kind()))
}

func (c *Connector) Stop(context.Context, domain.Job) error { return nil }

func (c *Connector) Remove(context.Context, domain.Job) error { return nil }

// PowerState is unknown: the host is not managed, so forced cleanup never
// acts on it.
func (c *Connector) PowerState(context.Context, domain.Job) (domain.PowerState, error) {
	return domain.PowerUnknown, nil
}

func (c *Connector) withAddress(job domain.Job) domain.Job {
	if job.InstanceAddress == "" {
		job.InstanceAddress = c.cfg.Address
	}
	return job
}
