// Package cloudvm provisions a throwaway Azure VM per job: network security
// group, virtual network, public address, network interface and VM.
package cloudvm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/detonator/internal/connector"
	"github.com/animus-labs/detonator/internal/domain"
)

type Config struct {
	TenantID       string `json:"tenant_id"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	SubscriptionID string `json:"subscription_id"`
	ResourceGroup  string `json:"resource_group"`
	Location       string `json:"location"`
	VMSize         string `json:"vm_size"`
	ImageID        string `json:"image_id"`
	ImagePublisher string `json:"image_publisher"`
	ImageOffer     string `json:"image_offer"`
	ImageSKU       string `json:"image_sku"`
	ImageVersion   string `json:"image_version"`
	AdminUsername  string `json:"admin_username"`
	// AllowedSource limits inbound agent traffic, "*" when empty.
	AllowedSource string `json:"allowed_source"`
	AddressSpace  string `json:"address_space"`
	SubnetPrefix  string `json:"subnet_prefix"`
	// Cloud selects the sovereign cloud: public, government or china.
	Cloud        string          `json:"cloud"`
	PollInterval domain.Duration `json:"poll_interval"`
	PollTimeout  domain.Duration `json:"poll_timeout"`
}

func (c *Config) applyDefaults() {
	if c.VMSize == "" {
		c.VMSize = "Standard_B2s"
	}
	if c.AdminUsername == "" {
		c.AdminUsername = "detonator"
	}
	if c.AllowedSource == "" {
		c.AllowedSource = "*"
	}
	if c.AddressSpace == "" {
		c.AddressSpace = "10.77.0.0/16"
	}
	if c.SubnetPrefix == "" {
		c.SubnetPrefix = "10.77.1.0/24"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = domain.Duration(5 * time.Second)
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = domain.Duration(15 * time.Minute)
	}
}

func (c Config) Validate() error {
	required := map[string]string{
		"tenant_id":       c.TenantID,
		"client_id":       c.ClientID,
		"client_secret":   c.ClientSecret,
		"subscription_id": c.SubscriptionID,
		"resource_group":  c.ResourceGroup,
		"location":        c.Location,
	}
	for _, key := range []string{"tenant_id", "client_id", "client_secret", "subscription_id", "resource_group", "location"} {
		if strings.TrimSpace(required[key]) == "" {
			return fmt.Errorf("cloudvm %s is required", key)
		}
	}
	if c.ImageID == "" && (c.ImagePublisher == "" || c.ImageOffer == "" || c.ImageSKU == "") {
		return errors.New("cloudvm image_id or image_publisher/image_offer/image_sku is required")
	}
	if _, err := cloudConfig(c.Cloud); err != nil {
		return err
	}
	return nil
}

type Connector struct {
	rt      *connector.Runtime
	profile domain.Profile
	cfg     Config
	az      provider
}

// New builds a connector for profile on a client-secret credential. The
// SDK caches and refreshes the token.
func New(rt *connector.Runtime, profile domain.Profile) (*Connector, error) {
	var cfg Config
	if err := domain.DecodeConfig(profile.Backend, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if strings.TrimSpace(profile.Password) == "" {
		return nil, errors.New("cloudvm profile needs a password for the VM admin account")
	}
	az, err := newARMProvider(cfg)
	if err != nil {
		return nil, err
	}
	return newWithProvider(rt, profile, cfg, az), nil
}

func newWithProvider(rt *connector.Runtime, profile domain.Profile, cfg Config, az provider) *Connector {
	return &Connector{rt: rt, profile: profile, cfg: cfg, az: az}
}

func (c *Connector) Kind() domain.ConnectorKind { return domain.ConnectorCloudVM }

func (c *Connector) Instantiate(ctx context.Context, job domain.Job) error {
	journal := c.rt.Journal(job, c.Kind())
	instance := connector.InstanceName(job)
	// Record the name first so cleanup can find partially created resources.
	if err := c.rt.SetInstance(ctx, job.ID, instance, ""); err != nil {
		return err
	}
	n := namesFor(instance)
	tags := jobTags(job.ID, c.profile.Name)

	steps := []struct {
		kind   resourceKind
		create func() error
	}{
		{kindNSG, func() error { return c.az.CreateSecurityGroup(ctx, n.nsg, c.securityGroup(tags)) }},
		{kindVNet, func() error { return c.az.CreateVirtualNetwork(ctx, n.vnet, c.virtualNetwork(n, tags)) }},
		{kindPublicIP, func() error { return c.az.CreatePublicIP(ctx, n.ip, c.publicIP(tags)) }},
		{kindNIC, func() error { return c.az.CreateInterface(ctx, n.nic, c.networkInterface(n, tags)) }},
		{kindVM, func() error { return c.az.CreateVM(ctx, n.vm, c.virtualMachine(n, tags)) }},
	}
	for _, step := range steps {
		journal.Logf("creating %s", step.kind)
		if err := step.create(); err != nil {
			return fmt.Errorf("create %s: %w", step.kind, err)
		}
	}

	ip, err := c.az.PublicIPAddress(ctx, n.ip)
	if err != nil {
		return fmt.Errorf("read public address: %w", err)
	}
	address := strings.TrimSpace(ip)
	if address == "" {
		return errors.New("public address not assigned")
	}
	if err := c.rt.SetInstance(ctx, job.ID, instance, address); err != nil {
		return err
	}
	journal.Logf("vm %s ready at %s", instance, address)
	return nil
}

func (c *Connector) Connect(ctx context.Context, job domain.Job) error {
	return c.rt.ConnectAgent(ctx, job, c.profile, c.rt.Journal(job, c.Kind()))
}

func (c *Connector) Execute(ctx context.Context, job domain.Job) error {
	return c.rt.ExecuteSample(ctx, job, c.profile, c.rt.Journal(job, c.Kind()))
}

// Stop deallocates the VM. A missing VM counts as stopped.
func (c *Connector) Stop(ctx context.Context, job domain.Job) error {
	if job.InstanceName == "" {
		return nil
	}
	journal := c.rt.Journal(job, c.Kind())
	journal.Logf("deallocating vm %s", job.InstanceName)
	if err := c.az.DeallocateVM(ctx, job.InstanceName); err != nil {
		if errors.Is(err, connector.ErrNotFound) {
			journal.Logf("vm %s already gone", job.InstanceName)
			return nil
		}
		return fmt.Errorf("deallocate vm: %w", err)
	}
	state, err := c.PowerState(ctx, job)
	if err != nil {
		return err
	}
	switch state {
	case domain.PowerDeallocated, domain.PowerStopped, domain.PowerNotFound:
		journal.Logf("vm %s is %s", job.InstanceName, state)
		return nil
	default:
		return fmt.Errorf("vm %s still %s after deallocate", job.InstanceName, state)
	}
}

// Remove deletes all five resources in dependency order. Resources that are
// already absent count as deleted.
func (c *Connector) Remove(ctx context.Context, job domain.Job) error {
	if job.InstanceName == "" {
		return nil
	}
	journal := c.rt.Journal(job, c.Kind())
	n := namesFor(job.InstanceName)
	steps := []struct {
		kind resourceKind
		name string
	}{
		{kindVM, n.vm},
		{kindNIC, n.nic},
		{kindPublicIP, n.ip},
		{kindVNet, n.vnet},
		{kindNSG, n.nsg},
	}
	for _, step := range steps {
		err := c.az.Delete(ctx, step.kind, step.name)
		if errors.Is(err, connector.ErrNotFound) {
			journal.Logf("%s already absent", step.kind)
			continue
		}
		if err != nil {
			return fmt.Errorf("delete %s: %w", step.kind, err)
		}
		journal.Logf("deleted %s", step.kind)
	}
	return nil
}

func (c *Connector) PowerState(ctx context.Context, job domain.Job) (domain.PowerState, error) {
	if job.InstanceName == "" {
		return domain.PowerNotFound, nil
	}
	view, err := c.az.InstanceView(ctx, job.InstanceName)
	if errors.Is(err, connector.ErrNotFound) {
		return domain.PowerNotFound, nil
	}
	if err != nil {
		return domain.PowerError, fmt.Errorf("vm instance view: %w", err)
	}
	for _, s := range view.Statuses {
		if s == nil || s.Code == nil {
			continue
		}
		code, ok := strings.CutPrefix(*s.Code, "PowerState/")
		if !ok {
			continue
		}
		switch code {
		case "running", "starting":
			return domain.PowerRunning, nil
		case "stopped", "stopping":
			return domain.PowerStopped, nil
		case "deallocated", "deallocating":
			return domain.PowerDeallocated, nil
		}
	}
	return domain.PowerUnknown, nil
}
