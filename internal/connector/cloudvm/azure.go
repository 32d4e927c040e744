package cloudvm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"github.com/animus-labs/detonator/internal/connector"
)

var (
	ErrUnauthorized = errors.New("azure request unauthorized")
	ErrForbidden    = errors.New("azure request forbidden")
	ErrConflict     = errors.New("azure resource conflict")
)

type resourceKind string

const (
	kindVM       resourceKind = "virtual machine"
	kindNIC      resourceKind = "network interface"
	kindPublicIP resourceKind = "public address"
	kindVNet     resourceKind = "virtual network"
	kindNSG      resourceKind = "network security group"
)

// provider is the part of Azure Resource Manager a job's VM needs. Every
// mutating call returns once the long-running operation has settled.
type provider interface {
	CreateSecurityGroup(ctx context.Context, name string, nsg armnetwork.SecurityGroup) error
	CreateVirtualNetwork(ctx context.Context, name string, vnet armnetwork.VirtualNetwork) error
	CreatePublicIP(ctx context.Context, name string, ip armnetwork.PublicIPAddress) error
	PublicIPAddress(ctx context.Context, name string) (string, error)
	CreateInterface(ctx context.Context, name string, nic armnetwork.Interface) error
	CreateVM(ctx context.Context, name string, vm armcompute.VirtualMachine) error
	DeallocateVM(ctx context.Context, name string) error
	InstanceView(ctx context.Context, name string) (*armcompute.VirtualMachineInstanceView, error)
	Delete(ctx context.Context, kind resourceKind, name string) error
}

func cloudConfig(name string) (cloud.Configuration, error) {
	switch name {
	case "", "public":
		return cloud.AzurePublic, nil
	case "government":
		return cloud.AzureGovernment, nil
	case "china":
		return cloud.AzureChina, nil
	default:
		return cloud.Configuration{}, fmt.Errorf("cloudvm cloud %q is not one of public, government, china", name)
	}
}

type armProvider struct {
	rg      string
	timeout time.Duration
	poll    *runtime.PollUntilDoneOptions

	nsgs  *armnetwork.SecurityGroupsClient
	vnets *armnetwork.VirtualNetworksClient
	ips   *armnetwork.PublicIPAddressesClient
	nics  *armnetwork.InterfacesClient
	vms   *armcompute.VirtualMachinesClient
}

func newARMProvider(cfg Config) (*armProvider, error) {
	cc, err := cloudConfig(cfg.Cloud)
	if err != nil {
		return nil, err
	}
	opts := azcore.ClientOptions{Cloud: cc}
	cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret,
		&azidentity.ClientSecretCredentialOptions{ClientOptions: opts})
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	armOpts := &arm.ClientOptions{ClientOptions: opts}

	p := &armProvider{
		rg:      cfg.ResourceGroup,
		timeout: cfg.PollTimeout.Std(),
		poll:    &runtime.PollUntilDoneOptions{Frequency: cfg.PollInterval.Std()},
	}
	if p.nsgs, err = armnetwork.NewSecurityGroupsClient(cfg.SubscriptionID, cred, armOpts); err != nil {
		return nil, err
	}
	if p.vnets, err = armnetwork.NewVirtualNetworksClient(cfg.SubscriptionID, cred, armOpts); err != nil {
		return nil, err
	}
	if p.ips, err = armnetwork.NewPublicIPAddressesClient(cfg.SubscriptionID, cred, armOpts); err != nil {
		return nil, err
	}
	if p.nics, err = armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, armOpts); err != nil {
		return nil, err
	}
	if p.vms, err = armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, armOpts); err != nil {
		return nil, err
	}
	return p, nil
}

// settle waits for a long-running operation under the configured timeout.
func settle[T any](ctx context.Context, p *armProvider, name string, poller *runtime.Poller[T], err error) error {
	if err != nil {
		return classify(name, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := poller.PollUntilDone(ctx, p.poll); err != nil {
		return classify(name, err)
	}
	return nil
}

func (p *armProvider) CreateSecurityGroup(ctx context.Context, name string, nsg armnetwork.SecurityGroup) error {
	poller, err := p.nsgs.BeginCreateOrUpdate(ctx, p.rg, name, nsg, nil)
	return settle(ctx, p, name, poller, err)
}

func (p *armProvider) CreateVirtualNetwork(ctx context.Context, name string, vnet armnetwork.VirtualNetwork) error {
	poller, err := p.vnets.BeginCreateOrUpdate(ctx, p.rg, name, vnet, nil)
	return settle(ctx, p, name, poller, err)
}

func (p *armProvider) CreatePublicIP(ctx context.Context, name string, ip armnetwork.PublicIPAddress) error {
	poller, err := p.ips.BeginCreateOrUpdate(ctx, p.rg, name, ip, nil)
	return settle(ctx, p, name, poller, err)
}

func (p *armProvider) PublicIPAddress(ctx context.Context, name string) (string, error) {
	resp, err := p.ips.Get(ctx, p.rg, name, nil)
	if err != nil {
		return "", classify(name, err)
	}
	if resp.Properties == nil || resp.Properties.IPAddress == nil {
		return "", nil
	}
	return *resp.Properties.IPAddress, nil
}

func (p *armProvider) CreateInterface(ctx context.Context, name string, nic armnetwork.Interface) error {
	poller, err := p.nics.BeginCreateOrUpdate(ctx, p.rg, name, nic, nil)
	return settle(ctx, p, name, poller, err)
}

func (p *armProvider) CreateVM(ctx context.Context, name string, vm armcompute.VirtualMachine) error {
	poller, err := p.vms.BeginCreateOrUpdate(ctx, p.rg, name, vm, nil)
	return settle(ctx, p, name, poller, err)
}

func (p *armProvider) DeallocateVM(ctx context.Context, name string) error {
	poller, err := p.vms.BeginDeallocate(ctx, p.rg, name, nil)
	return settle(ctx, p, name, poller, err)
}

func (p *armProvider) InstanceView(ctx context.Context, name string) (*armcompute.VirtualMachineInstanceView, error) {
	resp, err := p.vms.InstanceView(ctx, p.rg, name, nil)
	if err != nil {
		return nil, classify(name, err)
	}
	return &resp.VirtualMachineInstanceView, nil
}

func (p *armProvider) Delete(ctx context.Context, kind resourceKind, name string) error {
	switch kind {
	case kindVM:
		poller, err := p.vms.BeginDelete(ctx, p.rg, name, nil)
		return settle(ctx, p, name, poller, err)
	case kindNIC:
		poller, err := p.nics.BeginDelete(ctx, p.rg, name, nil)
		return settle(ctx, p, name, poller, err)
	case kindPublicIP:
		poller, err := p.ips.BeginDelete(ctx, p.rg, name, nil)
		return settle(ctx, p, name, poller, err)
	case kindVNet:
		poller, err := p.vnets.BeginDelete(ctx, p.rg, name, nil)
		return settle(ctx, p, name, poller, err)
	case kindNSG:
		poller, err := p.nsgs.BeginDelete(ctx, p.rg, name, nil)
		return settle(ctx, p, name, poller, err)
	default:
		return fmt.Errorf("unknown resource kind %q", kind)
	}
}

// classify maps ARM response codes onto the connector's sentinels.
func classify(name string, err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", connector.ErrNotFound, name)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s (%s)", ErrUnauthorized, name, respErr.ErrorCode)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", ErrForbidden, name, respErr.ErrorCode)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s (%s)", ErrConflict, name, respErr.ErrorCode)
	default:
		return err
	}
}
