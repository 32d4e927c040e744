package cloudvm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"github.com/animus-labs/detonator/internal/connector"
	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/repo/memory"
)

type fakeAzure struct {
	mu        sync.Mutex
	resources map[resourceKind]map[string]any
	power     map[string]string
	deletes   []resourceKind
	failOn    resourceKind
}

func newFakeAzure() *fakeAzure {
	return &fakeAzure{resources: map[resourceKind]map[string]any{}, power: map[string]string{}}
}

func (f *fakeAzure) put(kind resourceKind, name string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == f.failOn {
		return &azcore.ResponseError{ErrorCode: "QuotaExceeded", StatusCode: http.StatusConflict}
	}
	if f.resources[kind] == nil {
		f.resources[kind] = map[string]any{}
	}
	f.resources[kind][name] = body
	return nil
}

func (f *fakeAzure) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, byName := range f.resources {
		n += len(byName)
	}
	return n
}

func (f *fakeAzure) CreateSecurityGroup(_ context.Context, name string, nsg armnetwork.SecurityGroup) error {
	return classify(name, f.put(kindNSG, name, nsg))
}

func (f *fakeAzure) CreateVirtualNetwork(_ context.Context, name string, vnet armnetwork.VirtualNetwork) error {
	return classify(name, f.put(kindVNet, name, vnet))
}

func (f *fakeAzure) CreatePublicIP(_ context.Context, name string, ip armnetwork.PublicIPAddress) error {
	return classify(name, f.put(kindPublicIP, name, ip))
}

func (f *fakeAzure) PublicIPAddress(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[kindPublicIP][name]; !ok {
		return "", classify(name, &azcore.ResponseError{StatusCode: http.StatusNotFound})
	}
	return "20.1.2.3", nil
}

func (f *fakeAzure) CreateInterface(_ context.Context, name string, nic armnetwork.Interface) error {
	return classify(name, f.put(kindNIC, name, nic))
}

func (f *fakeAzure) CreateVM(_ context.Context, name string, vm armcompute.VirtualMachine) error {
	if err := f.put(kindVM, name, vm); err != nil {
		return classify(name, err)
	}
	f.mu.Lock()
	f.power[name] = "running"
	f.mu.Unlock()
	return nil
}

func (f *fakeAzure) DeallocateVM(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.power[name]; !ok {
		return classify(name, &azcore.ResponseError{StatusCode: http.StatusNotFound})
	}
	f.power[name] = "deallocated"
	return nil
}

func (f *fakeAzure) InstanceView(_ context.Context, name string) (*armcompute.VirtualMachineInstanceView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.power[name]
	if !ok {
		return nil, classify(name, &azcore.ResponseError{StatusCode: http.StatusNotFound})
	}
	return &armcompute.VirtualMachineInstanceView{Statuses: []*armcompute.InstanceViewStatus{
		{Code: to.Ptr("ProvisioningState/succeeded")},
		{Code: to.Ptr("PowerState/" + state)},
	}}, nil
}

func (f *fakeAzure) Delete(_ context.Context, kind resourceKind, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[kind][name]; !ok {
		return classify(name, &azcore.ResponseError{StatusCode: http.StatusNotFound})
	}
	delete(f.resources[kind], name)
	if kind == kindVM {
		delete(f.power, name)
	}
	f.deletes = append(f.deletes, kind)
	return nil
}

func setup(t *testing.T) (*Connector, *fakeAzure, *memory.Store, domain.Job) {
	t.Helper()
	az := newFakeAzure()

	store := memory.NewStore()
	job := domain.Job{ID: "3f2a8c1e-5b7d-4e0f-9a61-2c4b8d0e7f13", FileID: "f1", ProfileName: "azure-win10", Status: domain.StatusInstantiating, CreatedAt: time.Now()}
	store.PutJob(job)

	rt := &connector.Runtime{
		Jobs:   store,
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Sleep:  func(context.Context, time.Duration) error { return nil },
	}
	cfg := Config{
		TenantID: "t", ClientID: "c", ClientSecret: "s", SubscriptionID: "sub-1",
		ResourceGroup: "detonation", Location: "westeurope", ImageID: "/images/win10",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	cfg.applyDefaults()
	profile := domain.Profile{Name: "azure-win10", Connector: "cloudvm", AgentPort: 8080, TracePort: 8081, Password: "Secr3t!"}
	return newWithProvider(rt, profile, cfg, az), az, store, job
}

func TestInstantiateCreatesResourcesAndRecordsAddress(t *testing.T) {
	c, az, store, job := setup(t)
	ctx := context.Background()

	if err := c.Instantiate(ctx, job); err != nil {
		t.Fatalf("Instantiate() err=%v", err)
	}
	if n := az.count(); n != 5 {
		t.Fatalf("resources=%d, want 5", n)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.InstanceName != "det-3f2a8c1e5b7d4e0f" || got.InstanceAddress != "20.1.2.3" {
		t.Fatalf("instance=%q address=%q", got.InstanceName, got.InstanceAddress)
	}
	if !strings.Contains(got.Log, "ready at 20.1.2.3") {
		t.Fatalf("log=%q", got.Log)
	}
	state, err := c.PowerState(ctx, got)
	if err != nil || state != domain.PowerRunning {
		t.Fatalf("PowerState() = %s, %v", state, err)
	}
}

func TestInstantiateBuildsLinkedResources(t *testing.T) {
	c, az, _, job := setup(t)
	if err := c.Instantiate(context.Background(), job); err != nil {
		t.Fatalf("Instantiate() err=%v", err)
	}
	n := namesFor(connector.InstanceName(job))

	nsg := az.resources[kindNSG][n.nsg].(armnetwork.SecurityGroup)
	rules := nsg.Properties.SecurityRules
	if len(rules) != 2 || *rules[0].Properties.DestinationPortRange != "8080" || *rules[1].Properties.DestinationPortRange != "8081" {
		t.Fatalf("unexpected rules %+v", rules)
	}
	if *nsg.Tags["detonator-job"] != job.ID {
		t.Fatalf("tags=%v", nsg.Tags)
	}

	nic := az.resources[kindNIC][n.nic].(armnetwork.Interface)
	ipcfg := nic.Properties.IPConfigurations[0].Properties
	if !strings.HasSuffix(*ipcfg.Subnet.ID, "/virtualNetworks/"+n.vnet+"/subnets/default") {
		t.Fatalf("subnet id=%s", *ipcfg.Subnet.ID)
	}
	if !strings.HasPrefix(*ipcfg.PublicIPAddress.ID, "/subscriptions/sub-1/resourceGroups/detonation/") {
		t.Fatalf("public ip id=%s", *ipcfg.PublicIPAddress.ID)
	}

	vm := az.resources[kindVM][n.vm].(armcompute.VirtualMachine)
	props := vm.Properties
	if *props.StorageProfile.OSDisk.DeleteOption != armcompute.DiskDeleteOptionTypesDelete {
		t.Fatalf("os disk is not deleted with the vm")
	}
	if *props.StorageProfile.ImageReference.ID != "/images/win10" {
		t.Fatalf("image=%v", props.StorageProfile.ImageReference)
	}
	if len(*props.OSProfile.ComputerName) > 15 {
		t.Fatalf("computer name %q too long", *props.OSProfile.ComputerName)
	}
	if *props.OSProfile.AdminPassword != "Secr3t!" || string(*props.HardwareProfile.VMSize) != "Standard_B2s" {
		t.Fatalf("unexpected os/hardware profile")
	}
}

func TestInstantiateReportsConflict(t *testing.T) {
	c, az, store, job := setup(t)
	az.failOn = kindPublicIP
	ctx := context.Background()

	err := c.Instantiate(ctx, job)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Instantiate() err=%v, want ErrConflict", err)
	}
	if !strings.Contains(err.Error(), "create public address") || !strings.Contains(err.Error(), "QuotaExceeded") {
		t.Fatalf("err=%v", err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.InstanceName == "" {
		t.Fatalf("instance name must be recorded before creation so cleanup can find partial resources")
	}
}

func TestStopDeallocates(t *testing.T) {
	c, _, store, job := setup(t)
	ctx := context.Background()
	if err := c.Instantiate(ctx, job); err != nil {
		t.Fatalf("Instantiate() err=%v", err)
	}
	job, _ = store.GetJob(ctx, job.ID)

	if err := c.Stop(ctx, job); err != nil {
		t.Fatalf("Stop() err=%v", err)
	}
	state, _ := c.PowerState(ctx, job)
	if state != domain.PowerDeallocated || !state.Present() {
		t.Fatalf("state=%s", state)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	c, az, store, job := setup(t)
	ctx := context.Background()
	if err := c.Instantiate(ctx, job); err != nil {
		t.Fatalf("Instantiate() err=%v", err)
	}
	job, _ = store.GetJob(ctx, job.ID)

	if err := c.Remove(ctx, job); err != nil {
		t.Fatalf("first Remove() err=%v", err)
	}
	if az.count() != 0 || len(az.deletes) != 5 {
		t.Fatalf("resources=%d deletes=%d", az.count(), len(az.deletes))
	}
	if az.deletes[0] != kindVM || az.deletes[4] != kindNSG {
		t.Fatalf("unexpected delete order: %v", az.deletes)
	}
	if err := c.Remove(ctx, job); err != nil {
		t.Fatalf("second Remove() err=%v", err)
	}
	state, err := c.PowerState(ctx, job)
	if err != nil || state != domain.PowerNotFound {
		t.Fatalf("PowerState() = %s, %v", state, err)
	}
}

func TestStopMissingVMSucceeds(t *testing.T) {
	c, _, _, job := setup(t)
	job.InstanceName = "det-gone"
	if err := c.Stop(context.Background(), job); err != nil {
		t.Fatalf("Stop() err=%v", err)
	}
}

func TestClassifyMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, connector.ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusConflict, ErrConflict},
	}
	for _, tc := range cases {
		err := classify("det-x", &azcore.ResponseError{StatusCode: tc.status})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err=%v, want %v", tc.status, err, tc.want)
		}
	}
	plain := errors.New("dial tcp: timeout")
	if err := classify("det-x", plain); err != plain {
		t.Fatalf("non-ARM errors must pass through, got %v", err)
	}
}

func TestConfigValidateRequiresImage(t *testing.T) {
	cfg := Config{TenantID: "t", ClientID: "c", ClientSecret: "s", SubscriptionID: "s", ResourceGroup: "rg", Location: "l"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected image error")
	}
	cfg.ImagePublisher, cfg.ImageOffer, cfg.ImageSKU = "MicrosoftWindowsDesktop", "windows-10", "win10-22h2-pro"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	cfg.Cloud = "moon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown cloud error")
	}
	cfg.Cloud = "government"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}
