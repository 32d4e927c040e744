package snapshotvm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/luthermonson/go-proxmox"

	"github.com/animus-labs/detonator/internal/connector"
)

// vmState is the subset of a Proxmox VM status the connector reads.
type vmState struct {
	Status string
	Lock   string
}

// hypervisor drives one VM. Actions return after the Proxmox task ends.
type hypervisor interface {
	Status(ctx context.Context) (vmState, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Rollback(ctx context.Context, snapshot string) error
}

type pveHypervisor struct {
	client   *proxmox.Client
	node     string
	vmid     int
	interval time.Duration
	timeout  time.Duration
}

func newPVEHypervisor(cfg Config) (*pveHypervisor, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(cfg.CACert) != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(cfg.CACert)) {
			return nil, errors.New("snapshotvm ca_cert is not valid PEM")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	base := strings.TrimRight(cfg.APIURL, "/")
	if !strings.HasSuffix(base, "/api2/json") {
		base += "/api2/json"
	}
	client := proxmox.NewClient(base,
		proxmox.WithAPIToken(cfg.TokenID, cfg.TokenSecret),
		proxmox.WithHTTPClient(&http.Client{Transport: transport, Timeout: 30 * time.Second}),
	)
	return &pveHypervisor{
		client:   client,
		node:     cfg.Node,
		vmid:     cfg.VMID,
		interval: cfg.PollInterval.Std(),
		timeout:  cfg.PollTimeout.Std(),
	}, nil
}

func (h *pveHypervisor) vm(ctx context.Context) (*proxmox.VirtualMachine, error) {
	node, err := h.client.Node(ctx, h.node)
	if err != nil {
		return nil, classify(fmt.Sprintf("node %s", h.node), err)
	}
	vm, err := node.VirtualMachine(ctx, h.vmid)
	if err != nil {
		return nil, classify(fmt.Sprintf("vm %s/%d", h.node, h.vmid), err)
	}
	return vm, nil
}

func (h *pveHypervisor) Status(ctx context.Context) (vmState, error) {
	vm, err := h.vm(ctx)
	if err != nil {
		return vmState{}, err
	}
	return vmState{Status: vm.Status, Lock: vm.Lock}, nil
}

func (h *pveHypervisor) Start(ctx context.Context) error {
	return h.run(ctx, "start", func(vm *proxmox.VirtualMachine) (*proxmox.Task, error) { return vm.Start(ctx) })
}

func (h *pveHypervisor) Stop(ctx context.Context) error {
	return h.run(ctx, "stop", func(vm *proxmox.VirtualMachine) (*proxmox.Task, error) { return vm.Stop(ctx) })
}

func (h *pveHypervisor) Rollback(ctx context.Context, snapshot string) error {
	return h.run(ctx, "rollback "+snapshot, func(vm *proxmox.VirtualMachine) (*proxmox.Task, error) {
		return vm.SnapshotRollback(ctx, snapshot)
	})
}

func (h *pveHypervisor) run(ctx context.Context, action string, call func(*proxmox.VirtualMachine) (*proxmox.Task, error)) error {
	vm, err := h.vm(ctx)
	if err != nil {
		return err
	}
	task, err := call(vm)
	if err != nil {
		return classify(action, err)
	}
	if task == nil {
		return nil
	}
	if err := task.Wait(ctx, h.interval, h.timeout); err != nil {
		return fmt.Errorf("%s task %s: %w", action, task.UPID, err)
	}
	if task.IsFailed {
		return fmt.Errorf("%s task %s failed: %s", action, task.UPID, task.ExitStatus)
	}
	return nil
}

// classify maps Proxmox errors onto connector.ErrNotFound. The API reports
// a missing VM config as a 500 whose message says it does not exist.
func classify(what string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found") {
		return fmt.Errorf("%w: %s", connector.ErrNotFound, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}
