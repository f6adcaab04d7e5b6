/*
Copyright 2026 The Netenforcer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package agent wires the enforcer's components into a running process:
// startup topology install, RPC registration, and signal-driven shutdown.
// It is the daemon's single entry point and composition root.
package agent

import (
	"context"
	"fmt"
	"net"
	"net/rpc"

	"github.com/vishvananda/netlink"
	"k8s.io/klog/v2"

	"github.com/netenforcer/netenforcer/pkg/netenforcer/clients"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/config"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/handles"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/metrics"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/occupancy"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/reconcile"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/rpcsvc"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/tc"
)

// driver is the full set of TC Driver operations the agent needs across
// startup topology install, the Reconciliation Engine and the Occupancy
// Accountant. *tc.Driver satisfies it without this package importing tc's
// concrete type for anything but construction, which keeps Run testable
// against a fake.
type driver interface {
	InstallRootHtb(defaultMinor uint32) error
	RemoveRoot() error
	AddHtbQdisc(parentHandle, parentMinor, childHandle, defaultMinor uint32) error
	AddHtbClass(parentHandle, minor uint32, rate, ceil, burst, cburst uint64, prio uint32) error
	AddDsmarkQdisc(parentHandle, parentMinor, handle, indices, defaultIndex uint32) error
	SetDsmarkDscp(handle, minor uint32, mask, value uint8) error
	AddIp4Filter(parentHandle, prio, dst, src, flowHandle, flowMinor uint32) error
	RemoveFilter(parentHandle, prio uint32) error
	RemoveQdisc(parent, parentMinor, childHandle uint32) error
	RemoveClass(parent, minor uint32) error
	ReadSentBytes(parent, minor uint32) (uint64, error)
}

// Agent owns every live component and the listener serving the RPC
// surface.
type Agent struct {
	cfg       *config.Configuration
	driver    driver
	allocator handles.Allocator
	table     *clients.Table
	metrics   *metrics.Registry
	listener  net.Listener
}

// New validates the configured device and constructs every component, but
// installs no kernel state and opens no listener yet — call Run for that.
func New(cfg *config.Configuration, reg *metrics.Registry) (*Agent, error) {
	if _, err := netlink.LinkByName(cfg.Dev); err != nil {
		return nil, fmt.Errorf("device %q does not exist: %w", cfg.Dev, err)
	}

	d := tc.NewDriver(cfg.Dev)
	if reg != nil {
		d.SetCommandObserver(reg.ObserveTCCommand)
	}

	return newAgent(cfg, d, reg), nil
}

func newAgent(cfg *config.Configuration, d driver, reg *metrics.Registry) *Agent {
	return &Agent{
		cfg:       cfg,
		driver:    d,
		allocator: handles.NewAllocator(cfg.NumPriorities, cfg.NumLevels),
		table:     clients.NewTable(),
		metrics:   reg,
	}
}

// installRootTopology issues the startup sequence: the root HTB, the
// linear per-priority helper chain, and each priority's DSMARK + base HTB
// qdisc. The two bootstrap steps (the root qdisc itself and the helper
// chain's root class) are fatal prerequisites for everything after them,
// but each priority's own steps are independent subprocess calls: a
// failure installing one priority's topology is logged and does not stop
// the remaining priorities from being attempted, matching this codebase's
// other best-effort batch sites (reconcile.Engine.RemoveClient,
// rpcsvc.Program.UpdateClients).
func (a *Agent) installRootTopology() error {
	alloc := a.allocator
	minRate := a.cfg.MaxRate / 100

	if err := a.driver.InstallRootHtb(alloc.RootHTBMinorDefault()); err != nil {
		return fmt.Errorf("installing root htb: %w", err)
	}

	if err := a.driver.AddHtbClass(alloc.RootHTBHandle(), alloc.RootHTBMinorHelper(0), a.cfg.MaxRate, a.cfg.MaxRate, a.cfg.MaxRate, a.cfg.MaxRate, 0); err != nil {
		return fmt.Errorf("installing helper chain root class: %w", err)
	}

	var errs []error

	for pri := uint32(0); pri < a.cfg.NumPriorities; pri++ {
		ceil := a.cfg.MaxRate - uint64(pri)*minRate
		if err := a.driver.AddHtbClass(alloc.RootHTBHandle(), alloc.RootHTBMinor(pri), minRate, ceil, minRate, ceil, pri); err != nil {
			klog.Errorf("agent: failed to install priority %d reservation class: %v", pri, err)
			errs = append(errs, fmt.Errorf("installing priority %d reservation class: %w", pri, err))
		}

		dsmarkHandle := alloc.DsmarkHandle(pri)
		if err := a.driver.AddDsmarkQdisc(alloc.RootHTBHandle(), alloc.RootHTBMinor(pri), dsmarkHandle, 2, 1); err != nil {
			klog.Errorf("agent: failed to install priority %d dsmark: %v", pri, err)
			errs = append(errs, fmt.Errorf("installing priority %d dsmark: %w", pri, err))
		}
		dscp := uint8(7-pri) << 5
		if err := a.driver.SetDsmarkDscp(dsmarkHandle, 1, 0x3, dscp); err != nil {
			klog.Errorf("agent: failed to set priority %d dscp: %v", pri, err)
			errs = append(errs, fmt.Errorf("setting priority %d dscp: %w", pri, err))
		}

		if err := a.driver.AddHtbQdisc(dsmarkHandle, 1, alloc.HtbBaseHandle(pri), 1); err != nil {
			klog.Errorf("agent: failed to install priority %d base qdisc: %v", pri, err)
			errs = append(errs, fmt.Errorf("installing priority %d base qdisc: %w", pri, err))
		}

		nextCeil := ceil - minRate
		if err := a.driver.AddHtbClass(alloc.RootHTBHandle(), alloc.RootHTBMinorHelper(pri+1), minRate, nextCeil, minRate, nextCeil, pri+1); err != nil {
			klog.Errorf("agent: failed to install priority %d successor helper: %v", pri, err)
			errs = append(errs, fmt.Errorf("installing priority %d successor helper: %w", pri, err))
		}
	}

	return tc.AggregateErrors(errs)
}

// Run installs the root topology, registers the RPC program, serves
// connections until ctx is cancelled, then tears down the root qdisc.
// ctx is expected to come from
// sigs.k8s.io/controller-runtime/pkg/manager/signals.SetupSignalHandler.
func (a *Agent) Run(ctx context.Context, addr string) error {
	if err := a.installRootTopology(); err != nil {
		klog.Fatalf("agent: failed to install root topology: %v", err)
	}

	settler := occupancy.NewAccountant(a.driver, a.allocator)
	eng := reconcile.NewEngine(a.driver, a.allocator, a.table, settler, float64(a.cfg.MaxRate))
	program := rpcsvc.NewProgram(a.table, eng, settler, a.cfg.NumPriorities, a.cfg.NumLevels, a.metrics)

	server := rpc.NewServer()
	if err := server.RegisterName("Netenforcer", program); err != nil {
		return fmt.Errorf("registering rpc program: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding rpc listener on %s: %w", addr, err)
	}
	a.listener = ln
	klog.Infof("agent: serving rpc on %s", addr)

	go func() {
		<-ctx.Done()
		klog.Infof("agent: shutdown signal received, closing listener")
		_ = ln.Close()
	}()

	server.Accept(ln)

	klog.Infof("agent: removing root qdisc on %s", a.cfg.Dev)
	if err := a.driver.RemoveRoot(); err != nil {
		klog.Errorf("agent: failed to remove root qdisc during shutdown: %v", err)
	}
	return nil
}
