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

// Package rpcsvc exposes the enforcer's policy surface as a net/rpc
// program: Null, UpdateClients, RemoveClients and GetOccupancy, dispatched
// by the standard library's RPC runtime onto the Reconciliation Engine and
// Occupancy Accountant. Validation of RPC-facing inputs happens here,
// before anything reaches those packages.
package rpcsvc

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"k8s.io/klog/v2"

	"github.com/netenforcer/netenforcer/pkg/netenforcer/clients"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/metrics"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/reconcile"
)

// ClientKey identifies a client by its (dstAddr, srcAddr) pair, both in
// network byte order.
type ClientKey struct {
	DstAddr uint32
	SrcAddr uint32
}

// ClientUpdate is one item of an UpdateClients batch. RateLimitRates and
// RateLimitBursts must have equal, even length, up to (L+1)*2 — checked by
// validateUpdate, since validator's struct tags can't express an
// equal-length constraint across two slice fields. Individual rate/burst
// values are non-negative, which the struct tag does express.
type ClientUpdate struct {
	Client          ClientKey
	Priority        uint32
	RateLimitRates  []float64 `validate:"dive,gte=0"`
	RateLimitBursts []float64 `validate:"dive,gte=0"`
}

// Occupancy is the result of GetOccupancy: a single utilization ratio in
// [0,1].
type Occupancy struct {
	Value float64
}

// engine is the subset of reconcile.Engine the Program dispatches into.
type engine interface {
	UpdateClient(dst, src uint32, newPriority uint32, newChain []reconcile.ChainEntry) error
	RemoveClient(dst, src uint32) error
}

// accountant is the subset of occupancy.Accountant the Program dispatches
// into.
type accountant interface {
	GetOccupancy(table *clients.Table, key clients.Key) (float64, error)
}

// Program is registered with net/rpc as the enforcer's sole RPC receiver.
// Every exported method runs on the single service-loop goroutine that
// owns table, engine and accountant — net/rpc itself may dispatch
// concurrent connections onto separate goroutines, but this daemon's
// single-threaded processing model requires serializing at a higher
// layer (see pkg/netenforcer/agent), not inside Program.
type Program struct {
	table      *clients.Table
	engine     engine
	accountant accountant
	numLevels  uint32
	numPrio    uint32
	validate   *validator.Validate
	metrics    *metrics.Registry
}

// NewProgram returns a Program dispatching into engine/accountant, with
// table shared by both for occupancy lookups.
func NewProgram(table *clients.Table, eng engine, acc accountant, numPriorities, numLevels uint32, reg *metrics.Registry) *Program {
	return &Program{
		table:      table,
		engine:     eng,
		accountant: acc,
		numLevels:  numLevels,
		numPrio:    numPriorities,
		validate:   validator.New(),
		metrics:    reg,
	}
}

// Null is a no-argument, no-result ping used by callers to verify the
// service is registered and responsive.
func (p *Program) Null(args *struct{}, reply *struct{}) error {
	return nil
}

// UpdateClients applies a batch of ClientUpdate items. Invalid items
// (bad priority, mismatched or oversized rate-limit lists) are logged and
// skipped; the batch continues with the remaining valid items, per the
// service's error-kind-1 contract.
func (p *Program) UpdateClients(updates []ClientUpdate, reply *struct{}) error {
	for i := range updates {
		u := &updates[i]
		if err := p.validateUpdate(u); err != nil {
			klog.Errorf("rpcsvc: skipping invalid UpdateClients item %d: %v", i, err)
			continue
		}
		chain := zipChain(u.RateLimitRates, u.RateLimitBursts)
		if err := p.engine.UpdateClient(u.Client.DstAddr, u.Client.SrcAddr, u.Priority, chain); err != nil {
			klog.Errorf("rpcsvc: UpdateClients item %d failed: %v", i, err)
		}
	}
	if p.metrics != nil {
		p.metrics.SetClientCount(p.table.Len())
	}
	return nil
}

// RemoveClients removes every named client, equivalent to calling the
// engine's UpdateClient with priority == P and an empty chain (UpdateClients
// itself rejects priority == P as invalid).
func (p *Program) RemoveClients(keys []ClientKey, reply *struct{}) error {
	for i := range keys {
		k := keys[i]
		if err := p.engine.RemoveClient(k.DstAddr, k.SrcAddr); err != nil {
			klog.Errorf("rpcsvc: RemoveClients item %d failed: %v", i, err)
		}
	}
	if p.metrics != nil {
		p.metrics.SetClientCount(p.table.Len())
	}
	return nil
}

// GetOccupancy returns the current utilization ratio for one client.
func (p *Program) GetOccupancy(key ClientKey, reply *Occupancy) error {
	ratio, err := p.accountant.GetOccupancy(p.table, clients.Key{DstAddr: key.DstAddr, SrcAddr: key.SrcAddr})
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.ObserveOccupancy(ratio)
	}
	reply.Value = ratio
	return nil
}

func (p *Program) validateUpdate(u *ClientUpdate) error {
	if err := p.validate.Struct(u); err != nil {
		return err
	}
	if u.Priority >= p.numPrio {
		return fmt.Errorf("priority %d is not less than numPriorities %d", u.Priority, p.numPrio)
	}
	if len(u.RateLimitRates) != len(u.RateLimitBursts) {
		return fmt.Errorf("rateLimitRates and rateLimitBursts lengths differ (%d != %d)", len(u.RateLimitRates), len(u.RateLimitBursts))
	}
	if len(u.RateLimitRates)%2 != 0 {
		return fmt.Errorf("rate-limit chain length %d is not even", len(u.RateLimitRates))
	}
	if max := int((p.numLevels + 1) * 2); len(u.RateLimitRates) > max {
		return fmt.Errorf("rate-limit chain length %d exceeds (L+1)*2=%d", len(u.RateLimitRates), max)
	}
	return nil
}

// zipChain interleaves parallel rate/burst lists into the Reconciliation
// Engine's indexed chain representation.
func zipChain(rates, bursts []float64) []reconcile.ChainEntry {
	chain := make([]reconcile.ChainEntry, len(rates))
	for i := range rates {
		chain[i] = reconcile.ChainEntry{Rate: rates[i], Burst: bursts[i]}
	}
	return chain
}
