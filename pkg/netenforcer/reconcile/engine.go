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

// Package reconcile drives a single client's kernel TC state from its
// previously-installed shape to a newly requested one: priority, and an
// optional per-client rate-limit chain of (rate, burst) stages nested as
// successively deeper HTB qdiscs. Every call is a diff against the
// client's last-known shadow state in the Client Table, issuing only the
// tc(8) commands needed to converge — never a full teardown-and-rebuild.
package reconcile

import (
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/netenforcer/netenforcer/pkg/netenforcer/clients"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/handles"
)

// Driver is the subset of the TC Driver the engine needs to converge a
// client's installed shape. It is satisfied by *tc.Driver without either
// package importing the other's concrete type.
type Driver interface {
	AddHtbQdisc(parentHandle, parentMinor, childHandle, defaultMinor uint32) error
	AddHtbClass(parentHandle, minor uint32, rate, ceil, burst, cburst uint64, prio uint32) error
	AddIp4Filter(parentHandle, prio, dst, src, flowHandle, flowMinor uint32) error
	RemoveFilter(parentHandle, prio uint32) error
	RemoveQdisc(parent, parentMinor, childHandle uint32) error
	RemoveClass(parent, minor uint32) error
}

// Settler is the byte-accounting step the engine invokes before mutating a
// client's priority or chain, so occupancy deltas are attributed to the
// leaf class that earned them rather than the one replacing it.
type Settler interface {
	UpdateSentBytes(c *clients.State) error
}

// ChainEntry is one indexed (rate, burst) position of a rate-limit chain.
// Two consecutive entries form one HTB level: the first supplies
// (rate, burst), the second (if present) supplies (ceil, cburst).
type ChainEntry struct {
	Rate  float64
	Burst float64
}

// Engine converges installed kernel TC state with requested client shape.
type Engine struct {
	driver    Driver
	allocator handles.Allocator
	table     *clients.Table
	settler   Settler
	maxRate   float64
	now       func() time.Time
}

// NewEngine returns an Engine issuing commands through driver, addressing
// handles via allocator, and tracking client shadow state in table.
// maxRate is the link capacity in bytes/sec, used as the occupancy-budget
// rate of a client that has no chain (bookkeeping only — clients with no
// chain get no leaf class).
func NewEngine(driver Driver, allocator handles.Allocator, table *clients.Table, settler Settler, maxRate float64) *Engine {
	return &Engine{driver: driver, allocator: allocator, table: table, settler: settler, maxRate: maxRate, now: time.Now}
}

// qdiscHome returns the handle of the qdisc that is home to the class at
// chain position level, for client id under priority pri. Level 0's home
// is the priority's shared base qdisc, installed once at startup; level
// L>0's home is a qdisc private to (id, pri), created on demand as the
// child of level L-1's class.
func (e *Engine) qdiscHome(id, pri, level uint32) uint32 {
	if level == 0 {
		return e.allocator.HtbBaseHandle(pri)
	}
	return e.allocator.HtbHandle(id, pri, level-1)
}

// UpdateClient converges client (dst, src)'s kernel state to newPriority
// and newChain, a possibly-empty sequence of indexed (rate, burst)
// entries (stages = len(newChain)/2). newPriority == P removes the
// client entirely, equivalent to RemoveClient.
func (e *Engine) UpdateClient(dst, src uint32, newPriority uint32, newChain []ChainEntry) error {
	if newPriority >= e.allocator.P {
		return e.RemoveClient(dst, src)
	}

	key := clients.Key{DstAddr: dst, SrcAddr: src}
	c, isNew := e.table.LookupOrInsert(key)

	// A brand new client is modeled as though it previously held the
	// deletion-sentinel priority P: nothing about it — root filter,
	// per-priority filter, chain — has ever been installed, which is
	// exactly what priorityChanged below needs to trigger for it too.
	oldPriority := e.allocator.P
	oldLen := c.RateLimitLength
	if isNew {
		// Stamp the creation time now, so the first settle against this
		// client's leaf counter integrates the real elapsed time since
		// creation instead of treating it as the baseline call.
		c.LastSentBytesTimeNanos = e.now().UnixNano()
	} else {
		oldPriority = c.Priority
		if err := e.settler.UpdateSentBytes(c); err != nil {
			klog.Errorf("reconcile: failed to settle byte accounting for client %d before update: %v", c.ID, err)
		}
	}
	priorityChanged := oldPriority != newPriority

	stages := len(newChain) / 2
	newLen := len(newChain)

	c.Priority = newPriority
	c.RateLimitLength = newLen
	if newLen > 0 {
		c.Rate = newChain[0].Rate
	} else {
		c.Rate = e.maxRate
	}
	if priorityChanged {
		// The counter this client was reading belongs to a now-removed
		// class; only prevSentBytes resets. sentBytes/maxSentBytes stay
		// intact so occupancy accounting is continuous across the
		// priority boundary.
		c.PrevSentBytes = 0
	}

	id := c.ID

	var errs []error

	for level := 0; level < stages; level++ {
		lvl := uint32(level)
		rate := newChain[level*2]
		ceil := rate
		if level*2+1 < len(newChain) {
			ceil = newChain[level*2+1]
		}

		if lvl > 0 && (level*2 >= oldLen || priorityChanged) {
			if err := e.driver.AddHtbQdisc(
				e.qdiscHome(id, newPriority, lvl-1),
				e.allocator.HtbMinor(id, lvl-1),
				e.qdiscHome(id, newPriority, lvl),
				1,
			); err != nil {
				klog.Errorf("reconcile: failed to install qdisc at level %d for client %d: %v", lvl, id, err)
				errs = append(errs, err)
			}
		}

		if err := e.driver.AddHtbClass(
			e.qdiscHome(id, newPriority, lvl),
			e.allocator.HtbMinor(id, lvl),
			uint64(rate.Rate), uint64(ceil.Rate),
			uint64(rate.Burst), uint64(ceil.Burst),
			0,
		); err != nil {
			klog.Errorf("reconcile: failed to install class at level %d for client %d: %v", lvl, id, err)
			errs = append(errs, err)
		}
	}

	if newLen > 0 && (oldLen == 0 || priorityChanged) {
		base := e.allocator.HtbBaseHandle(newPriority)
		if err := e.driver.AddIp4Filter(base, id+1, dst, src, base, e.allocator.HtbMinor(id, 0)); err != nil {
			klog.Errorf("reconcile: failed to install base filter for client %d: %v", id, err)
			errs = append(errs, err)
		}
	}

	if priorityChanged {
		if oldPriority < e.allocator.P {
			if err := e.driver.RemoveFilter(e.allocator.RootHTBHandle(), id+1); err != nil {
				klog.Errorf("reconcile: failed to remove root filter for client %d: %v", id, err)
			}
		}
		root := e.allocator.RootHTBHandle()
		if err := e.driver.AddIp4Filter(root, id+1, dst, src, root, e.allocator.RootHTBMinor(newPriority)); err != nil {
			klog.Errorf("reconcile: failed to install root filter for client %d: %v", id, err)
			errs = append(errs, err)
		}
	}

	if oldLen > 2 && (priorityChanged || newLen < oldLen) {
		// Removing a qdisc cascades to every class/qdisc nested under it,
		// so pruning the first now-unused depth is enough regardless of
		// how much deeper the old chain went. Depth 0 is the shared base
		// qdisc and is never itself prunable, so a full removal (stages
		// == 0) still prunes starting at depth 1.
		pruneDepth := uint32(stages)
		if priorityChanged || pruneDepth == 0 {
			pruneDepth = 1
		}
		if err := e.driver.RemoveQdisc(
			e.qdiscHome(id, oldPriority, pruneDepth-1),
			e.allocator.HtbMinor(id, pruneDepth-1),
			e.qdiscHome(id, oldPriority, pruneDepth),
		); err != nil {
			klog.Errorf("reconcile: failed to prune old qdisc chain for client %d: %v", id, err)
		}
	}

	if oldLen > 0 && (newLen == 0 || priorityChanged) {
		if err := e.driver.RemoveFilter(e.allocator.HtbBaseHandle(oldPriority), id+1); err != nil {
			klog.Errorf("reconcile: failed to remove base filter for client %d: %v", id, err)
		}
		if err := e.driver.RemoveClass(e.allocator.HtbBaseHandle(oldPriority), e.allocator.HtbMinor(id, 0)); err != nil {
			klog.Errorf("reconcile: failed to remove base class for client %d: %v", id, err)
		}
	}

	return utilerrors.NewAggregate(errs)
}

// RemoveClient deletes (dst, src) entirely: every installed filter, class
// and qdisc chain it owns, then its Client Table entry. Removing an
// unknown client is a no-op, not an error.
func (e *Engine) RemoveClient(dst, src uint32) error {
	key := clients.Key{DstAddr: dst, SrcAddr: src}
	c, ok := e.table.Get(key)
	if !ok {
		return nil
	}

	id := c.ID
	pri := c.Priority
	oldLen := c.RateLimitLength

	var errs []error

	if pri < e.allocator.P {
		if err := e.driver.RemoveFilter(e.allocator.RootHTBHandle(), id+1); err != nil {
			klog.Errorf("reconcile: failed to remove root filter for client %d: %v", id, err)
			errs = append(errs, err)
		}
	}

	if oldLen > 0 {
		if err := e.driver.RemoveFilter(e.allocator.HtbBaseHandle(pri), id+1); err != nil {
			klog.Errorf("reconcile: failed to remove base filter for client %d: %v", id, err)
			errs = append(errs, err)
		}
		if oldLen > 2 {
			if err := e.driver.RemoveQdisc(e.qdiscHome(id, pri, 0), e.allocator.HtbMinor(id, 0), e.qdiscHome(id, pri, 1)); err != nil {
				klog.Errorf("reconcile: failed to remove qdisc chain for client %d: %v", id, err)
				errs = append(errs, err)
			}
		}
		if err := e.driver.RemoveClass(e.allocator.HtbBaseHandle(pri), e.allocator.HtbMinor(id, 0)); err != nil {
			klog.Errorf("reconcile: failed to remove base class for client %d: %v", id, err)
			errs = append(errs, err)
		}
	}
	e.table.Remove(key)

	return utilerrors.NewAggregate(errs)
}
