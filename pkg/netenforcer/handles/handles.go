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

// Package handles maps (priority, client id, level) triples to TC handles
// and minors with pairwise-disjoint ranges. Every method here is pure: no
// I/O, no kernel state. Allocator is the single source of truth for the
// numbering scheme the rest of the enforcer relies on; changing it changes
// where every qdisc/class/filter in the hierarchy lives.
//
// Allocator carries P (NumPriorities) and L (NumLevels) as plain fields
// rather than as package-level statics, so the numbering scheme is a pure
// function of (Config, id, pri, level), not of hidden process-wide state.
package handles

// Allocator derives TC handles and minors from the process configuration.
// It holds no mutable state beyond the two config values it was built
// with; every method is deterministic in its arguments.
type Allocator struct {
	// P is the configured number of priority levels.
	P uint32
	// L is the configured number of HTB rate-limit stages.
	L uint32
}

// NewAllocator returns an Allocator for the given priority/level counts.
func NewAllocator(numPriorities, numLevels uint32) Allocator {
	return Allocator{P: numPriorities, L: numLevels}
}

// RootHTBHandle is the handle of the single root HTB qdisc installed at
// startup.
func (a Allocator) RootHTBHandle() uint32 {
	return 1
}

// RootHTBMinor is the minor of the class under the root HTB that carries
// priority pri's traffic.
func (a Allocator) RootHTBMinor(pri uint32) uint32 {
	return pri + 1
}

// RootHTBMinorHelper is the minor of the intermediate linear-chain node
// feeding priority pri; the chain exists so each priority's ceil can borrow
// exactly the capacity not reserved by higher priorities.
func (a Allocator) RootHTBMinorHelper(pri uint32) uint32 {
	return pri + a.RootHTBMinor(a.P)
}

// RootHTBMinorDefault is the terminal best-effort sink: the root HTB's
// default class, used for any packet that matches no priority filter.
func (a Allocator) RootHTBMinorDefault() uint32 {
	return a.RootHTBMinorHelper(a.P)
}

// DsmarkHandle is the handle of the DSMARK qdisc that marks DSCP for
// priority pri's traffic.
func (a Allocator) DsmarkHandle(pri uint32) uint32 {
	return pri + a.RootHTBMinorDefault() + 1
}

// HtbBaseHandle is the handle of the root of priority pri's per-client
// rate-limit qdisc chain.
func (a Allocator) HtbBaseHandle(pri uint32) uint32 {
	return pri + a.DsmarkHandle(a.P)
}

// HtbHandle is the handle of the level-th HTB qdisc in client id's chain
// under priority pri.
func (a Allocator) HtbHandle(id, pri, level uint32) uint32 {
	return id*a.P*a.L + pri*a.L + level + a.HtbBaseHandle(a.P)
}

// HtbMinor is the minor of the level-th class in client id's chain. Minor 1
// is reserved by the HTB qdisc as its default class at every level deeper
// than 0, so only level 0 uses a per-client minor; deeper levels share
// minor 1 since each level's qdisc has exactly one real child class.
func (a Allocator) HtbMinor(id, level uint32) uint32 {
	if level == 0 {
		return id + 2
	}
	return 1
}
