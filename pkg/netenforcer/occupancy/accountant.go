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

// Package occupancy samples sent-byte counters, integrates allowed-bytes
// over wall time, and returns utilization ratios clamped to [0,1].
package occupancy

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/netenforcer/netenforcer/pkg/netenforcer/clients"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/handles"
)

// SentBytesReader is the subset of the TC Driver the accountant needs: a
// blocking read of a leaf class's sent-byte counter.
type SentBytesReader interface {
	ReadSentBytes(parent, minor uint32) (uint64, error)
}

// Accountant integrates per-client byte counters into occupancy ratios. It
// holds no client state of its own — all counters live on clients.State,
// which the Reconciliation Engine also mutates — so an Accountant is
// cheap to share across calls.
type Accountant struct {
	driver    SentBytesReader
	allocator handles.Allocator
	now       func() time.Time
}

// NewAccountant returns an Accountant reading counters through driver,
// using allocator to locate each client's leaf class.
func NewAccountant(driver SentBytesReader, allocator handles.Allocator) *Accountant {
	return &Accountant{driver: driver, allocator: allocator, now: time.Now}
}

// UpdateSentBytes settles c's byte accounting against the kernel counter
// of its current leaf class, if it has one. It is a no-op for clients
// without a per-client rate limit, since no leaf counter exists for them.
func (a *Accountant) UpdateSentBytes(c *clients.State) error {
	if c.RateLimitLength == 0 {
		return nil
	}
	now := a.now()
	parent := a.allocator.HtbBaseHandle(c.Priority)
	minor := a.allocator.HtbMinor(c.ID, 0)
	s, err := a.driver.ReadSentBytes(parent, minor)
	if err != nil {
		klog.Errorf("occupancy: failed to read sent bytes for client %d: %v", c.ID, err)
		// A failed read is treated like a parse failure: 0 observed
		// bytes this sample, not a fatal error for the caller.
		s = c.PrevSentBytes
	}
	c.SentBytes += float64(s - c.PrevSentBytes)
	c.PrevSentBytes = s

	elapsed := now.Sub(time.Unix(0, c.LastSentBytesTimeNanos))
	c.MaxSentBytes += c.Rate * elapsed.Seconds()
	c.LastSentBytesTimeNanos = now.UnixNano()
	return nil
}

// GetOccupancy looks up key in table and returns its utilization ratio,
// clamped to [0,1], resetting its accumulators. An unconfigured client is
// identified by gating explicitly on table presence and on
// RateLimitLength, rather than on a zero-valued Priority sentinel: see
// DESIGN.md.
func (a *Accountant) GetOccupancy(table *clients.Table, key clients.Key) (float64, error) {
	c, ok := table.Get(key)
	if !ok {
		return 0, nil
	}
	if c.RateLimitLength == 0 {
		return 0, nil
	}

	if err := a.UpdateSentBytes(c); err != nil {
		return 0, err
	}

	var ratio float64
	if c.MaxSentBytes > 0 {
		ratio = c.SentBytes / c.MaxSentBytes
	}
	if ratio < 0 {
		klog.Warningf("occupancy: clamping negative ratio %f to 0 for client %d", ratio, c.ID)
		ratio = 0
	} else if ratio > 1 {
		klog.Warningf("occupancy: clamping ratio %f to 1 for client %d", ratio, c.ID)
		ratio = 1
	}

	c.SentBytes = 0
	c.MaxSentBytes = 0
	return ratio, nil
}
