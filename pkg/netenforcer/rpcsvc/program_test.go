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

package rpcsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netenforcer/netenforcer/pkg/netenforcer/clients"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/reconcile"
)

type fakeEngine struct {
	updates []struct {
		dst, src, pri uint32
		chain         []reconcile.ChainEntry
	}
	removals []struct{ dst, src uint32 }
	err      error
}

func (f *fakeEngine) UpdateClient(dst, src, pri uint32, chain []reconcile.ChainEntry) error {
	f.updates = append(f.updates, struct {
		dst, src, pri uint32
		chain         []reconcile.ChainEntry
	}{dst, src, pri, chain})
	return f.err
}

func (f *fakeEngine) RemoveClient(dst, src uint32) error {
	f.removals = append(f.removals, struct{ dst, src uint32 }{dst, src})
	return f.err
}

type fakeAccountant struct {
	ratio float64
	err   error
}

func (f *fakeAccountant) GetOccupancy(table *clients.Table, key clients.Key) (float64, error) {
	return f.ratio, f.err
}

func TestNullSucceeds(t *testing.T) {
	p := NewProgram(clients.NewTable(), &fakeEngine{}, &fakeAccountant{}, 7, 5, nil)
	var reply struct{}
	require.NoError(t, p.Null(&struct{}{}, &reply))
}

func TestUpdateClientsAppliesValidItems(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProgram(clients.NewTable(), eng, &fakeAccountant{}, 7, 5, nil)

	updates := []ClientUpdate{
		{Client: ClientKey{DstAddr: 1, SrcAddr: 2}, Priority: 2, RateLimitRates: []float64{1000, 2000}, RateLimitBursts: []float64{10, 20}},
	}
	var reply struct{}
	require.NoError(t, p.UpdateClients(updates, &reply))
	require.Len(t, eng.updates, 1)
	assert.EqualValues(t, 1, eng.updates[0].dst)
	assert.Len(t, eng.updates[0].chain, 2)
}

func TestUpdateClientsSkipsOddLengthChain(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProgram(clients.NewTable(), eng, &fakeAccountant{}, 7, 5, nil)

	updates := []ClientUpdate{
		{Client: ClientKey{DstAddr: 1, SrcAddr: 2}, Priority: 2, RateLimitRates: []float64{1000}, RateLimitBursts: []float64{10}},
	}
	var reply struct{}
	require.NoError(t, p.UpdateClients(updates, &reply))
	assert.Empty(t, eng.updates, "a chain of length 1 for each list is odd and must be rejected")
}

func TestUpdateClientsSkipsMismatchedLengths(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProgram(clients.NewTable(), eng, &fakeAccountant{}, 7, 5, nil)

	updates := []ClientUpdate{
		{Client: ClientKey{DstAddr: 1, SrcAddr: 2}, Priority: 2, RateLimitRates: []float64{1000, 2000}, RateLimitBursts: []float64{10}},
	}
	var reply struct{}
	require.NoError(t, p.UpdateClients(updates, &reply))
	assert.Empty(t, eng.updates)
}

func TestUpdateClientsSkipsPriorityOutOfRange(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProgram(clients.NewTable(), eng, &fakeAccountant{}, 7, 5, nil)

	updates := []ClientUpdate{
		{Client: ClientKey{DstAddr: 1, SrcAddr: 2}, Priority: 99},
	}
	var reply struct{}
	require.NoError(t, p.UpdateClients(updates, &reply))
	assert.Empty(t, eng.updates)
}

func TestUpdateClientsSkipsPriorityEqualToDeletionSentinel(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProgram(clients.NewTable(), eng, &fakeAccountant{}, 7, 5, nil)

	updates := []ClientUpdate{
		{Client: ClientKey{DstAddr: 1, SrcAddr: 2}, Priority: 7},
	}
	var reply struct{}
	require.NoError(t, p.UpdateClients(updates, &reply))
	assert.Empty(t, eng.updates, "priority == numPriorities is the deletion sentinel and must never reach UpdateClient")
}

func TestUpdateClientsSkipsOversizedChain(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProgram(clients.NewTable(), eng, &fakeAccountant{}, 7, 5, nil)

	tooLong := make([]float64, (5+1)*2+2)
	updates := []ClientUpdate{
		{Client: ClientKey{DstAddr: 1, SrcAddr: 2}, Priority: 2, RateLimitRates: tooLong, RateLimitBursts: tooLong},
	}
	var reply struct{}
	require.NoError(t, p.UpdateClients(updates, &reply))
	assert.Empty(t, eng.updates)
}

func TestRemoveClientsInvokesEngineForEachKey(t *testing.T) {
	eng := &fakeEngine{}
	p := NewProgram(clients.NewTable(), eng, &fakeAccountant{}, 7, 5, nil)

	keys := []ClientKey{{DstAddr: 1, SrcAddr: 2}, {DstAddr: 3, SrcAddr: 4}}
	var reply struct{}
	require.NoError(t, p.RemoveClients(keys, &reply))
	assert.Len(t, eng.removals, 2)
}

func TestGetOccupancyReturnsAccountantValue(t *testing.T) {
	p := NewProgram(clients.NewTable(), &fakeEngine{}, &fakeAccountant{ratio: 0.42}, 7, 5, nil)

	var reply Occupancy
	require.NoError(t, p.GetOccupancy(ClientKey{DstAddr: 1, SrcAddr: 2}, &reply))
	assert.Equal(t, 0.42, reply.Value)
}
