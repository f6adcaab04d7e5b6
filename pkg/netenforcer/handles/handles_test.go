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

package handles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootChainIsLinear(t *testing.T) {
	a := NewAllocator(7, 5)
	for pri := uint32(0); pri < a.P; pri++ {
		assert.Equal(t, pri+1, a.RootHTBMinor(pri))
	}
	assert.Equal(t, a.P+1, a.RootHTBMinor(a.P))
	assert.Equal(t, 2*a.P+1, a.RootHTBMinorDefault())
}

func TestHandleRangesDisjoint(t *testing.T) {
	for _, tc := range []struct{ p, l uint32 }{
		{7, 5}, {1, 0}, {3, 1}, {16, 8},
	} {
		a := NewAllocator(tc.p, tc.l)

		seen := map[uint32]string{}
		mark := func(h uint32, tag string) {
			if prev, ok := seen[h]; ok {
				t.Fatalf("handle %d reused by %q and %q (P=%d L=%d)", h, prev, tag, tc.p, tc.l)
			}
			seen[h] = tag
		}

		mark(a.RootHTBHandle(), "root")
		for pri := uint32(0); pri <= a.P; pri++ {
			mark(a.RootHTBMinorHelper(pri), "helper")
		}
		for pri := uint32(0); pri < a.P; pri++ {
			mark(a.DsmarkHandle(pri), "dsmark")
			mark(a.HtbBaseHandle(pri), "htbbase")
		}
		for id := uint32(0); id < 3; id++ {
			for pri := uint32(0); pri < a.P; pri++ {
				for level := uint32(0); level < a.L; level++ {
					mark(a.HtbHandle(id, pri, level), "client-chain")
				}
			}
		}
	}
}

func TestHtbMinorDistinctPerClient(t *testing.T) {
	a := NewAllocator(7, 5)
	seen := map[uint32]uint32{}
	for id := uint32(0); id < 1000; id++ {
		m := a.HtbMinor(id, 0)
		if other, ok := seen[m]; ok {
			t.Fatalf("HtbMinor(%d,0)=%d collides with client %d", id, m, other)
		}
		seen[m] = id
	}
}

func TestHtbMinorLevelAboveZeroIsAlwaysOne(t *testing.T) {
	a := NewAllocator(7, 5)
	for id := uint32(0); id < 10; id++ {
		for level := uint32(1); level < a.L; level++ {
			assert.Equal(t, uint32(1), a.HtbMinor(id, level))
		}
	}
}
