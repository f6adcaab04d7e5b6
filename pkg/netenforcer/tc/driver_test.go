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

package tc

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDriver returns a Driver whose subprocess seam is captured into
// calls and returns out/err for every invocation.
func newTestDriver(out string, err error) (*Driver, *[][]string) {
	calls := &[][]string{}
	d := &Driver{
		dev: "eth0",
		runCmd: func(args ...string) (string, error) {
			*calls = append(*calls, append([]string{}, args...))
			return out, err
		},
	}
	return d, calls
}

func TestInstallRootHtb(t *testing.T) {
	d, calls := newTestDriver("", nil)
	require.NoError(t, d.InstallRootHtb(0xf))
	require.Len(t, *calls, 1)
	args := (*calls)[0]
	assert.Equal(t, "qdisc", args[0])
	assert.Contains(t, args, "htb")
	assert.Contains(t, args, "default")
	assert.Contains(t, args, "f")
}

func TestAddHtbClassIsReplace(t *testing.T) {
	d, calls := newTestDriver("", nil)
	require.NoError(t, d.AddHtbClass(0x41, 0x2, 1_000_000, 2_000_000, 1500, 3000, 0))
	args := (*calls)[0]
	assert.Equal(t, []string{"class", "replace"}, args[:2])
	assert.Contains(t, strings.Join(args, " "), "classid 41:2")
	assert.Contains(t, strings.Join(args, " "), "rate 1000000")
	assert.Contains(t, strings.Join(args, " "), "ceil 2000000")
	assert.NotContains(t, strings.Join(args, " "), "prio")
}

func TestAddHtbClassWithPrio(t *testing.T) {
	d, calls := newTestDriver("", nil)
	require.NoError(t, d.AddHtbClass(0x41, 0x2, 1, 2, 3, 4, 5))
	assert.Contains(t, strings.Join((*calls)[0], " "), "prio 5")
}

func TestAddHtbClassOmitsZeroBurstAndCburst(t *testing.T) {
	d, calls := newTestDriver("", nil)
	require.NoError(t, d.AddHtbClass(0x41, 0x2, 1_000_000, 2_000_000, 0, 0, 0))
	joined := strings.Join((*calls)[0], " ")
	assert.NotContains(t, joined, "burst", "a zero burst/cburst must be omitted so tc computes its own default")
}

func TestAddIp4FilterMatchesBothAddresses(t *testing.T) {
	d, calls := newTestDriver("", nil)
	require.NoError(t, d.AddIp4Filter(1, 7, 0xc0a80001, 0xc0a80002, 1, 3))
	joined := strings.Join((*calls)[0], " ")
	assert.Contains(t, joined, "prio 7")
	assert.Contains(t, joined, "0xc0a80001")
	assert.Contains(t, joined, "0xc0a80002")
	assert.Contains(t, joined, "flowid 1:3")
}

func TestRemoveFilterUsesOverloadedPrio(t *testing.T) {
	d, calls := newTestDriver("", nil)
	require.NoError(t, d.RemoveFilter(1, 42))
	assert.Contains(t, strings.Join((*calls)[0], " "), "prio 42")
}

func TestRunWrapsFailureWithOutput(t *testing.T) {
	d, _ := newTestDriver("RTNETLINK answers: File exists", errors.New("exit status 2"))
	err := d.RemoveClass(1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File exists")
}

func TestReadSentBytesParsesDriverOutput(t *testing.T) {
	d, _ := newTestDriver(sampleOutput, nil)
	n, err := d.ReadSentBytes(0x65, 0x2)
	require.NoError(t, err)
	assert.EqualValues(t, 500000, n)
}

func TestReadSentBytesPropagatesSubprocessError(t *testing.T) {
	d, _ := newTestDriver("", errors.New("no such device"))
	_, err := d.ReadSentBytes(0x65, 0x2)
	require.Error(t, err)
}
