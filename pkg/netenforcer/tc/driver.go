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

// Package tc issues parameterized tc(8) commands against a single egress
// device and parses its text output for sent-byte counters. Every method
// invokes an external process; none of them touch netlink directly. That
// is a deliberate choice, not an oversight — a stronger implementation could prefer a direct netlink
// binding, but the counter-parsing contract ("class htb H:M" then the
// next "Sent " token) is the fallback this codebase commits to.
package tc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/exec"
)

// Driver issues tc(8) commands for a single device. Every exported method
// is a blocking subprocess call; failures are logged and returned, never
// panicked on, so a caller processing a batch can log-and-continue per the
// enforcer's error handling contract.
//
// runCmd is the subprocess seam: NewDriver binds it to a real
// k8s.io/utils/exec invocation, tests bind it to a fake that returns
// canned output — the same "var X = realImplFn, tests reassign X" seam
// this codebase's teacher uses for its own host-subprocess calls (var
// ExecCmdOnHost = execCmdOnHostFn), scoped to the Driver instance instead
// of a package var since Driver is no longer a process-wide singleton.
type Driver struct {
	dev    string
	runCmd func(args ...string) (string, error)

	// onCommand, if set, is notified of every command's verb (args[0]),
	// wall latency, and outcome — the seam pkg/netenforcer/metrics hooks
	// into to populate netenforcer_tc_command_failures_total and
	// netenforcer_tc_command_duration_seconds without this package
	// importing prometheus directly.
	onCommand func(verb string, seconds float64, err error)
}

// NewDriver returns a Driver for dev using the real OS subprocess
// interface.
func NewDriver(dev string) *Driver {
	execIface := exec.New()
	return &Driver{
		dev: dev,
		runCmd: func(args ...string) (string, error) {
			out, err := execIface.Command("tc", args...).CombinedOutput()
			return string(out), err
		},
	}
}

// SetCommandObserver registers a callback invoked after every subprocess
// command with its verb, latency and outcome.
func (d *Driver) SetCommandObserver(onCommand func(verb string, seconds float64, err error)) {
	d.onCommand = onCommand
}

func classID(major, minor uint32) string {
	return fmt.Sprintf("%x:%x", major, minor)
}

func (d *Driver) run(args ...string) error {
	start := time.Now()
	out, runErr := d.runCmd(args...)
	if d.onCommand != nil && len(args) > 0 {
		d.onCommand(args[0], time.Since(start).Seconds(), runErr)
	}
	if runErr != nil {
		return fmt.Errorf("command %q failed: %v, output: %s", "tc "+strings.Join(args, " "), runErr, out)
	}
	return nil
}

// InstallRootHtb installs the single root HTB qdisc (handle 1:) with the
// given default minor, the terminal best-effort sink for unmatched
// traffic.
func (d *Driver) InstallRootHtb(defaultMinor uint32) error {
	if err := d.run("qdisc", "add", "dev", d.dev, "root", "handle", "1:", "htb", "default", strconv.FormatUint(uint64(defaultMinor), 16)); err != nil {
		klog.Errorf("tc: failed to install root htb on %s: %v", d.dev, err)
		return err
	}
	return nil
}

// RemoveRoot tears down the root qdisc, cascading every descendant
// qdisc/class/filter installed under it.
func (d *Driver) RemoveRoot() error {
	if err := d.run("qdisc", "del", "dev", d.dev, "root"); err != nil {
		klog.Errorf("tc: failed to remove root qdisc on %s: %v", d.dev, err)
		return err
	}
	return nil
}

// AddHtbQdisc installs an HTB qdisc with handle childHandle as the child of
// class parentHandle:parentMinor, with the given default class minor
// (conventionally 1, HTB's default class).
func (d *Driver) AddHtbQdisc(parentHandle, parentMinor, childHandle, defaultMinor uint32) error {
	args := []string{"qdisc", "add", "dev", d.dev,
		"parent", classID(parentHandle, parentMinor),
		"handle", fmt.Sprintf("%x:", childHandle),
		"htb", "default", strconv.FormatUint(uint64(defaultMinor), 16)}
	if err := d.run(args...); err != nil {
		klog.Errorf("tc: failed to add htb qdisc %x under %s: %v", childHandle, classID(parentHandle, parentMinor), err)
		return err
	}
	return nil
}

// AddHtbClass installs (or, semantically, replaces) an HTB class with the
// given minor under parentHandle, with the given rate/ceil/burst/cburst in
// bytes/sec and bytes respectively. prio is HTB's round-robin priority
// among siblings; 0 means unset (tc default).
func (d *Driver) AddHtbClass(parentHandle, minor uint32, rate, ceil, burst, cburst uint64, prio uint32) error {
	args := []string{"class", "replace", "dev", d.dev,
		"parent", fmt.Sprintf("%x:", parentHandle),
		"classid", classID(parentHandle, minor),
		"htb",
		"rate", strconv.FormatUint(rate, 10),
		"ceil", strconv.FormatUint(ceil, 10),
	}
	if burst > 0 {
		args = append(args, "burst", strconv.FormatUint(burst, 10))
	}
	if cburst > 0 {
		args = append(args, "cburst", strconv.FormatUint(cburst, 10))
	}
	if prio > 0 {
		args = append(args, "prio", strconv.FormatUint(uint64(prio), 10))
	}
	if err := d.run(args...); err != nil {
		klog.Errorf("tc: failed to add/replace htb class %s: %v", classID(parentHandle, minor), err)
		return err
	}
	return nil
}

// AddDsmarkQdisc installs a DSMARK qdisc under parentHandle:parentMinor
// with the given handle, index count and default index.
func (d *Driver) AddDsmarkQdisc(parentHandle, parentMinor, handle, indices, defaultIndex uint32) error {
	args := []string{"qdisc", "add", "dev", d.dev,
		"parent", classID(parentHandle, parentMinor),
		"handle", fmt.Sprintf("%x:", handle),
		"dsmark",
		"indices", strconv.FormatUint(uint64(indices), 10),
		"default_index", strconv.FormatUint(uint64(defaultIndex), 10),
	}
	if err := d.run(args...); err != nil {
		klog.Errorf("tc: failed to add dsmark qdisc %x under %s: %v", handle, classID(parentHandle, parentMinor), err)
		return err
	}
	return nil
}

// SetDsmarkDscp sets the DSCP mark on dsmark qdisc handle's class :minor,
// masking with mask and writing value.
func (d *Driver) SetDsmarkDscp(handle, minor uint32, mask, value uint8) error {
	args := []string{"class", "change", "dev", d.dev,
		"parent", fmt.Sprintf("%x:", handle),
		"classid", classID(handle, minor),
		"dsmark",
		"mask", fmt.Sprintf("0x%x", mask),
		"value", fmt.Sprintf("0x%x", value),
	}
	if err := d.run(args...); err != nil {
		klog.Errorf("tc: failed to set dsmark dscp on %s: %v", classID(handle, minor), err)
		return err
	}
	return nil
}

// AddIp4Filter installs a u32 filter on parentHandle, at evaluation
// priority prio (overloaded, by convention, as clientID+1, so RemoveFilter
// can find a client's filter by prio alone), matching the exact (dst, src) address
// pair and directing matches to flowHandle:flowMinor.
func (d *Driver) AddIp4Filter(parentHandle, prio, dst, src, flowHandle, flowMinor uint32) error {
	args := []string{"filter", "add", "dev", d.dev,
		"parent", fmt.Sprintf("%x:", parentHandle),
		"protocol", "ip", "prio", strconv.FormatUint(uint64(prio), 10),
		"u32",
		"match", "ip", "dst", hexIP(dst), "0xffffffff",
		"match", "ip", "src", hexIP(src), "0xffffffff",
		"flowid", classID(flowHandle, flowMinor),
	}
	if err := d.run(args...); err != nil {
		klog.Errorf("tc: failed to add ip4 filter prio %d on %x: %v", prio, parentHandle, err)
		return err
	}
	return nil
}

// RemoveFilter removes the filter on parentHandle previously installed at
// evaluation priority prio.
func (d *Driver) RemoveFilter(parentHandle, prio uint32) error {
	args := []string{"filter", "del", "dev", d.dev,
		"parent", fmt.Sprintf("%x:", parentHandle),
		"protocol", "ip", "prio", strconv.FormatUint(uint64(prio), 10),
	}
	if err := d.run(args...); err != nil {
		klog.Errorf("tc: failed to remove filter prio %d on %x: %v", prio, parentHandle, err)
		return err
	}
	return nil
}

// RemoveQdisc removes the qdisc identified by childHandle, the child of
// class parent:parentMinor. This cascades every descendant class/qdisc.
func (d *Driver) RemoveQdisc(parent, parentMinor, childHandle uint32) error {
	args := []string{"qdisc", "del", "dev", d.dev,
		"parent", classID(parent, parentMinor),
		"handle", fmt.Sprintf("%x:", childHandle),
	}
	if err := d.run(args...); err != nil {
		klog.Errorf("tc: failed to remove qdisc %x under %s: %v", childHandle, classID(parent, parentMinor), err)
		return err
	}
	return nil
}

// RemoveClass removes the class identified by parent:minor.
func (d *Driver) RemoveClass(parent, minor uint32) error {
	args := []string{"class", "del", "dev", d.dev,
		"classid", classID(parent, minor),
	}
	if err := d.run(args...); err != nil {
		klog.Errorf("tc: failed to remove class %s: %v", classID(parent, minor), err)
		return err
	}
	return nil
}

// ReadSentBytes reads the current sent-byte counter of class
// parent:minor by parsing `tc -s class show dev <dev> parent <parent>:`.
// A missing block (the class was never created, or was already torn down)
// is not an error: it returns 0, since that class has sent zero bytes as
// far as this reader is concerned.
func (d *Driver) ReadSentBytes(parent, minor uint32) (uint64, error) {
	start := time.Now()
	out, err := d.runCmd("-s", "class", "show", "dev", d.dev, "parent", fmt.Sprintf("%x:", parent))
	if d.onCommand != nil {
		d.onCommand("class", time.Since(start).Seconds(), err)
	}
	if err != nil {
		klog.Errorf("tc: failed to read class counters on %x: %v", parent, err)
		return 0, err
	}
	return parseSentBytes(out, parent, minor)
}

// hexIP renders a big-endian uint32 address as tc's expected dotted-hex
// u32 match operand, e.g. 0xc0a80001.
func hexIP(addr uint32) string {
	return fmt.Sprintf("0x%08x", addr)
}

// AggregateErrors combines independent best-effort subprocess failures the
// way this codebase's batch operations do throughout (startup topology
// install, teardown): no single failure should prevent the remaining
// independent calls from running.
func AggregateErrors(errs []error) error {
	return utilerrors.NewAggregate(errs)
}
