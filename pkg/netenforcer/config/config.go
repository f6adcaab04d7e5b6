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

// Package config holds the process-wide, fixed-at-startup configuration of
// the enforcer: the egress device, its advertised capacity, and the size of
// the priority/rate-limit-chain hierarchy everything else is built from.
package config

import (
	"flag"
	"strconv"
)

const (
	// DefaultDev is the egress interface used when -d is not given.
	DefaultDev = "eth0"
	// DefaultMaxRate is 1 Gbps in bytes/sec, used when -b is not given.
	DefaultMaxRate = 125_000_000
	// DefaultNumPriorities is used when -n is not given.
	DefaultNumPriorities = 7
	// DefaultNumLevels is fixed at compile time; it is not exposed as a flag.
	DefaultNumLevels = 5
)

// Configuration is the process-wide, immutable-after-startup configuration.
type Configuration struct {
	// Dev is the egress network interface name.
	Dev string
	// MaxRate is the link capacity in bytes/sec.
	MaxRate uint64
	// NumPriorities is the count of priority levels; 0 is highest priority
	// and NumPriorities itself is the deletion sentinel.
	NumPriorities uint32
	// NumLevels is the maximum number of HTB rate-limit stages a client's
	// chain may use. Fixed at compile time.
	NumLevels uint32
}

// NewConfiguration returns a Configuration populated with defaults; callers
// typically call InitFlags before flag.Parse to let the CLI override them.
func NewConfiguration() *Configuration {
	return &Configuration{
		Dev:           DefaultDev,
		MaxRate:       DefaultMaxRate,
		NumPriorities: DefaultNumPriorities,
		NumLevels:     DefaultNumLevels,
	}
}

// InitFlags registers the enforcer's CLI flags on fs, following the
// Configuration.InitFlags convention used throughout this codebase's
// sibling daemons.
func (c *Configuration) InitFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Dev, "d", c.Dev, "egress network interface to enforce on")
	fs.Uint64Var(&c.MaxRate, "b", c.MaxRate, "link capacity in bytes/sec")
	fs.Func("n", "number of priority levels (0 is highest)", func(s string) error {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return err
		}
		c.NumPriorities = uint32(v)
		return nil
	})
}
