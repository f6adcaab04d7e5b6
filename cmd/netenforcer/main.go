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

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/netenforcer/netenforcer/pkg/netenforcer/agent"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/config"
	"github.com/netenforcer/netenforcer/pkg/netenforcer/metrics"
)

var (
	rpcAddr     = flag.String("rpc-addr", ":1717", "address the RPC surface listens on")
	metricsAddr = flag.String("metrics-addr", ":9101", "address the /metrics endpoint listens on")
)

func main() {
	cfg := config.NewConfiguration()
	cfg.InitFlags(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()

	reg := metrics.NewRegistry()
	http.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			klog.Errorf("main: metrics server exited: %v", err)
		}
	}()

	a, err := agent.New(cfg, reg)
	if err != nil {
		klog.Errorf("main: failed to initialize agent: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := signals.SetupSignalHandler()
	if err := a.Run(ctx, *rpcAddr); err != nil {
		klog.Errorf("main: agent exited with error: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
