// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// vmcore boots a simulated kernel memory subsystem, serves its metrics
// and health over HTTP and optionally drives it with a synthetic workload.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/common/expfmt"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1"
	"github.com/containers/vmcore/pkg/config"
	"github.com/containers/vmcore/pkg/healthz"
	"github.com/containers/vmcore/pkg/instrumentation"
	"github.com/containers/vmcore/pkg/kernel"
	logger "github.com/containers/vmcore/pkg/log"
	"github.com/containers/vmcore/pkg/metrics"
	"github.com/containers/vmcore/pkg/metrics/collectors"
	"github.com/containers/vmcore/pkg/version"
)

var (
	log = logger.Default()
)

type Main struct {
	cfgPath  string
	addr     string
	duration time.Duration
	workers  int
	rate     float64
	dump     bool

	cfg    *cfgapi.Config
	kernel *kernel.Kernel
	instr  *instrumentation.Service
}

func main() {
	m := &Main{}

	m.setupLoggers()
	m.parseCmdline()

	if err := m.Run(); err != nil {
		log.Error("%v", err)
		logger.Flush()
		os.Exit(1)
	}
	logger.Flush()
}

func (m *Main) setupLoggers() {
	logger.SetStdLogger("stdlog")
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)
}

func (m *Main) parseCmdline() {
	printCfg := flag.Bool("print-config", false, "Print the effective configuration and exit.")
	flag.StringVar(&m.cfgPath, "config", "", "Configuration file to use.")
	flag.StringVar(&m.addr, "metrics-addr", "", "Override the HTTP endpoint for /metrics and /healthz.")
	flag.DurationVar(&m.duration, "duration", 0, "Stop after this long, 0 runs until interrupted.")
	flag.IntVar(&m.workers, "workers", 0, "Number of synthetic workload workers.")
	flag.Float64Var(&m.rate, "rate", 10, "Workload iterations per second per worker.")
	flag.BoolVar(&m.dump, "dump-metrics", false, "Dump metrics to stdout before shutting down.")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "help":
			flag.Usage()
			os.Exit(0)
		case "version":
			fmt.Printf("version: %s\n", version.Version)
			fmt.Printf("build: %s\n", version.Build)
			os.Exit(0)
		default:
			log.Error("unknown command line arguments: %s", strings.Join(args, " "))
			flag.Usage()
			os.Exit(1)
		}
	}

	cfg, err := config.Load(m.cfgPath)
	if err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
	if m.addr != "" {
		cfg.Instrumentation.HTTPEndpoint = m.addr
	}
	m.cfg = cfg

	if *printCfg {
		if err := config.Print(os.Stdout, cfg); err != nil {
			log.Error("%v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
}

func (m *Main) Run() error {
	if err := logger.Configure(&m.cfg.Log); err != nil {
		return errors.Wrap(err, "failed to configure logging")
	}

	log.Info("vmcore (version %s, build %s) starting...", version.Version, version.Build)

	k, err := kernel.Boot(m.cfg)
	if err != nil {
		return errors.Wrap(err, "failed to boot kernel")
	}
	m.kernel = k

	defer func() {
		if err := k.Shutdown(); err != nil {
			log.Error("kernel shutdown: %v", err)
		}
	}()

	if err := m.startInstrumentation(); err != nil {
		return err
	}
	defer m.instr.Stop()

	if err := k.Start(); err != nil {
		return errors.Wrap(err, "failed to start kernel daemons")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if m.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, m.duration)
		defer stop()
	}

	if m.workers > 0 {
		w, err := newWorkload(k, m.workers, m.rate)
		if err != nil {
			return err
		}
		if err := w.Run(ctx); err != nil {
			return errors.Wrap(err, "workload failed")
		}
		log.Info("workload done, %d iterations", w.Iterations())
	}

	<-ctx.Done()
	log.Info("shutting down...")

	if err := k.Check(); err != nil {
		log.Warn("consistency check: %v", err)
	}

	if m.dump {
		if err := m.dumpMetrics(os.Stdout); err != nil {
			log.Warn("failed to dump metrics: %v", err)
		}
	}

	return nil
}

func (m *Main) dumpMetrics(w io.Writer) error {
	options := []metrics.GathererOption{
		metrics.WithNamespace(instrumentation.ServiceName),
		metrics.WithPollInterval(0),
	}
	if c := m.cfg.Instrumentation.Metrics; c != nil {
		options = append(options, metrics.WithMetrics(c.Enabled, c.Polled))
	}

	g, err := m.kernel.Metrics().NewGatherer(options...)
	if err != nil {
		return err
	}
	defer g.Stop()

	g.Poll()
	families, err := g.Gather()
	if err != nil {
		return err
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}

	return nil
}

func (m *Main) startInstrumentation() error {
	if err := collectors.Register(m.kernel.Metrics(), m.cfg); err != nil {
		return errors.Wrap(err, "failed to register standard collectors")
	}

	health := healthz.NewRegistry()
	health.Register("kernel", func() (healthz.Status, error) {
		if err := m.kernel.Check(); err != nil {
			return healthz.Degraded, err
		}
		return healthz.Healthy, nil
	})

	m.instr = instrumentation.New(&m.cfg.Instrumentation, m.kernel.Metrics(),
		instrumentation.WithHealthRegistry(health),
		instrumentation.WithIdentity(
			instrumentation.Attribute("vmcore.memory", m.cfg.Memory.PhysicalMemory.String()),
			instrumentation.Attribute("vmcore.backend", m.cfg.Memory.Backend),
		),
	)

	if err := m.instr.Start(); err != nil {
		return errors.Wrap(err, "failed to set up instrumentation")
	}

	return nil
}
