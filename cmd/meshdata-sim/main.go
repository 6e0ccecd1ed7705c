// Command meshdata-sim runs a simulated Thread mesh and distributes Network
// Data between its devices.
//
// The mesh is described by a topology file. Devices run on one event loop,
// paced in real time (optionally sped up) or stepped by hand from the
// console.
//
// Usage:
//
//	meshdata-sim [flags]
//
// Flags:
//
//	-topology string      Topology file (default "topologies/expiration.yaml")
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  File path for protocol event logging (CBOR format)
//	-metrics-addr string  Serve Prometheus metrics on this address
//	-speed float          Virtual seconds per real second; 0 steps with "run" (default 1)
//	-seed uint            Override the topology seed
//
// Examples:
//
//	# Run the expiration scenario in real time
//	meshdata-sim -topology topologies/expiration.yaml
//
//	# Step through a lossy mesh by hand and record every frame
//	meshdata-sim -topology topologies/lossy.yaml -speed 0 -protocol-log run.mlog
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meshdata/meshdata-go/cmd/meshdata-sim/console"
	plog "github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/mesh"
	"github.com/meshdata/meshdata-go/pkg/metrics"
	"github.com/meshdata/meshdata-go/pkg/topology"
)

var (
	topologyFile = flag.String("topology", "topologies/expiration.yaml", "Topology file")
	logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	protocolLog  = flag.String("protocol-log", "", "File path for protocol event logging (CBOR format)")
	metricsAddr  = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	speed        = flag.Float64("speed", 1, "Virtual seconds per real second; 0 steps with the run command")
	seed         = flag.Uint64("seed", 0, "Override the topology seed")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	level, err := parseLevel(*logLevel)
	if err != nil {
		return err
	}
	if *speed < 0 {
		return fmt.Errorf("speed must not be negative, got %v", *speed)
	}

	cfg, err := topology.Load(*topologyFile)
	if err != nil {
		return err
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The console is created before the network so log output shares the
	// terminal with the prompt.
	var (
		net    *mesh.Network
		runner *mesh.Runner
	)
	step := *speed == 0
	var exec console.Executor = lazyExecutor(func() console.Executor {
		if step {
			return net
		}
		return runner
	})
	con, err := console.New(exec, step)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(con.Stderr(), &slog.HandlerOptions{Level: level}))

	var plogs []plog.Logger
	if level <= slog.LevelDebug {
		plogs = append(plogs, plog.NewSlogAdapter(logger))
	}
	if *protocolLog != "" {
		fl, err := plog.NewFileLogger(*protocolLog)
		if err != nil {
			return fmt.Errorf("failed to create protocol logger: %w", err)
		}
		defer fl.Close()
		plogs = append(plogs, fl)
		logger.Info("protocol logging", "file", *protocolLog)
	}

	var m *metrics.Metrics
	var reg *prometheus.Registry
	if *metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		m = metrics.New(metrics.WithRegistry(reg))
	}

	opts := mesh.Options{Metrics: m, Logger: logger}
	if len(plogs) > 0 {
		opts.ProtocolLogger = plog.NewMultiLogger(plogs...)
	}
	net, err = mesh.New(*cfg, opts)
	if err != nil {
		return err
	}
	if !step {
		runner, err = mesh.NewRunner(net, mesh.RunnerConfig{Speed: *speed})
		if err != nil {
			return err
		}
	}

	logger.Info("starting mesh",
		"topology", cfg.Name, "nodes", len(cfg.Nodes), "seed", cfg.Seed, "run_id", net.RunID(), "speed", *speed)
	net.Start()

	g, gctx := errgroup.WithContext(ctx)
	if runner != nil {
		g.Go(func() error {
			if err := runner.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if reg != nil {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return con.Close()
	})

	con.Run(gctx, cancel)
	cancel()
	err = g.Wait()
	// Nothing drives the loop after Wait. The runner has already stopped
	// the devices; in step mode this does.
	net.Stop()
	logger.Info("stopped")
	return err
}

// lazyExecutor resolves the executor on first use, after the network exists.
type lazyExecutor func() console.Executor

func (f lazyExecutor) Call(ctx context.Context, fn func(*mesh.Network)) error {
	return f().Call(ctx, fn)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
