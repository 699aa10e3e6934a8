// Command vrrpd runs the VRRP high-availability failover daemon
// (SPEC_FULL.md section 4.9).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/quorumha/vrrpd/internal/clock"
	"github.com/quorumha/vrrpd/internal/config"
	"github.com/quorumha/vrrpd/internal/instance"
	"github.com/quorumha/vrrpd/internal/metrics"
	"github.com/quorumha/vrrpd/internal/notify"
	"github.com/quorumha/vrrpd/internal/registry"
	"github.com/quorumha/vrrpd/internal/sched"
	"github.com/quorumha/vrrpd/internal/syncgroup"
	"github.com/quorumha/vrrpd/internal/vip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"

	logLevel    string
	logJSON     bool
	configPath  string
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vrrpd",
	Short:   "VRRP high-availability failover daemon",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/vrrpd/vrrpd.yaml", "configuration file path")

	rootCmd.AddCommand(runCmd, validateConfigCmd, versionCmd)
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(log)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Parse and resolve the configuration file without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		doc, err := config.Load(configPath)
		if err != nil {
			return err
		}
		reg, err := registry.Build(doc, registry.Deps{Log: log})
		if err != nil {
			return err
		}
		for _, msg := range reg.Reports {
			fmt.Println("WARN:", msg)
		}
		fmt.Printf("%d instance(s), %d sync group(s) resolved\n", len(reg.Instances), len(reg.Groups))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("vrrpd", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
}

// runDaemon loads configuration, resolves the registry, and drives the
// scheduler until a termination signal arrives. SIGHUP tears down the
// running scheduler loop and rebuilds it from the configuration file
// again, so edits take effect without a process restart; SIGTERM/SIGINT
// request an orderly shutdown (spec.md section 5's "Startup and
// shutdown").
func runDaemon(ctx context.Context) error {
	log := newLogger()

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector()
	promReg.MustRegister(collector)
	go serveMetrics(metricsAddr, promReg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		runCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- runOnce(runCtx, log, collector) }()

		select {
		case sig := <-sigCh:
			cancel()
			<-errCh
			if sig == syscall.SIGHUP {
				log.Info("reloading configuration")
				continue
			}
			log.Info("shutting down")
			return nil

		case err := <-errCh:
			cancel()
			if err != nil && err != context.Canceled {
				return err
			}
			return nil
		}
	}
}

// runOnce loads configuration, resolves a registry from it, and runs
// the scheduler loop until ctx is canceled or a fatal error occurs.
func runOnce(ctx context.Context, log *logrus.Entry, collector *metrics.Collector) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	deps := registry.Deps{
		Backend: linuxBackendFactory,
		Notify:  buildNotifier(doc, log),
		Log:     log,
	}
	reg, err := registry.Build(doc, deps)
	if err != nil {
		return fmt.Errorf("resolving registry: %w", err)
	}
	for _, msg := range reg.Reports {
		log.Warn(msg)
	}

	loop := sched.New(clock.System{}, log)
	loop.Metrics = collector
	for _, ic := range doc.Instances {
		vr, ok := reg.Instances[ic.Name]
		if !ok {
			continue
		}
		loop.Add(vr, registry.BuildTrackAggregator(ic))
	}
	instances := make([]*instance.VirtualRouter, 0, len(reg.Instances))
	for _, name := range reg.SortedInstanceNames() {
		instances = append(instances, reg.Instances[name])
	}
	groups := make([]*syncgroup.Group, 0, len(reg.Groups))
	for _, g := range reg.Groups {
		loop.AttachGroup(g)
		groups = append(groups, g)
	}
	collector.SetSources(instances, groups)

	if err := loop.Init(ctx); err != nil {
		return err
	}
	return loop.Run(ctx)
}

func linuxBackendFactory(ic config.InstanceConfig) (vip.Backend, error) {
	family := vip.IPv4
	if ic.Family == "ipv6" {
		family = vip.IPv6
	}
	var local net.IP
	if ic.PrimaryAddr != "" {
		local = net.ParseIP(ic.PrimaryAddr)
	}
	iface, err := net.InterfaceByName(ic.Interface)
	if err != nil {
		return nil, fmt.Errorf("resolving interface %s: %w", ic.Interface, err)
	}
	return vip.NewLinuxBackend(iface, family, local)
}

func buildNotifier(doc *config.Document, log *logrus.Entry) notify.Sink {
	scripts := map[notify.Scope][]notify.Script{}
	for _, s := range doc.Notify.InstanceScripts {
		scripts[notify.ScopeInstance] = append(scripts[notify.ScopeInstance], notify.Script{Path: s.Path, Args: s.Args})
	}
	for _, s := range doc.Notify.GroupScripts {
		scripts[notify.ScopeGroup] = append(scripts[notify.ScopeGroup], notify.Script{Path: s.Path, Args: s.Args})
	}
	maxConcurrent := doc.Notify.MaxConcurrentScripts
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return notify.New(log, scripts, maxConcurrent)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics server stopped")
	}
}
