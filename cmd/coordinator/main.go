// Command coordinator runs the aggregation coordinator.
//
// The coordinator serves every protocol (SAFE, BON, INSEC) for every
// namespace over HTTP. Settings are read from a YAML file, then from the
// environment, then from flags:
//
//	listen_addr: ":8088"
//	metrics_addr: ":9090"
//	auth_enabled: true
//	namespaces_file: /config/namespaces.json
//	progress_timeout: 60
//	aggregation_timeout: 600
//	poll_time: 10
//	yield_time: 0.005
//	postgres:
//	  host: localhost
//	  port: 5432
//	  user: safe
//	  password: safe
//	  database: safe
//
// Environment overrides: PROGRESS_TIMEOUT, AGGREGATION_TIMEOUT, POLL_TIME,
// YIELD_TIME, SHOULD_DEBUG, AUTH_ENABLED.
//
// # Usage
//
//	go run ./cmd/coordinator --config=coordinator.yaml
//	AUTH_ENABLED=true go run ./cmd/coordinator --namespaces=./namespaces.json
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cablelabs/safe/api/httpserver"
	"github.com/cablelabs/safe/cmd/common"
	"github.com/cablelabs/safe/protocol"
	"github.com/cablelabs/safe/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		addr        = flag.String("addr", "", "HTTP listen address (default :8088)")
		metricsAddr = flag.String("metrics-addr", "", "Prometheus metrics listen address (disabled if empty)")
		namespaces  = flag.String("namespaces", "", "Namespace credentials file")
		enablePprof = flag.Bool("pprof", false, "Enable the pprof API")
	)
	flag.Parse()

	cfg, err := common.LoadCoordinatorConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *namespaces != "" {
		cfg.NamespacesFile = *namespaces
	}
	if *enablePprof {
		cfg.EnablePprof = true
	}

	if err := run(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *common.CoordinatorConfig) error {
	log := common.NewLogger(cfg.Debug)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(reg)

	coordCfg := cfg.Protocol()
	coordCfg.Events = metrics
	coordCfg.Logger = log

	if cfg.Postgres != nil {
		store, err := services.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		defer store.Close()
		coordCfg.Store = store
		log.Info("Persisting registrations", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	var auth *services.NamespaceAuth
	if cfg.AuthEnabled {
		var err error
		auth, err = services.LoadNamespaceAuth(cfg.NamespacesFile)
		if err != nil {
			return err
		}
		log.Info("Namespace auth enabled", "namespaces", len(auth.Namespaces()))
	}

	coord := protocol.NewCoordinator(coordCfg)
	defer coord.Close()

	handler := services.NewCoordinatorHandler(coord, &services.CoordinatorHandlerConfig{
		Auth:    auth,
		Metrics: metrics,
		Log:     log,
	})

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		Metrics:                  reg,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             coordCfg.PollTime + coordCfg.ProgressTimeout + 30*time.Second,
	}, handler)
	if err != nil {
		return err
	}

	log.Info("Coordinator starting",
		"addr", cfg.ListenAddr,
		"progressTimeout", coordCfg.ProgressTimeout,
		"aggregationTimeout", coordCfg.AggregationTimeout,
		"pollTime", coordCfg.PollTime,
	)
	srv.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down")
	srv.Shutdown()
	return nil
}
