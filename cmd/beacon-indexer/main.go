// Command beacon-indexer ingests beacon-chain epochs and slots into a
// relational store: committees, sync committees, validator balances,
// attestation/block/sync-committee/execution rewards.
//
// Usage:
//
//	beacon-indexer [flags]
//
// Flags:
//
//	--config                   path to YAML configuration file
//	--database-url             relational connection string
//	--consensus-archive-url    archive beacon node base URL
//	--consensus-full-url       full beacon node base URL
//	--execution-url            execution node base URL
//	--execution-backup-url     execution node backup base URL
//	--max-unprocessed-epochs   target unprocessed-epoch window
//	--max-attestation-delay    attestation-delay cleanup threshold
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodesentinel/beacon-indexer/beaconapi"
	"github.com/nodesentinel/beacon-indexer/beacontime"
	"github.com/nodesentinel/beacon-indexer/config"
	"github.com/nodesentinel/beacon-indexer/executionapi"
	"github.com/nodesentinel/beacon-indexer/httpclient"
	"github.com/nodesentinel/beacon-indexer/log"
	"github.com/nodesentinel/beacon-indexer/metrics"
	"github.com/nodesentinel/beacon-indexer/orchestrator"
	"github.com/nodesentinel/beacon-indexer/process"
	"github.com/nodesentinel/beacon-indexer/storage"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	configPath, overlay, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	overlay(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger := log.Default()
	logger.Info("beacon-indexer starting", "chain", cfg.Chain, "maxUnprocessedEpochs", cfg.MaxUnprocessedEpochs)

	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to storage", "err", err)
		return 1
	}
	defer store.Close()

	httpClient := httpclient.NewClient(httpclient.ClientConfig{
		ArchiveURL:         cfg.Consensus.ArchiveURL,
		FullURL:            cfg.Consensus.FullURL,
		ArchiveConcurrency: cfg.Consensus.ArchiveConcurrency,
		FullConcurrency:    cfg.Consensus.FullConcurrency,
		ArchiveRetries:     cfg.Consensus.ArchiveRetries,
		FullRetries:        cfg.Consensus.FullRetries,
		RequestsPerSecond:  cfg.Consensus.RequestsPerSecond,
		BaseDelay:          time.Duration(cfg.Consensus.BaseDelayMs) * time.Millisecond,
	})

	clock := beacontime.New(cfg.ChainParams())
	facade := beaconapi.NewFacade(httpClient, func() uint64 {
		return clock.SlotFromTimestamp(time.Now().UnixMilli())
	})

	execution := executionapi.NewClient(executionapi.Config{
		URL:               cfg.Execution.URL,
		BackupURL:         cfg.Execution.BackupURL,
		RequestsPerSecond: cfg.Execution.RequestsPerSecond,
	})

	orchestratorCfg := orchestrator.DefaultConfig()
	orchestratorCfg.TargetUnprocessedEpochs = cfg.MaxUnprocessedEpochs
	orchestratorCfg.MaxAttestationDelay = cfg.MaxAttestationDelay
	orchestratorCfg.DelaySlotsToHead = cfg.Consensus.DelaySlotsToHead
	orchestratorCfg.SlotStartIndexing = cfg.Consensus.LookbackSlot

	o := orchestrator.New(store, facade, execution, clock, orchestratorCfg)

	registry := process.NewServiceRegistry(0)
	if err := registry.Register(&process.ServiceDescriptor{
		Name:     "metrics",
		Service:  newMetricsService(),
		Priority: 0,
	}); err != nil {
		logger.Error("failed to register metrics service", "err", err)
		return 1
	}
	if err := registry.Register(&process.ServiceDescriptor{
		Name:         "orchestrator",
		Service:      orchestrator.NewService(o),
		Dependencies: []string{"metrics"},
		Priority:     1,
	}); err != nil {
		logger.Error("failed to register orchestrator service", "err", err)
		return 1
	}

	if errs := registry.Start(); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("service failed to start", "err", e)
		}
		return 1
	}
	logger.Info("all services started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	for _, e := range registry.Stop() {
		logger.Error("service failed to stop cleanly", "err", e)
	}
	logger.Info("shutdown complete")
	return 0
}

// metricsService serves the Prometheus exposition endpoint over the
// process-wide default metrics registry.
type metricsService struct {
	server *http.Server
}

func newMetricsService() *metricsService {
	promCfg := metrics.DefaultPrometheusConfig()
	exporter := metrics.NewPrometheusExporter(metrics.DefaultRegistry, promCfg)
	mux := http.NewServeMux()
	mux.Handle(promCfg.Path, exporter.Handler())
	return &metricsService{server: &http.Server{Addr: ":9090", Handler: mux}}
}

func (m *metricsService) Name() string { return "metrics" }

func (m *metricsService) Start() error {
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Default().Error("metrics server exited unexpectedly", "err", err)
		}
	}()
	return nil
}

func (m *metricsService) Stop() error {
	return m.server.Close()
}
