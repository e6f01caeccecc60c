package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gartstein/certoil/internal/certification/config"
	"github.com/gartstein/certoil/internal/certification/controller"
	"github.com/gartstein/certoil/internal/certification/db"
	"github.com/gartstein/certoil/internal/certification/events"
	"github.com/gartstein/certoil/internal/certification/handlers"
	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/gartstein/certoil/internal/certification/metrics"
	"github.com/gartstein/certoil/internal/certification/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and gRPC health servers",
		RunE: func(*cobra.Command, []string) error {
			return serve(a.cfg, a.logger)
		},
	}
}

// deps are the long-lived collaborators shared by serve and reconcile.
type deps struct {
	repo    *db.Repository
	files   *storage.FileStore
	service *controller.CertificationService
	close   func()
}

func buildDeps(cfg *config.Config, logger *zap.Logger, registry prometheus.Registerer) (*deps, error) {
	dbCfg := cfg.Database()
	dbCfg.Logger = db.NewLogger(zap.NewStdLog(logger.Named("gorm")))
	repo, err := db.NewRepository(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	files, err := storage.NewFileStore(cfg.UploadDir, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to initialize document store: %w", err)
	}

	m := metrics.New(registry)
	ledgerClient, err := newLedgerClient(cfg, logger, m)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	var producer controller.EventProducer = events.Discard{}
	closeProducer := func() {}
	if len(cfg.KafkaBrokers) > 0 {
		if err := events.EnsureTopic(cfg.KafkaBrokers, cfg.Topic, logger); err != nil {
			logger.Warn("Kafka unavailable at startup, events will be retried by the writer", zap.Error(err))
		}
		p := events.NewProducer(cfg.KafkaBrokers, cfg.Topic, logger)
		producer, closeProducer = p, p.Close
	} else {
		logger.Warn("No Kafka brokers configured, events are discarded")
	}

	service := controller.NewCertificationService(
		controller.NewStore(repo),
		repo,
		ledgerClient,
		files,
		producer,
		logger,
		controller.WithRecorder(m),
	)

	return &deps{
		repo:    repo,
		files:   files,
		service: service,
		close: func() {
			closeProducer()
			if err := repo.Close(); err != nil {
				logger.Error("failed to close database", zap.Error(err))
			}
		},
	}, nil
}

// newLedgerClient connects to the notarization gateway at NETWORK_URL, or to
// an in-process ledger when none is configured.
func newLedgerClient(cfg *config.Config, logger *zap.Logger, observer ledger.Observer) (*ledger.Client, error) {
	var (
		wallet  *ledger.Wallet
		connect ledger.Connector
		err     error
	)
	if cfg.NetworkURL == "" {
		logger.Warn("NETWORK_URL not set, using an in-memory ledger")
		if cfg.PrivateKey != "" {
			wallet, err = ledger.NewWallet(cfg.PrivateKey)
		} else {
			wallet, err = ledger.NewEphemeralWallet()
		}
		connect = ledger.StaticConnector(ledger.NewMemoryBackend(nil))
	} else {
		wallet, err = ledger.NewWallet(cfg.PrivateKey)
		connect = ledger.RPCConnector(cfg.NetworkURL, cfg.PackageID, nil, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	return ledger.NewClient(connect, wallet, ledger.Config{
		Network:   cfg.Network,
		PackageID: cfg.PackageID,
	}, logger, ledger.WithObserver(observer)), nil
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d, err := buildDeps(cfg, logger, registry)
	if err != nil {
		return err
	}
	defer d.close()

	var opts []handlers.HandlerOption
	if cfg.MaxUploadSize > 0 {
		opts = append(opts, handlers.WithMaxUploadSize(cfg.MaxUploadSize))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, handlers.WithRequestTimeout(cfg.RequestTimeout))
	}
	handler := handlers.NewCertificationHandler(d.service, d.files, logger, opts...)

	server := handlers.NewServer(cfg.GRPCPort, cfg.HTTPPort, logger)
	if err := server.RegisterHTTPGateway(handler, cfg.JWTSecret, registry); err != nil {
		return fmt.Errorf("failed to register HTTP gateway: %w", err)
	}

	if pending, err := d.service.PendingReconciliations(context.Background()); err != nil {
		logger.Warn("failed to read saga journal", zap.Error(err))
	} else if len(pending) > 0 {
		logger.Warn("Issuances awaiting reconciliation", zap.Int("count", len(pending)))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	return waitForShutdown(server, errCh, logger)
}

// waitForShutdown blocks until an interrupt or SIGTERM is received or a
// server fails, then shuts down servers.
func waitForShutdown(server *handlers.Server, errCh <-chan error, logger *zap.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	var err error
	select {
	case <-stop:
	case err = <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	server.Stop()
	logger.Info("Servers stopped properly")
	return err
}
