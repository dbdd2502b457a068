package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/flowlens/internal/auth"
	"github.com/ILLUVRSE/flowlens/internal/config"
	"github.com/ILLUVRSE/flowlens/internal/enricher"
	"github.com/ILLUVRSE/flowlens/internal/explain"
	"github.com/ILLUVRSE/flowlens/internal/export"
	"github.com/ILLUVRSE/flowlens/internal/httpserver"
	"github.com/ILLUVRSE/flowlens/internal/ingestion"
	"github.com/ILLUVRSE/flowlens/internal/logging"
	"github.com/ILLUVRSE/flowlens/internal/ratelimit"
	"github.com/ILLUVRSE/flowlens/internal/signature"
	"github.com/ILLUVRSE/flowlens/internal/store"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "flowlens",
		Short:        "Workflow checkpoint ingestion and diagnosis",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP service",
			RunE:  runServe,
		},
		newSignCmd(),
		newExplainCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier := signature.NewVerifier([]byte(cfg.HMACSecret), signature.WithBypass(cfg.SkipSignature))
	if verifier.Bypassed() {
		logger.Warn("signature verification disabled; every ingest request is accepted")
	}

	enr, err := buildEnricher(cfg, logger)
	if err != nil {
		return err
	}

	dispatcher, err := buildDispatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var exporter ingestion.Exporter
	if dispatcher != nil {
		dispatcher.Start(ctx)
		exporter = dispatcher
		logger.Info("checkpoint export enabled", zap.Strings("sinks", dispatcher.Sinks()))
	}

	ing, err := ingestion.New(st, exporter, logger)
	if err != nil {
		return err
	}
	exp := explain.New(st, nil, enr, explain.Config{
		RecentLimit:   cfg.RecentLimit,
		EnrichTimeout: cfg.EnrichTimeout,
	}, logger)

	var reader *auth.BearerVerifier
	if cfg.ReadJWTSecret != "" {
		if reader, err = auth.NewBearerVerifier([]byte(cfg.ReadJWTSecret)); err != nil {
			return err
		}
	}

	limiter := ratelimit.New(cfg.IngestRPS, cfg.IngestBurst)
	if limiter.Enabled() {
		go limiter.Run(ctx)
	}

	server := httpserver.New(httpserver.Options{
		Signature:     verifier,
		Ingestion:     ing,
		Explain:       exp,
		Store:         st,
		Reader:        reader,
		Limiter:       limiter,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowlens listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	err = waitForShutdown(httpServer, errCh, logger)
	cancel()
	if dispatcher != nil {
		if cerr := dispatcher.Close(); cerr != nil {
			logger.Warn("export shutdown", zap.Error(cerr))
		}
	}
	return err
}

func waitForShutdown(srv *http.Server, errCh <-chan error, logger *zap.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping db: %w", err)
		}
		st := store.NewPGStore(db)
		if err := st.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, func() { db.Close() }, nil
	default:
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
}

func buildEnricher(cfg config.Config, logger *zap.Logger) (enricher.Enricher, error) {
	if cfg.HubSpotToken == "" {
		logger.Info("no HubSpot token configured; explanations run without CRM context")
		return enricher.Noop{}, nil
	}
	client, err := enricher.NewHubSpotClient(enricher.HubSpotConfig{
		BaseURL:     cfg.HubSpotBaseURL,
		AccessToken: cfg.HubSpotToken,
		Timeout:     cfg.EnrichTimeout,
		Retries:     cfg.EnrichRetries,
	})
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return client, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return enricher.NewCachedEnricher(client, rdb, cfg.RedisTTL, logger), nil
}

func buildDispatcher(ctx context.Context, cfg config.Config, logger *zap.Logger) (*export.Dispatcher, error) {
	var sinks []export.Sink
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := export.NewKafkaPublisher(export.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pub)
	}
	if cfg.ArchiveBucket != "" {
		arch, err := export.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, arch)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return export.NewDispatcher(export.DispatcherConfig{}, logger, sinks...), nil
}
