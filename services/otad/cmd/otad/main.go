package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"otad/pkg/bus"
	"otad/pkg/db"
	gos3 "otad/pkg/s3"
	"otad/pkg/telemetry"
	"otad/services/api"
	"otad/services/audit"
	"otad/services/firmware"
	"otad/services/mirror"
	"otad/services/otad/internal/config"
	"otad/services/otad/internal/tftp"
)

const (
	serviceName = "otad"
	streamName  = "OTA"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	store, err := firmware.NewArtifactStore(cfg.OTA.DataDir, cfg.OTA.CompiledDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	registry, err := firmware.NewRegistry(store, firmware.WithRegistryLogger(logger))
	if err != nil {
		return err
	}
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load firmware registry: %w", err)
	}

	opts := firmware.Options{
		Logger:         logger,
		MaxUploadBytes: cfg.OTA.MaxUploadBytes,
	}
	var apiOpts []api.Option
	var checks []func(context.Context) error

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(streamName, "ota.>"); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		opts.Events = eventBus
		checks = append(checks, func(context.Context) error { return eventBus.Healthy() })
	}

	if cfg.DBDSN != "" {
		pool, recorder, err := openAudit(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		opts.Audit = recorder
		apiOpts = append(apiOpts, api.WithAuditLog(recorder))
		checks = append(checks, func(ctx context.Context) error { return db.Ping(ctx, pool) })

		if eventBus != nil {
			ingestor, err := audit.NewIngestor(eventBus, recorder, logger.With().Str("component", "audit").Logger())
			if err != nil {
				return err
			}
			if err := ingestor.Start(ctx); err != nil {
				return fmt.Errorf("start audit ingestor: %w", err)
			}
			defer ingestor.Close()
		}
	}

	if cfg.S3.MirrorEnabled {
		client, err := gos3.NewClient(ctx, gos3.Config{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Region:         cfg.S3.Region,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		m, err := mirror.New(client, mirror.Config{
			Bucket:     cfg.S3.Bucket,
			Prefix:     cfg.S3.Prefix,
			DefaultTTL: cfg.S3.PresignTTL,
		}, logger.With().Str("component", "mirror").Logger())
		if err != nil {
			return err
		}
		opts.Mirror = m
		apiOpts = append(apiOpts, api.WithPresigner(m))
	}

	svc, err := firmware.NewService(registry, opts)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)

	var tftpReady atomic.Bool
	if cfg.TFTP.Enabled {
		server, err := tftp.NewServer(cfg.TFTP, svc, logger.With().Str("component", "tftp").Logger())
		if err != nil {
			return fmt.Errorf("create tftp server: %w", err)
		}
		go func() {
			if err := server.Run(ctx, &tftpReady); err != nil {
				errCh <- fmt.Errorf("tftp: %w", err)
			}
		}()
		checks = append(checks, func(context.Context) error {
			if !tftpReady.Load() {
				return errors.New("tftp not ready")
			}
			return nil
		})
	}

	if cfg.OTA.WatchCompiled {
		go func() {
			if err := registry.WatchCompiled(ctx, firmware.DefaultWatchDebounce); err != nil {
				errCh <- fmt.Errorf("watch compiled firmware: %w", err)
			}
		}()
	}

	apiOpts = append(apiOpts,
		api.WithLogger(logger.With().Str("component", "api").Logger()),
		api.WithReadiness(readiness(checks)),
	)
	handlers, err := api.New(svc, api.Config{
		PublicBaseURL:      cfg.PublicBaseURL,
		DefaultDeviceType:  cfg.OTA.DefaultDeviceType,
		DefaultVersion:     cfg.OTA.DefaultVersion,
		MaxUploadBytes:     cfg.OTA.MaxUploadBytes,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.RequestTimeout,
	}, apiOpts...)
	if err != nil {
		return err
	}
	router, err := handlers.Routes()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("data_dir", cfg.OTA.DataDir).
			Str("compiled_dir", cfg.OTA.CompiledDir).
			Int("artifacts", len(registry.List(firmware.Filter{IncludeInactive: true}))).
			Msg("starting otad")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err = <-errCh:
		logger.Error().Err(err).Msg("component failed")
		stop()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		logger.Error().Err(serr).Msg("http shutdown")
	}
	return err
}

func openAudit(ctx context.Context, dsn string) (*pgxpool.Pool, *audit.Recorder, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	orm, err := db.Gorm(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open gorm: %w", err)
	}
	recorder, err := audit.NewRecorder(orm, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, recorder, nil
}

func readiness(checks []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
