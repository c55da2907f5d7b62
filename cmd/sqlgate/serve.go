package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohans/sqlgate/cache"
	"github.com/mohans/sqlgate/config"
	"github.com/mohans/sqlgate/extensions"
	"github.com/mohans/sqlgate/httpapi"
	"github.com/mohans/sqlgate/janitor"
	"github.com/mohans/sqlgate/jobs"
	"github.com/mohans/sqlgate/registry"
	"github.com/mohans/sqlgate/worker"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		host    string
		port    int
		workers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("workers") {
				cfg.MaxWorkers = workers
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.LogLevel, cfg.LogFormat))
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides APP_HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides APP_PORT)")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker slots (overrides MAX_WORKERS)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg, err := registry.New(registry.Config{
		Dir:         cfg.DBDir,
		BusyTimeout: cfg.BusyTimeout,
		Logger:      log.With("component", "registry"),
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	loader, err := extensions.NewLoader(cfg.ExtensionsDir, reg, log.With("component", "extensions"))
	if err != nil {
		return err
	}
	for _, db := range cfg.AutoloadExtensions {
		if _, err := reg.GetOrCreate(ctx, db); err != nil {
			return fmt.Errorf("open database %q: %w", db, err)
		}
		n := loader.LoadAll(ctx, db)
		log.Info("extensions autoloaded", "db", db, "count", n)
	}

	c, err := cache.New(cache.Config{Capacity: cfg.MaxCacheSize})
	if err != nil {
		return err
	}

	store, closeStore, err := openJobStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	backend, err := newBackend(cfg, log)
	if err != nil {
		return err
	}

	mgr := jobs.NewManager(jobs.Config{
		DefaultTTL:   cfg.CacheExpiry,
		QueryTimeout: cfg.QueryTimeout,
		Logger:       log.With("component", "jobs"),
	}, store, c, reg, backend)
	if err := backend.Start(mgr); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	jan, err := janitor.New(janitor.Config{
		CacheSchedule: cfg.CacheSweepSchedule,
		JobSchedule:   cfg.JobSweepSchedule,
		JobRetention:  cfg.JobRetention,
		Logger:        log.With("component", "janitor"),
	}, c, mgr)
	if err != nil {
		return err
	}
	jan.Start()

	api := httpapi.New(httpapi.Config{
		APIKey:             cfg.APIKey,
		WaitTimeout:        cfg.QueryTimeout,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             log.With("component", "http"),
	}, httpapi.Deps{Jobs: mgr, Databases: reg, Extensions: loader, Cache: c})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr, "backend", cfg.QueueBackend, "workers", backend.Stats().Capacity)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		jan.Stop(shutdownCtx)
		if berr := backend.Shutdown(shutdownCtx); berr != nil {
			err = errors.Join(err, berr)
		}
		return err
	})
	return g.Wait()
}

func openJobStore(ctx context.Context, cfg config.Config, log *slog.Logger) (jobs.Store, func(), error) {
	if cfg.JobStore != config.JobStoreSQLite {
		return jobs.NewMemStore(cfg.MaxCompletedJobs), func() {}, nil
	}
	s, err := jobs.OpenSQLStore(ctx, cfg.JobStorePath, cfg.MaxCompletedJobs)
	if err != nil {
		return nil, nil, err
	}
	n, err := s.FailInterrupted(ctx, time.Now().UTC())
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	if n > 0 {
		log.Warn("failed jobs interrupted by restart", "count", n)
	}
	return s, func() { _ = s.Close() }, nil
}

func newBackend(cfg config.Config, log *slog.Logger) (worker.Backend, error) {
	if cfg.QueueBackend == config.QueueAsynq {
		d, err := worker.NewAsynqDispatcher(worker.AsynqConfig{
			Redis: asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			},
			Queue:       cfg.AsynqQueue,
			Concurrency: cfg.MaxWorkers,
			Logger:      log.With("component", "worker"),
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	p, err := worker.NewProcessor(worker.Config{
		Concurrency: cfg.MaxWorkers,
		Logger:      log.With("component", "worker"),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
