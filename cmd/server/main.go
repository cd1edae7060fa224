// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/api"
	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/database"
	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/poller"
	"github.com/tomtom215/sessionkeeper/internal/rules"
	"github.com/tomtom215/sessionkeeper/internal/source"
	"github.com/tomtom215/sessionkeeper/internal/supervisor"
	"github.com/tomtom215/sessionkeeper/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Int("servers", len(cfg.Servers)).
		Str("db_path", cfg.Database.Path).
		Bool("redis", cfg.Redis.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting Sessionkeeper")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Sessionkeeper stopped with error")
	}
	logging.Info().Msg("Application stopped gracefully")
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	be, err := newBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	sources := make([]source.Source, 0, len(cfg.Servers))
	serverIDs := make([]string, 0, len(cfg.Servers))
	for _, sc := range cfg.MediaServers() {
		src, err := source.New(sc)
		if err != nil {
			return err
		}
		sources = append(sources, src)
		serverIDs = append(serverIDs, sc.ID)
		logging.Info().Str("server_id", sc.ID).Str("type", sc.Type).Str("url", sc.URL).Msg("Media server configured")
	}

	evaluator := rules.NewEvaluator(rules.EvaluatorConfig{DefaultPenalty: cfg.Rules.DefaultPenalty})
	manager := lifecycle.New(db, be.locker, evaluator, lifecycle.ConfigFrom(cfg))
	manager.UseCache(be.cache)
	manager.UsePublisher(be.publisher)

	scheduler := poller.New(db, manager, sources, poller.ConfigFrom(cfg))
	scheduler.Initialize(be.cache, be.publisher)

	handler := api.NewHandler(api.Deps{
		Sessions:  manager,
		Users:     db,
		DB:        db,
		Poller:    scheduler,
		ServerIDs: serverIDs,
	})
	server := api.NewServer(cfg.Server, api.NewRouter(handler, cfg.Server.PushToken))

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	tree.AddDataService(services.NewDatabaseHealthService(db, time.Minute))
	tree.AddTrackingService(services.NewPollerService(scheduler, cfg.Poller))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Supervisor.ShutdownTimeout))

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for services")
		serveErr = <-errCh
	case serveErr = <-errCh:
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logging.Error().Err(serveErr).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
	if len(unstopped) > 0 {
		return fmt.Errorf("%d services did not stop within %s", len(unstopped), cfg.Supervisor.ShutdownTimeout)
	}
	return nil
}
