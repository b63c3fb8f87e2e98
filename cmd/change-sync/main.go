package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"change/internal/auth"
	"change/internal/backend"
	"change/internal/cli"
	"change/internal/core"
	"change/internal/localcache"
	"change/internal/log"
	"change/internal/notify"
	"change/internal/syncengine"
	"change/internal/syncmeta"
	"change/internal/templates"
	"change/internal/worker"
)

func main() {
	localOnly := flag.Bool("local", false, "skip the remote drive for this run")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-local]\n\nRuns the startup sync pass.\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, os.Stdout)

	logger.Info("Starting change-sync", "backend", cfg.DataBackend, "app_root", cfg.AppRoot)

	ctx, cancel := cli.SignalContext(logger.Logger)
	defer cancel()

	db := cli.InitSQLite(ctx, logger.WithComponent(log.ComponentStorage), cfg.SQLiteDBPath)
	defer db.Close()

	// Notices go to the log and, when configured, to AMQP
	notifiers := notify.Multi{notify.NewLogNotifier(logger.WithComponent(log.ComponentNotify))}
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger.WithComponent(log.ComponentAMQP))
		if err != nil {
			logger.Warn("Failed to initialize AMQP publisher, continuing with log notices only", "error", err)
		} else {
			defer publisher.Close()
			notifiers = append(notifiers, publisher)
			logger.Info("AMQP publisher initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	}

	deps := syncengine.Deps{
		Cache:    localcache.New(db, logger.WithComponent(log.ComponentCache)),
		Meta:     syncmeta.New(db, logger.WithComponent(log.ComponentSyncMeta)),
		Notifier: notifiers,
		Logger:   logger.WithComponent(log.ComponentSync),
		AppRoot:  cfg.AppRoot,
	}

	var provider *auth.Provider
	if !*localOnly {
		backendCfg, err := backend.FromAppConfig(cfg, auth.NewSQLiteTokenStore(db), cli.ConsoleRedirect(os.Stderr))
		if err != nil {
			logger.Error("Invalid backend configuration", "error", err)
			os.Exit(1)
		}
		result, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend)).CreateBackend(ctx, backendCfg)
		if err != nil {
			logger.Error("Failed to initialize backend", "error", err)
			os.Exit(1)
		}
		if result.Cleanup != nil {
			defer func() { _ = result.Cleanup() }()
		}
		deps.Files = result.Files
		provider = result.Auth
	}

	// Default planning: remote template first, then the compiled-in one
	var fetchers []templates.Fetcher
	if cfg.TemplateURL != "" {
		fetchers = append(fetchers, templates.NewHTTPFetcher(cfg.TemplateURL, cfg.TemplateTimeout))
	}
	fetchers = append(fetchers, templates.EmbeddedFetcher{})
	fallback := templates.NewFallback(logger.WithComponent(log.ComponentTemplate), fetchers...)

	planning := syncengine.NewPlanningPersistence(deps, fallback)
	spending := syncengine.NewSpendingPersistence(deps)
	planning.SetSyncEnabled(cfg.SyncEnabled)
	spending.SetSyncEnabled(cfg.SyncEnabled)

	if provider != nil && provider.State(ctx) == auth.StateNeedsConsent {
		logger.Warn("No token stored; run oauth-init to sign in. Changes stay local until then.",
			log.FieldAuthState, provider.State(ctx).String())
	}

	start := time.Now()
	reports, err := worker.NewSyncWorker(logger.WithComponent(log.ComponentWorker)).
		Register(core.DomainPlanning.String(), planning).
		Register(core.DomainSpending.String(), spending).
		StartupSync(ctx, cfg.SyncYears...)
	for _, r := range reports {
		fmt.Printf("%-9s synced=%d failed=%d retried=%d\n", r.Domain, r.Synced, r.Failed, r.Retried)
	}
	if err != nil {
		logger.Error("Startup sync finished with errors", "error", err, log.FieldDuration, time.Since(start).Milliseconds())
		if ctx.Err() == context.Canceled {
			os.Exit(130)
		}
		os.Exit(1)
	}
	logger.Info("Startup sync done", log.FieldDuration, time.Since(start).Milliseconds())
}
