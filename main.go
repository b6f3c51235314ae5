package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gulttuk/inhousebot/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownGrace = 10 * time.Second

func main() {
	config, err := server.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := server.NewLogger(config.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("name", config.Name))
	server.RedirectDiscordGoLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, config); err != nil {
		logger.Fatal("Startup failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, config *server.Config) error {
	location, err := config.Schedule.Location()
	if err != nil {
		return fmt.Errorf("failed to load time zone: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewPrometheusMetrics("inhousebot", registry)

	var values server.ValueStore
	if config.DryRun {
		logger.Warn("Dry run: the roster is kept in memory only")
		values = server.NewMemoryValueStore()
	} else {
		sheets, err := server.NewSheetsValueStore(ctx, logger, config.Sheets)
		if err != nil {
			return err
		}
		values = sheets
	}

	gate := server.NewStoreGate(metrics)
	store := server.NewRosterStore(logger, metrics, values, config.Sheets.Ranges)
	engine := server.NewRosterEngine(logger, metrics, gate, store, config.Roster, location)
	tournament := server.NewTournamentClient(logger, metrics, config.Riot)

	dg, err := discordgo.New("Bot " + config.Discord.Token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	bot := server.NewInhouseBot(ctx, logger, metrics, config, dg, engine, tournament)

	health := server.NewHealthcheckServer(logger, config.HTTP, bot, registry)
	health.Start()

	if err := bot.Start(); err != nil {
		return err
	}

	var scheduler *server.InhouseScheduler
	if config.Schedule.Enabled {
		scheduler, err = server.NewInhouseScheduler(ctx, logger, metrics, config, location, engine, bot)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	logger.Info("Inhouse bot started", zap.String("channel_id", config.Discord.ChannelID), zap.Bool("dry_run", config.DryRun))
	<-ctx.Done()
	logger.Info("Shutting down")

	if scheduler != nil {
		scheduler.Stop()
	}
	engine.WaitSyncs()
	if err := bot.Stop(); err != nil {
		logger.Warn("Failed to close discord session", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := health.Stop(shutdownCtx); err != nil {
		logger.Warn("Failed to stop healthcheck server", zap.Error(err))
	}
	return nil
}
