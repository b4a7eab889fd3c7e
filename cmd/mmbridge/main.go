// Copyright 2024-2026 Aiku AI

// Command mmbridge relays messages between a Mattermost account and a set of
// per-conversation Matrix rooms. It watches the account's own post feed,
// suppresses echoes of messages the bridge itself sent, and mirrors everything
// else into Matrix. Messages typed in the Matrix rooms are posted back to the
// matching Mattermost conversation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/aiku/mmbridge/pkg/bridge"
	"github.com/aiku/mmbridge/pkg/bridge/store"
	"github.com/aiku/mmbridge/pkg/matrix"
	"github.com/aiku/mmbridge/pkg/mattermost"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "mmbridge",
		Usage:   "Relay a Mattermost account's conversations into Matrix rooms",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				EnvVars: []string{"MMBRIDGE_CONFIG"},
				Usage:   "Path to the config file",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "example-config",
				Usage:  "Print an example config file and exit",
				Action: exampleConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func exampleConfig(_ *cli.Context) error {
	fmt.Print(bridge.ExampleConfig)
	return nil
}

func run(cliCtx *cli.Context) error {
	cfg, err := bridge.LoadConfig(cliCtx.String("config"))
	if err != nil {
		return err
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Msg("Starting mmbridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(ctx, cfg.Database.URI, *log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Err(err).Msg("Failed to close database")
		}
	}()

	var router *bridge.Router
	source := mattermost.NewClient(cfg.Mattermost, mattermost.Handlers{
		OnMessage:  func(evt *bridge.InboundEvent) { router.HandleSourceMessage(evt) },
		OnReaction: func(evt *bridge.ReactionEvent) { router.HandleSourceReaction(evt) },
	}, *log)
	target, err := matrix.NewClient(cfg.Matrix, matrix.Handlers{
		OnMessage:  func(evt *bridge.ChannelEvent) { router.HandleChannelMessage(evt) },
		OnReaction: func(evt *bridge.ReactionEvent) { router.HandleChannelReaction(evt) },
	}, *log)
	if err != nil {
		return err
	}

	ledger := bridge.NewLedger(db, *log)
	registry := bridge.NewRegistry(db, target, *log)
	locks := bridge.NewSerializer(cfg.Relay.SettleDelay(), *log)
	media := bridge.NewMediaPipeline(source, cfg.Media.TempDir, cfg.Media.MaxBytes, *log)
	router = bridge.NewRouter(bridge.RouterDeps{
		Registry: registry,
		Ledger:   ledger,
		Locks:    locks,
		Media:    media,
		Quotes:   db,
		State:    db,
		History:  db,
		Source:   source,
		Target:   target,
	}, bridge.RouterConfig{
		CommandPrefix: cfg.Relay.CommandPrefix,
		IDTTL:         cfg.Relay.IDTTL(),
		HeuristicTTL:  cfg.Relay.HeuristicTTL(),
	}, *log)
	if err := router.LoadState(ctx); err != nil {
		return err
	}

	if err := target.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to Matrix: %w", err)
	}
	defer target.Disconnect()
	if err := source.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to Mattermost: %w", err)
	}
	defer source.Disconnect()

	if cfg.Relay.SyncOnStartup {
		router.SyncConversations(ctx)
	}

	go ledger.RunSweeper(ctx, cfg.Relay.SweepInterval())
	go media.RunSweeper(ctx, cfg.Relay.SweepInterval(), time.Duration(cfg.Media.MaxAgeSec)*time.Second)

	var admin *bridge.AdminAPI
	if cfg.Admin.Addr != "" {
		admin = bridge.NewAdminAPI(router, *log)
		admin.Start(cfg.Admin.Addr)
	}

	waitForShutdown(log)

	if admin != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		admin.Stop(stopCtx)
		stopCancel()
	}
	cancel()
	log.Info().Msg("Shutdown complete")
	return nil
}

func waitForShutdown(log *zerolog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Stringer("signal", s).Msg("Shutting down")
}
