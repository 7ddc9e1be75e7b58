package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/netsync/internal/core/config"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/injector"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		listen     = flag.String("listen", "", "game transport address (overrides config)")
		transport  = flag.String("transport", "", "transport kind: udp, quic, websocket")
		metrics    = flag.Bool("metrics", false, "expose /metrics on the token address")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	if *transport != "" {
		cfg.Transport.Kind = config.TransportKind(*transport)
	}
	if *metrics {
		cfg.Metrics.Enabled = true
	}
	if err = cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := injector.InitializeApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { err = multierr.Append(err, app.Logger.Sync()) }()

	app.Logger.Info("Server starting",
		log.Addr(cfg.Server.ListenAddr),
		log.String("transport", string(cfg.Transport.Kind)),
		log.Int("tick_rate", cfg.Server.TickRate),
		log.String("token_addr", cfg.Server.TokenAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Server.Run(gctx) })
	g.Go(func() error { return app.HTTP.ListenAndServe(gctx) })

	runErr := g.Wait()
	app.Game.Close()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	app.Logger.Info("Server stopping")
	return multierr.Combine(runErr, app.Server.Close())
}
